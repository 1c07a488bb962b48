package controller

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaskitlink/dispenser-controller/pkg/protocol"
)

// scriptedTransport hands back a fixed sequence of raw frames,
// ignoring the command it was sent, so tests can drive the polling
// worker through a scripted hardware conversation deterministically.
type scriptedTransport struct {
	mu        sync.Mutex
	responses [][]byte
	idx       int
	closed    bool
	sent      [][]byte
}

func (s *scriptedTransport) SendAndReceive(cmd []byte, totalTimeout, interByteTimeout time.Duration, forceClear bool) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), cmd...))
	if s.idx >= len(s.responses) {
		return nil
	}
	r := s.responses[s.idx]
	s.idx++
	return r
}

func (s *scriptedTransport) sentLetters() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	letters := make([]byte, len(s.sent))
	for i, f := range s.sent {
		letters[i] = f[3]
	}
	return letters
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func fastTiming() TimingParams {
	return TimingParams{
		ResponseTimeout:   5 * time.Millisecond,
		InterByteTimeout:  time.Millisecond,
		MaxRetries:        2,
		InterCommandDelay: time.Millisecond,
		IdlePollDelay:     2 * time.Millisecond,
		LinkLostPollDelay: 2 * time.Millisecond,
		PostEndDelay:      2 * time.Millisecond,
		ErrorThreshold:    6,
	}
}

func newTestController(responses [][]byte) (*Controller, *scriptedTransport) {
	tr := &scriptedTransport{responses: responses}
	c := New()
	c.SetTimingParams(fastTiming())
	c.openTransport = func(port string, baud int) (transportPort, error) {
		return tr, nil
	}
	return c, tr
}

func TestConnectRunsPollingAndDispatchesStoppedTUThenC0(t *testing.T) {
	codec := protocol.NewCodec(protocol.NewAddress(1))
	stopped := codec.Build([]byte("S81"))
	txn := codec.Build([]byte("T129;002500;001000;2233"))
	counter := codec.Build([]byte("C1;000012345"))

	c, _ := newTestController([][]byte{stopped, txn, stopped, counter, stopped})

	var txComplete int32
	c.OnTransactionComplete(func(liters, money, price float64) {
		atomic.AddInt32(&txComplete, 1)
		assert.Equal(t, 10.0, liters)
		assert.Equal(t, 2500.0, money)
		assert.Equal(t, 2233.0, price)
	})

	require.NoError(t, c.Connect("/dev/fake", "1"))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&txComplete) == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return c.TotalCounter() == 123.45
	}, time.Second, time.Millisecond)

	assert.True(t, c.TransactionDataReady())
}

func TestDisconnectStopsWorkerAndClearsObservables(t *testing.T) {
	codec := protocol.NewCodec(protocol.NewAddress(1))
	idle := codec.Build([]byte("S10"))
	c, tr := newTestController([][]byte{idle, idle, idle, idle, idle, idle, idle, idle})

	require.NoError(t, c.Connect("/dev/fake", "1"))
	time.Sleep(10 * time.Millisecond)
	c.Disconnect()

	assert.True(t, tr.closed)
	assert.Equal(t, int64(0), c.NoResponseCount())
	assert.Equal(t, int64(0), c.CRCErrorCount())
	assert.False(t, c.TransactionDataReady())
}

func TestQueuedCommandTakesPriorityOverPolling(t *testing.T) {
	codec := protocol.NewCodec(protocol.NewAddress(1))
	idle := codec.Build([]byte("S10"))

	c, tr := newTestController([][]byte{idle, idle, idle, idle, idle})
	c.QueueVolumePreset(1, 1000, 2233)
	require.NoError(t, c.Connect("/dev/fake", "1"))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		letters := tr.sentLetters()
		return len(letters) >= 1
	}, time.Second, time.Millisecond)

	letters := tr.sentLetters()
	assert.Equal(t, byte('V'), letters[0], "queued command must be drained before the next status poll")
}

func TestFuelDataCallbackFiresForVolumeAndMoney(t *testing.T) {
	codec := protocol.NewCodec(protocol.NewAddress(1))
	fuelling := codec.Build([]byte("S61"))
	volume := codec.Build([]byte("L110;001500"))
	money := codec.Build([]byte("R110;003300"))

	c, _ := newTestController([][]byte{fuelling, volume, money})

	var calls int32
	c.OnFuelData(func(liters, money float64) {
		atomic.AddInt32(&calls, 1)
	})

	require.NoError(t, c.Connect("/dev/fake", "1"))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, 15.0, c.CurrentLiters())
	assert.Equal(t, 3300.0, c.CurrentMoney())
}

func TestConnectFailsWhenTransportOpenFails(t *testing.T) {
	c := New()
	c.openTransport = func(port string, baud int) (transportPort, error) {
		return nil, assertErr{}
	}
	var errMsg string
	c.OnError(func(message string) { errMsg = message })

	err := c.Connect("/dev/fake", "1")
	require.Error(t, err)
	assert.NotEmpty(t, errMsg)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
