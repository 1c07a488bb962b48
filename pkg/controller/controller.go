// Package controller is the orchestrator: it runs the polling loop on
// a dedicated worker, drains a user-command queue with priority over
// polling, dispatches FSM actions through the retry engine, and
// exposes atomic observable fields plus UI callbacks. A stopCh
// signals shutdown to the dedicated goroutine that owns the
// transport.
package controller

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaskitlink/dispenser-controller/pkg/fsm"
	"github.com/gaskitlink/dispenser-controller/pkg/protocol"
	"github.com/gaskitlink/dispenser-controller/pkg/retry"
	"github.com/gaskitlink/dispenser-controller/pkg/transport"
)

// StatusCallback fires after every successful S cycle.
type StatusCallback func(state protocol.HardwareState, nozzle int)

// FuelDataCallback fires after a valid L and after a valid R response.
type FuelDataCallback func(liters, money float64)

// TransactionCompleteCallback fires after a valid T response.
type TransactionCompleteCallback func(liters, money, price float64)

// ErrorCallback fires on port open failure or explicit error
// notifications.
type ErrorCallback func(message string)

// LogCallback fires for every TX/RX trace line.
type LogCallback func(message string, isSent bool)

// transportPort is the subset of *transport.Transport the controller
// depends on; tests substitute a fake.
type transportPort interface {
	retry.Port
	Close() error
}

type pendingCommand struct {
	frame       []byte
	description string
}

// Controller is the non-blocking command/observation surface a UI
// layer drives. All fields below the embedded mutexes are safe for
// concurrent access from any caller.
type Controller struct {
	openTransport func(port string, baud int) (transportPort, error)

	queueMu sync.Mutex
	pending []pendingCommand

	timingMu sync.RWMutex
	timing   TimingParams

	callbackMu          sync.RWMutex
	onStatus            StatusCallback
	onFuelData          FuelDataCallback
	onTransactionDone   TransactionCompleteCallback
	onError             ErrorCallback
	onLog               LogCallback

	fsm    *fsm.FSM
	retry  *retry.Engine
	codec  protocol.Codec
	tr     transportPort
	stopCh chan struct{}
	wg     sync.WaitGroup

	running atomic.Bool

	currentLitersBits atomic.Uint64
	currentMoneyBits  atomic.Uint64
	totalCounterBits  atomic.Uint64
	txDataReady       atomic.Bool
	noResponseCount   atomic.Int64
	crcErrorCount     atomic.Int64
}

// New returns a disconnected Controller with default timing.
func New() *Controller {
	c := &Controller{
		timing: DefaultTimingParams(),
		fsm:    fsm.New(),
	}
	c.openTransport = func(port string, baud int) (transportPort, error) {
		return transport.Open(port, baud)
	}
	return c
}

// OnStatusChange registers the status-change callback.
func (c *Controller) OnStatusChange(cb StatusCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onStatus = cb
}

// OnFuelData registers the fuel-data callback.
func (c *Controller) OnFuelData(cb FuelDataCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onFuelData = cb
}

// OnTransactionComplete registers the transaction-complete callback.
func (c *Controller) OnTransactionComplete(cb TransactionCompleteCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onTransactionDone = cb
}

// OnError registers the error callback.
func (c *Controller) OnError(cb ErrorCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onError = cb
}

// OnLog registers the TX/RX trace callback.
func (c *Controller) OnLog(cb LogCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onLog = cb
}

func (c *Controller) fireStatus(state protocol.HardwareState, nozzle int) {
	c.callbackMu.RLock()
	cb := c.onStatus
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(state, nozzle)
	}
}

func (c *Controller) fireFuelData(liters, money float64) {
	c.callbackMu.RLock()
	cb := c.onFuelData
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(liters, money)
	}
}

func (c *Controller) fireTransactionComplete(liters, money, price float64) {
	c.callbackMu.RLock()
	cb := c.onTransactionDone
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(liters, money, price)
	}
}

func (c *Controller) fireError(message string) {
	c.callbackMu.RLock()
	cb := c.onError
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(message)
	}
}

func (c *Controller) fireLog(message string, isSent bool) {
	c.callbackMu.RLock()
	cb := c.onLog
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(message, isSent)
	}
}

// SetTimingParams overrides the timing bundle used by subsequent
// polling iterations.
func (c *Controller) SetTimingParams(p TimingParams) {
	c.timingMu.Lock()
	defer c.timingMu.Unlock()
	c.timing = p
}

// GetTimingParams returns the timing bundle currently in effect.
func (c *Controller) GetTimingParams() TimingParams {
	c.timingMu.RLock()
	defer c.timingMu.RUnlock()
	return c.timing
}

func (c *Controller) retryTiming() retry.Timing {
	p := c.GetTimingParams()
	return retry.Timing{
		ResponseTimeout:  p.ResponseTimeout,
		InterByteTimeout: p.InterByteTimeout,
		MaxRetries:       p.MaxRetries,
		InterCommandGap:  p.InterCommandDelay,
		ForceBufferClear: p.ForceBufferClear,
	}
}

// parseDispenserAddr parses addrStr as a base-10 integer. A malformed
// string defaults to 1; range clamping happens in protocol.NewAddress.
func parseDispenserAddr(addrStr string) int {
	n, err := strconv.Atoi(addrStr)
	if err != nil {
		return 1
	}
	return n
}

// Connect opens the transport at 9600 baud, resets the FSM, and
// starts the polling worker. It is not safe to call concurrently with
// itself or with Disconnect.
func (c *Controller) Connect(port string, addrStr string) error {
	if c.running.Load() {
		return fmt.Errorf("controller already connected")
	}

	addr := protocol.NewAddress(parseDispenserAddr(addrStr))
	tr, err := c.openTransport(port, 9600)
	if err != nil {
		c.fireError(fmt.Sprintf("failed to open port %s: %v", port, err))
		return err
	}

	c.tr = tr
	c.codec = protocol.NewCodec(addr)
	c.retry = retry.New(tr, time.Sleep)
	c.fsm.Reset()
	c.resetObservables()

	c.stopCh = make(chan struct{})
	c.running.Store(true)

	c.wg.Add(1)
	go c.pollLoop()

	return nil
}

// Disconnect signals the polling worker, joins it, closes the
// transport, and zeroes the observable counters.
func (c *Controller) Disconnect() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	if c.tr != nil {
		c.tr.Close()
	}
	c.resetObservables()
}

func (c *Controller) resetObservables() {
	c.currentLitersBits.Store(0)
	c.currentMoneyBits.Store(0)
	c.totalCounterBits.Store(0)
	c.txDataReady.Store(false)
	c.noResponseCount.Store(0)
	c.crcErrorCount.Store(0)
}

// CurrentLiters returns the most recently observed volume, in litres,
// for the current transaction window.
func (c *Controller) CurrentLiters() float64 {
	return math.Float64frombits(c.currentLitersBits.Load())
}

// CurrentMoney returns the most recently observed money amount for
// the current transaction window.
func (c *Controller) CurrentMoney() float64 {
	return math.Float64frombits(c.currentMoneyBits.Load())
}

// TotalCounter returns the most recently observed lifetime total, in
// litres.
func (c *Controller) TotalCounter() float64 {
	return math.Float64frombits(c.totalCounterBits.Load())
}

// TransactionDataReady reports whether a complete transaction
// (TU response) has been captured since the last reset.
func (c *Controller) TransactionDataReady() bool {
	return c.txDataReady.Load()
}

// NoResponseCount returns the number of retry cycles that exhausted
// all attempts without recovering a frame, whether every attempt was
// silent or garbled.
func (c *Controller) NoResponseCount() int64 {
	return c.noResponseCount.Load()
}

// CRCErrorCount returns the number of individual garbled receptions
// observed across all retry cycles.
func (c *Controller) CRCErrorCount() int64 {
	return c.crcErrorCount.Load()
}

func (c *Controller) setCurrentLiters(v float64)  { c.currentLitersBits.Store(math.Float64bits(v)) }
func (c *Controller) setCurrentMoney(v float64)   { c.currentMoneyBits.Store(math.Float64bits(v)) }
func (c *Controller) setTotalCounter(v float64)   { c.totalCounterBits.Store(math.Float64bits(v)) }

func (c *Controller) enqueue(frame []byte, description string) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.pending = append(c.pending, pendingCommand{frame: frame, description: description})
}

// QueueStop enqueues a "B" stop request.
func (c *Controller) QueueStop() {
	c.enqueue(c.codec.BuildStop(), "stop")
}

// QueueVolumePreset enqueues a "V" volume preset for nozzle, in
// centilitres, at price.
func (c *Controller) QueueVolumePreset(nozzle, volumeCL, price int) {
	c.enqueue(c.codec.BuildVolumePreset(nozzle, volumeCL, price), "volume preset")
}

// QueueMoneyPreset enqueues an "M" money preset for nozzle.
func (c *Controller) QueueMoneyPreset(nozzle, money, price int) {
	c.enqueue(c.codec.BuildMoneyPreset(nozzle, money, price), "money preset")
}

// QueueEndTransaction enqueues an "N" end-of-transaction
// acknowledgement, for a UI-driven early close.
func (c *Controller) QueueEndTransaction() {
	c.enqueue(c.codec.BuildAcknowledgeEnd(), "end transaction")
}
