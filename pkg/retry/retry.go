// Package retry drives the transport and protocol layers together
// with bounded retries, fixed backoff, and resync-on-corruption, and
// reports the two-axis line-health counters the orchestrator
// publishes to the UI.
package retry

import (
	"time"

	"github.com/gaskitlink/dispenser-controller/pkg/protocol"
)

// retryBackoff is the fixed sleep between attempts after an empty or
// unrecoverable (garbled) read, before the next retry is issued.
const retryBackoff = 150 * time.Millisecond

// Timing bundles the knobs the engine needs for one exchange. It is
// a subset of the controller's full TimingParams so this package does
// not depend on the controller package.
type Timing struct {
	ResponseTimeout  time.Duration
	InterByteTimeout time.Duration
	MaxRetries       int
	InterCommandGap  time.Duration
	ForceBufferClear bool
}

// Port is the transport operation the retry engine needs.
type Port interface {
	SendAndReceive(cmd []byte, totalTimeout, interByteTimeout time.Duration, forceClear bool) []byte
}

// Result reports what one retry-guarded exchange produced along with
// the counter deltas the caller should apply exactly once.
type Result struct {
	Frame            []byte
	CRCErrorBumps    int
	NoResponseBumped bool
	// Oversized reports that at least one received buffer this call
	// exceeded MaxFrameSize; the caller should log a warning. It never
	// prevents the resync fallback from recovering a frame out of the
	// same buffer.
	Oversized bool
}

// Sleeper abstracts time.Sleep so tests can run without real delays.
type Sleeper func(time.Duration)

// Engine repeats a send/receive exchange against Port until a frame
// is recovered or retries are exhausted.
type Engine struct {
	port  Port
	sleep Sleeper
}

// New returns an Engine bound to port. If sleep is nil, time.Sleep is
// used.
func New(port Port, sleep Sleeper) *Engine {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Engine{port: port, sleep: sleep}
}

// expectedLetterFor maps a request's leading byte to the response
// letter it elicits; anything unrecognised falls back to 'S'.
func expectedLetterFor(requestLetter byte) byte {
	switch requestLetter {
	case 'S', 'L', 'R', 'T', 'C':
		return requestLetter
	default:
		return 'S'
	}
}

// Send writes sentFrame (whose payload's first byte selects the
// expected response letter) and returns the first frame recovered,
// directly or via resync, within timing.MaxRetries attempts.
// shutdown, if closed, aborts immediately without bumping
// no-response (a cancelled exchange is not a line fault).
func (e *Engine) Send(sentFrame []byte, timing Timing, shutdown <-chan struct{}) Result {
	expected := expectedLetterFor(sentFrame[3])
	maxRetries := timing.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	result := Result{}
	gotFrame := false

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-shutdown:
			return Result{}
		default:
		}

		raw := e.port.SendAndReceive(sentFrame, timing.ResponseTimeout, timing.InterByteTimeout, timing.ForceBufferClear)

		if len(raw) == 0 {
			if attempt < maxRetries-1 {
				e.sleep(retryBackoff)
			}
			continue
		}

		// A buffer longer than MaxFrameSize may still hold a coalesced
		// frame resync can split out, so it is not dropped outright,
		// but it can never be accepted directly: ValidateCRC bounds
		// its own input to MaxFrameSize, and direct acceptance also
		// requires length <= MaxFrameSize on its own.
		if len(raw) > protocol.MaxFrameSize {
			result.Oversized = true
		}
		if len(raw) <= protocol.MaxFrameSize && protocol.ValidateCRC(raw) {
			result.Frame = raw
			gotFrame = true
			break
		}

		if recovered, ok := protocol.Recover(raw, sentFrame, expected); ok {
			result.Frame = recovered
			result.CRCErrorBumps++
			gotFrame = true
			break
		}

		result.CRCErrorBumps++
		if attempt < maxRetries-1 {
			e.sleep(retryBackoff)
		}
	}

	if gotFrame {
		e.sleep(timing.InterCommandGap)
		return result
	}

	result.NoResponseBumped = true
	return result
}
