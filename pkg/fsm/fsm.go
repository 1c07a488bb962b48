// Package fsm tracks dispenser hardware state across a polling cycle
// and decides the next protocol action. It owns the one-shot
// TU/C0/NO latches that must fire exactly once per transaction.
package fsm

import (
	"sync"

	"github.com/gaskitlink/dispenser-controller/pkg/protocol"
)

// Action is the sum type of next-step instructions the FSM hands
// back to the orchestrator after observing a status response. Match
// exhaustively — a new Action must never be silently ignored.
type Action int

const (
	PollSR Action = iota
	PollSRLMRS
	SendTU
	SendC0
	SendNO
	IdlePollC0
)

func (a Action) String() string {
	switch a {
	case PollSR:
		return "PollSR"
	case PollSRLMRS:
		return "PollSR_LM_RS"
	case SendTU:
		return "SendTU"
	case SendC0:
		return "SendC0"
	case SendNO:
		return "SendNO"
	case IdlePollC0:
		return "IdlePollC0"
	default:
		return "Unknown"
	}
}

// idleC0Interval is how often, in consecutive idle status
// observations, an idle-throttle total-counter poll is emitted. It is
// a throttle, not a contract — tests should assert "roughly every
// Nth" rather than hardcode this constant.
const idleC0Interval = 20

// FSM holds the authoritative hardware state plus the one-shot
// latches for the current transaction window.
type FSM struct {
	mu sync.Mutex

	current HardwareState
	nozzle  int

	tuLatched bool
	c0Latched bool
	noLatched bool

	idlePollCounter int
}

// HardwareState mirrors protocol.HardwareState so callers of this
// package don't need to import protocol just to read Current().
type HardwareState = protocol.HardwareState

// New returns an FSM in its post-Reset state.
func New() *FSM {
	f := &FSM{}
	f.Reset()
	return f
}

// Reset returns the FSM to Idle with no nozzle, no latches, and a
// cleared idle counter. Used on controller connect.
func (f *FSM) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = protocol.Idle
	f.nozzle = 0
	f.tuLatched = false
	f.c0Latched = false
	f.noLatched = false
	f.idlePollCounter = 0
}

// Current returns the last observed hardware state and nozzle.
func (f *FSM) Current() (HardwareState, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.nozzle
}

// ProcessHardwareStatus folds a freshly parsed S response into the
// FSM and returns the Action the orchestrator should take next.
func (f *FSM) ProcessHardwareStatus(state protocol.HardwareState, nozzle int) Action {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.current
	f.current = state
	f.nozzle = nozzle

	switch {
	case prev == protocol.Stopped:
		// Deliberately no latch reset here: the TU/C0 sent for this
		// transaction already took effect and must not re-fire.
	case prev == protocol.EndOfTransaction && state == protocol.Idle:
		f.tuLatched = false
		f.c0Latched = false
		f.noLatched = false
	case prev == protocol.Idle && (state == protocol.Authorized || state == protocol.Calling):
		f.tuLatched = false
		f.c0Latched = false
		f.noLatched = false
		f.idlePollCounter = 0
	}

	return f.nextAction()
}

// nextAction must be called with mu held.
func (f *FSM) nextAction() Action {
	switch f.current {
	case protocol.Idle:
		f.idlePollCounter++
		if f.idlePollCounter >= idleC0Interval {
			f.idlePollCounter = 0
			return IdlePollC0
		}
		return PollSR
	case protocol.Calling, protocol.Authorized, protocol.Started:
		return PollSR
	case protocol.Fuelling, protocol.SuspendedFuelling, protocol.SuspendedStarted:
		return PollSRLMRS
	case protocol.Stopped:
		switch {
		case !f.tuLatched:
			return SendTU
		case !f.c0Latched:
			return SendC0
		default:
			return PollSR
		}
	case protocol.EndOfTransaction:
		if !f.noLatched {
			return SendNO
		}
		return PollSR
	default: // protocol.Error and anything unrecognised
		return PollSR
	}
}

// MarkTUSent latches the transaction-totals request as sent. Called
// by the orchestrator before issuing the I/O so a failed send is not
// retried automatically.
func (f *FSM) MarkTUSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tuLatched = true
}

// MarkC0Sent latches the total-counter request as sent for this
// transaction's Stopped phase.
func (f *FSM) MarkC0Sent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c0Latched = true
}

// MarkNOSent latches the end-of-transaction acknowledgement as sent.
func (f *FSM) MarkNOSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noLatched = true
}

// MarkIdleC0Sent resets the idle poll counter after an idle-throttle
// total-counter request has been issued.
func (f *FSM) MarkIdleC0Sent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idlePollCounter = 0
}
