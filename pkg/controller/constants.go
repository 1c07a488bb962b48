package controller

import "time"

// TimingParams bundles every tunable delay and retry knob the
// controller and its retry engine use. Callers override via
// SetTimingParams.
type TimingParams struct {
	ResponseTimeout   time.Duration
	InterByteTimeout  time.Duration
	MaxRetries        int
	InterCommandDelay time.Duration
	IdlePollDelay     time.Duration
	LinkLostPollDelay time.Duration
	PostEndDelay      time.Duration
	ErrorThreshold    int
	ForceBufferClear  bool
}

// DefaultTimingParams returns the default timing bundle.
func DefaultTimingParams() TimingParams {
	return TimingParams{
		ResponseTimeout:   80 * time.Millisecond,
		InterByteTimeout:  20 * time.Millisecond,
		MaxRetries:        3,
		InterCommandDelay: 10 * time.Millisecond,
		IdlePollDelay:     450 * time.Millisecond,
		LinkLostPollDelay: 350 * time.Millisecond,
		PostEndDelay:      800 * time.Millisecond,
		ErrorThreshold:    6,
		ForceBufferClear:  false,
	}
}

// Defaults exposed to the UI: default price, fuel label, nozzle, and
// slave address.
const (
	DefaultPrice      = 2233.0
	DefaultFuelLabel  = "AI-95"
	DefaultNozzle     = 1
	DefaultAddrHi     = 0x00
	DefaultAddrLo     = 0x01
)
