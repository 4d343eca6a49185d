package streaming

import "time"

// startIdleRatio relates the start timeout to the idle timeout when only one is set.
const startIdleRatio = 6

// Timeouts is the effective auto-close policy of a stream reader.
// Zero values mean the reader never closes on its own.
type Timeouts struct {
	Start time.Duration
	Idle  time.Duration
}

// EffectiveTimeouts derives the missing timeout from the configured one.
func EffectiveTimeouts(start, idle time.Duration) Timeouts {
	switch {
	case start <= 0 && idle <= 0:
		return Timeouts{}
	case start <= 0:
		return Timeouts{Start: idle * startIdleRatio, Idle: idle}
	case idle <= 0:
		return Timeouts{Start: start, Idle: start / startIdleRatio}
	}
	return Timeouts{Start: start, Idle: idle}
}

// Enabled reports whether the policy can ever close a stream.
func (t Timeouts) Enabled() bool {
	return t.Start > 0 || t.Idle > 0
}

// Expired reports whether a stream idle for the given time should be closed.
// started is true once at least one byte has been read.
func (t Timeouts) Expired(idle time.Duration, started bool) bool {
	if !t.Enabled() {
		return false
	}
	if started {
		return idle > t.Idle
	}
	return idle > t.Start
}

// InterruptPolicy decides what happens to the session state when the drain loop
// observes a cooperative interruption.
type InterruptPolicy int

const (
	// InterruptKeepState exits the drain loop and leaves the state untouched.
	InterruptKeepState InterruptPolicy = iota
	// InterruptDisconnect moves the session to DISCONNECTED so the next drive reconnects.
	InterruptDisconnect
	// InterruptClose moves the session straight to CLOSED.
	InterruptClose
)

func (p InterruptPolicy) String() string {
	switch p {
	case InterruptKeepState:
		return "keep"
	case InterruptDisconnect:
		return "disconnect"
	case InterruptClose:
		return "close"
	}
	return "unknown"
}
