package poller

import "time"

// State is the connection/read state of the poller.
type State int

const (
	StateDisconnected State = iota
	StateConnectedUninitialized
	StateConnectedInitialized
	StateConnectedReadOK
	StateConnectedReadFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectedUninitialized:
		return "connected_uninitialized"
	case StateConnectedInitialized:
		return "connected_initialized"
	case StateConnectedReadOK:
		return "connected_read_ok"
	case StateConnectedReadFailed:
		return "connected_read_failed"
	default:
		return "unknown"
	}
}

// Connected reports whether s is one of the connected states.
func (s State) Connected() bool { return s != StateDisconnected }

// Config holds the timing and protocol parameters of the poller.
type Config struct {
	// SuccessInterval is the steady-state delay after a successful read.
	SuccessInterval time.Duration
	// FastRetry is used while disconnected and for the first failed reads.
	FastRetry time.Duration
	// SlowRetry is used once FailureThreshold consecutive reads failed:
	// the car is there but asleep.
	SlowRetry time.Duration
	// ErrorDelay follows a cycle that failed unexpectedly.
	ErrorDelay time.Duration
	// FailureThreshold is the number of failed reads after which SlowRetry applies.
	FailureThreshold int
	// ResetSettle is the pause between a reset and the fresh cycle.
	ResetSettle time.Duration

	// CommandTimeout applies to each init command.
	CommandTimeout time.Duration
	SOCCommand     string
	SOCHeader      string
	SOCTimeout     time.Duration
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		SuccessInterval:  60 * time.Second,
		FastRetry:        5 * time.Second,
		SlowRetry:        15 * time.Minute,
		ErrorDelay:       30 * time.Second,
		FailureThreshold: 10,
		ResetSettle:      time.Second,
		CommandTimeout:   time.Second,
		SOCCommand:       "2101",
		SOCHeader:        "7EC 24",
		SOCTimeout:       5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SuccessInterval <= 0 {
		c.SuccessInterval = d.SuccessInterval
	}
	if c.FastRetry <= 0 {
		c.FastRetry = d.FastRetry
	}
	if c.SlowRetry <= 0 {
		c.SlowRetry = d.SlowRetry
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = d.ErrorDelay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetSettle < 0 {
		c.ResetSettle = 0
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.SOCCommand == "" {
		c.SOCCommand = d.SOCCommand
	}
	if c.SOCHeader == "" {
		c.SOCHeader = d.SOCHeader
	}
	if c.SOCTimeout <= 0 {
		c.SOCTimeout = d.SOCTimeout
	}
	return c
}

// NextDelay picks the wait before the next cycle from the state a cycle
// ended in.
func (c Config) NextDelay(s State, errorCounter int) time.Duration {
	switch s {
	case StateConnectedReadOK:
		return c.SuccessInterval
	case StateConnectedReadFailed:
		if errorCounter < c.FailureThreshold {
			return c.FastRetry
		}
		return c.SlowRetry
	case StateDisconnected:
		return c.FastRetry
	default:
		return c.FastRetry
	}
}
