package obd

import (
	"strings"
	"sync"
	"time"
)

// DefaultCommandTimeout is used when a command is created without a timeout.
const DefaultCommandTimeout = 1000 * time.Millisecond

// outcomeState is the tag of a command outcome.
type outcomeState int

const (
	outcomePending outcomeState = iota
	outcomeSucceeded
	outcomeFailed
)

// Command is a single request to the dongle together with its write-once
// outcome. A Command is created right before submission and never reused.
//
// The outcome may be resolved from several goroutines at once (frame reader,
// timeout, channel close). The first resolution wins; later calls are no-ops.
type Command struct {
	Text    string
	Timeout time.Duration

	mu       sync.Mutex
	state    outcomeState
	response string
	reason   error
	done     chan struct{}
}

// NewCommand creates a pending command. A non-positive timeout selects
// DefaultCommandTimeout.
func NewCommand(text string, timeout time.Duration) *Command {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Command{
		Text:    text,
		Timeout: timeout,
		done:    make(chan struct{}),
	}
}

// ResolveSuccess stores the response. Returns false if the command was
// already resolved.
func (c *Command) ResolveSuccess(response string) bool {
	return c.resolve(outcomeSucceeded, response, nil)
}

// ResolveFailure stores the failure reason. Returns false if the command was
// already resolved.
func (c *Command) ResolveFailure(reason error) bool {
	return c.resolve(outcomeFailed, "", reason)
}

func (c *Command) resolve(state outcomeState, response string, reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != outcomePending {
		return false
	}
	c.state = state
	c.response = response
	c.reason = reason
	close(c.done)
	return true
}

// Done is closed once the command has an outcome.
func (c *Command) Done() <-chan struct{} { return c.done }

// Pending reports whether the command still awaits an outcome.
func (c *Command) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == outcomePending
}

// HasSucceeded is true only for a successful outcome with a non-blank response.
func (c *Command) HasSucceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == outcomeSucceeded && strings.TrimSpace(c.response) != ""
}

// Response returns the stored response, empty unless the command succeeded.
func (c *Command) Response() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Err returns the failure reason, nil unless the command failed.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Reason renders the failure reason as text.
func (c *Command) Reason() string {
	if err := c.Err(); err != nil {
		return err.Error()
	}
	return ""
}

func (c *Command) String() string { return c.Text }
