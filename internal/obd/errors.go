package obd

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChannel is returned when a command is executed without an open channel.
	ErrNoChannel = errors.New("obd: no channel")
	// ErrTimedOut resolves a command that got no frame within its timeout.
	ErrTimedOut = errors.New("timed out")
	// ErrChannelClosed resolves a command whose channel closed underneath it.
	ErrChannelClosed = errors.New("port was closed")
	// ErrOutOfRange is reported when the reachability probe ran out of time,
	// which in practice means the dongle (and the car) is out of range.
	ErrOutOfRange = errors.New("obd: peer out of range")
)

// UnreachableError is returned by a Prober that ran to completion and found
// the peer not responding.
type UnreachableError struct {
	Peer   string
	Reason string
}

func (e *UnreachableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("obd: %s unreachable", e.Peer)
	}
	return fmt.Sprintf("obd: %s unreachable: %s", e.Peer, e.Reason)
}

// ChannelError wraps an asynchronous error reported by the channel.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("port received an error: %v", e.Err) }

func (e *ChannelError) Unwrap() error { return e.Err }
