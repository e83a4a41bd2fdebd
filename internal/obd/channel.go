package obd

import (
	"context"
	"io"
)

// Terminator ends every outbound command. The dongle runs with ATL0, so a
// bare carriage return is all it expects.
const Terminator = "\r"

// Prompt is the sentinel the dongle prints when it is ready for the next
// command. Everything between two prompts is one response frame.
const Prompt = '>'

// Channel is an open, half-duplex link to the dongle.
type Channel interface {
	io.Writer
	// Close releases the link. Closing a channel from the owning side does
	// not produce an OnClose event.
	Close() error
}

// Events receives everything an open Channel reports. Calls may arrive from
// any goroutine, but a single Channel never calls concurrently.
type Events interface {
	// OnFrame is called with each trimmed, non-blank frame.
	OnFrame(frame string)
	// OnClose is called when the far side closed the link.
	OnClose()
	// OnError is called when the link failed. No further events follow.
	OnError(err error)
}

// Opener acquires the physical transport. Serial and demo implementations
// live in this package.
type Opener interface {
	// Name returns the human-readable name of this transport.
	Name() string
	// Open opens the link and starts delivering events to ev.
	Open(ctx context.Context, ev Events) (Channel, error)
}

// Prober checks whether the Bluetooth peer is answering before the serial
// device is touched. Implementations must honour ctx deadlines.
type Prober interface {
	// Probe returns nil if the peer is reachable, ErrOutOfRange if the probe
	// timed out, an *UnreachableError if the peer did not answer, or any
	// other error if the probe itself could not run.
	Probe(ctx context.Context, peer string) error
	// SignalStrength returns the current RSSI of the peer.
	SignalStrength(ctx context.Context, peer string) (int, error)
}
