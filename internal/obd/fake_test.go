package obd

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// fakeOpener hands out fakeChannels. respond, when set, is called for every
// written command and its non-empty result is delivered as a frame.
type fakeOpener struct {
	mu      sync.Mutex
	openErr error
	opens   int
	respond func(cmd string) string
	last    *fakeChannel
}

func (o *fakeOpener) Name() string { return "fake" }

func (o *fakeOpener) Open(ctx context.Context, ev Events) (Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.openErr != nil {
		return nil, o.openErr
	}
	ch := &fakeChannel{ev: ev, respond: o.respond}
	o.last = ch
	return ch, nil
}

func (o *fakeOpener) channel() *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

type fakeChannel struct {
	ev      Events
	respond func(cmd string) string

	mu      sync.Mutex
	written []string
	closed  bool
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("closed")
	}
	cmd := string(p)
	c.written = append(c.written, cmd)
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		if resp := respond(strings.TrimSuffix(cmd, Terminator)); resp != "" {
			go c.ev.OnFrame(resp)
		}
	}
	return len(p), nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeProber struct {
	err  error
	rssi int
}

func (p fakeProber) Probe(ctx context.Context, peer string) error { return p.err }

func (p fakeProber) SignalStrength(ctx context.Context, peer string) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.rssi, nil
}
