package obd

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// DemoOpener simulates an STN11xx dongle attached to a car whose battery
// slowly drains and recharges. Every few queries the car is "asleep" and
// answers NO DATA.
type DemoOpener struct {
	mu      sync.Mutex
	t       float64 // virtual time accumulator
	queries int
}

func NewDemoOpener() *DemoOpener { return &DemoOpener{} }

func (d *DemoOpener) Name() string { return "Demo (Simulated)" }

func (d *DemoOpener) Open(ctx context.Context, ev Events) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &demoChannel{opener: d, ev: ev}, nil
}

// nextSOC advances the virtual clock and returns the raw SOC byte, or false
// when the car should look asleep.
func (d *DemoOpener) nextSOC() (byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	d.t += 0.05
	if d.queries%7 == 0 {
		return 0, false
	}
	soc := 55 + 35*math.Sin(d.t) + rand.Float64()
	return byte(soc * 2), true
}

type demoChannel struct {
	opener *DemoOpener
	ev     Events

	mu     sync.Mutex
	closed bool
}

func (c *demoChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrChannelClosed
	}

	cmd := strings.TrimSpace(string(p))
	resp := c.respond(cmd)
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.ev.OnFrame(resp)
		}
	}()
	return len(p), nil
}

func (c *demoChannel) respond(cmd string) string {
	switch {
	case cmd == "STI":
		return "STN1155 v5.6.19"
	case cmd == "STMFR":
		return "OBD Solutions LLC"
	case strings.HasPrefix(cmd, "AT"):
		return "OK"
	case cmd == DefaultSOCCommand:
		raw, awake := c.opener.nextSOC()
		if !awake {
			return "NO DATA"
		}
		return strings.Join([]string{
			"7EC 10 3D 61 01 FF FF FF FF",
			"7EC 21 BC 26 48 26 48 A3 00",
			"7EC 22 1E 0F 0E 0E 0E 0E 0E",
			"7EC 23 0E 00 0E 00 29 B8 31",
			fmt.Sprintf("7EC 24 03 E8 02 03 E8 01 %02X", raw),
		}, "\r")
	default:
		return "?"
	}
}

func (c *demoChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// DemoProber reports the simulated dongle as always in range.
type DemoProber struct{}

func (DemoProber) Probe(ctx context.Context, peer string) error { return ctx.Err() }

func (DemoProber) SignalStrength(ctx context.Context, peer string) (int, error) {
	return -2 - rand.Intn(6), nil
}
