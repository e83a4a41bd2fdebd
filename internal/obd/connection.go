package obd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shaunagostinho/obdsoc/internal/metrics"
)

// DefaultProbeTimeout bounds the reachability probe.
const DefaultProbeTimeout = 800 * time.Millisecond

// Observer is notified about events that happen outside of a command
// exchange. Observers are called synchronously from the channel's goroutine
// and in no guaranteed order; they must not block or call back into the
// Connection's Connect/Disconnect.
type Observer interface {
	// OnConnectionClosed is called after the channel was closed by the far side.
	OnConnectionClosed()
	// OnConnectionError is called after the channel failed.
	OnConnectionError(err error)
	// OnUnsolicitedData is called for a frame that no command was waiting for.
	OnUnsolicitedData(frame string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Closed      func()
	Error       func(err error)
	Unsolicited func(frame string)
}

func (o ObserverFuncs) OnConnectionClosed() {
	if o.Closed != nil {
		o.Closed()
	}
}

func (o ObserverFuncs) OnConnectionError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnUnsolicitedData(frame string) {
	if o.Unsolicited != nil {
		o.Unsolicited(frame)
	}
}

// ConnectionConfig holds the settings of a Connection.
type ConnectionConfig struct {
	// Peer is the Bluetooth MAC of the dongle, passed to the Prober.
	Peer string
	// ProbeTimeout bounds Probe and SignalStrength calls.
	ProbeTimeout time.Duration
}

// Connection runs strictly sequential command exchanges over one channel.
//
// At most one Command is in flight. Frames are routed to it; frames that
// arrive while nothing is in flight are reported to observers as unsolicited
// data. A channel close or error fails the in-flight command before the
// observers hear about it, so Execute never waits longer than the command's
// timeout.
type Connection struct {
	opener       Opener
	prober       Prober
	peer         string
	probeTimeout time.Duration

	// execMu serializes Execute callers.
	execMu sync.Mutex

	mu       sync.Mutex
	channel  Channel
	session  *session // event binding of the current channel, nil when unregistered
	inFlight *Command

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int
}

// NewConnection creates a disconnected Connection. prober may be nil, in
// which case Connect goes straight to the channel.
func NewConnection(cfg ConnectionConfig, opener Opener, prober Prober) *Connection {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Connection{
		opener:       opener,
		prober:       prober,
		peer:         cfg.Peer,
		probeTimeout: cfg.ProbeTimeout,
		observers:    make(map[int]Observer),
	}
}

// session ties channel events to one Open call. Events from a session that
// is no longer current are ignored, which is how Disconnect unregisters.
type session struct {
	c *Connection
}

func (s *session) OnFrame(frame string) { s.c.handleFrame(s, frame) }
func (s *session) OnClose()             { s.c.handleTeardown(s, nil) }
func (s *session) OnError(err error)    { s.c.handleTeardown(s, err) }

// Connect probes the peer and opens the channel. It is a no-op when a
// channel is already open.
func (c *Connection) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	if c.prober != nil {
		pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		err := c.prober.Probe(pctx, c.peer)
		cancel()
		if err != nil {
			log.Printf("[obd] probe of %s failed: %v", c.peer, err)
			return err
		}
	}

	s := &session{c: c}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	ch, err := c.opener.Open(ctx, s)
	if err != nil {
		c.mu.Lock()
		if c.session == s {
			c.session = nil
		}
		c.mu.Unlock()
		log.Printf("[obd] error opening %s: %v", c.opener.Name(), err)
		return fmt.Errorf("open %s: %w", c.opener.Name(), err)
	}

	c.mu.Lock()
	if c.session != s {
		// Closed or errored while opening.
		c.mu.Unlock()
		ch.Close()
		return ErrChannelClosed
	}
	c.channel = ch
	c.mu.Unlock()

	metrics.SetConnected(true)
	log.Printf("[obd] connected via %s", c.opener.Name())
	return nil
}

// IsConnected reports whether a channel is open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil
}

// Disconnect unregisters from the channel and closes it. A command that is
// still in flight is dropped without being resolved; it runs into its own
// timeout.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.session = nil
	c.inFlight = nil
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Printf("[obd] close failed: %v", err)
		}
		metrics.SetConnected(false)
		log.Printf("[obd] disconnected")
	}
}

// Subscribe registers an observer and returns the function that removes it.
func (c *Connection) Subscribe(o Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = o
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Execute writes one command and waits for its outcome: the next frame, the
// command timeout, a channel close/error, or ctx cancellation, whichever
// comes first. It returns nil if a frame resolved the command.
func (c *Connection) Execute(ctx context.Context, cmd *Command) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	ch := c.channel
	if ch == nil {
		c.mu.Unlock()
		cmd.ResolveFailure(ErrNoChannel)
		metrics.RecordCommand("no_channel")
		return ErrNoChannel
	}
	c.inFlight = cmd
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.inFlight == cmd {
			c.inFlight = nil
		}
		c.mu.Unlock()
	}()

	log.Printf("[obd] sending: %s", cmd.Text)
	if _, err := io.WriteString(ch, cmd.Text+Terminator); err != nil {
		cmd.ResolveFailure(fmt.Errorf("write %q: %w", cmd.Text, err))
	}

	timer := time.NewTimer(cmd.Timeout)
	defer timer.Stop()

	select {
	case <-cmd.Done():
	case <-timer.C:
		cmd.ResolveFailure(ErrTimedOut)
	case <-ctx.Done():
		cmd.ResolveFailure(ctx.Err())
	}

	if err := cmd.Err(); err != nil {
		log.Printf("[obd] %s failed: %v", cmd.Text, err)
		metrics.RecordCommand(commandResult(err))
		return err
	}
	log.Printf("[obd] received: %q", cmd.Response())
	metrics.RecordCommand("ok")
	return nil
}

// ExecuteAll runs the commands in order and stops at the first failure.
func (c *Connection) ExecuteAll(ctx context.Context, cmds ...*Command) error {
	for _, cmd := range cmds {
		if err := c.Execute(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd.Text, err)
		}
	}
	return nil
}

// SignalStrength returns the RSSI of the peer. ok is false on any failure.
func (c *Connection) SignalStrength(ctx context.Context) (rssi int, ok bool) {
	if c.prober == nil {
		return 0, false
	}
	pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	v, err := c.prober.SignalStrength(pctx, c.peer)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *Connection) handleFrame(s *session, frame string) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	cmd := c.inFlight
	c.mu.Unlock()

	if cmd != nil && cmd.ResolveSuccess(frame) {
		return
	}

	log.Printf("[obd] received data without processing a command: %q", frame)
	metrics.RecordUnsolicited()
	for _, o := range c.snapshotObservers() {
		o.OnUnsolicitedData(frame)
	}
}

// handleTeardown processes a close (err == nil) or error event.
func (c *Connection) handleTeardown(s *session, err error) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	ch := c.channel
	cmd := c.inFlight
	c.channel = nil
	c.session = nil
	c.inFlight = nil
	c.mu.Unlock()

	var reason error = ErrChannelClosed
	if err != nil {
		reason = &ChannelError{Err: err}
		log.Printf("[obd] %v", reason)
	} else {
		log.Printf("[obd] port was closed")
	}
	if ch != nil {
		ch.Close()
	}
	metrics.SetConnected(false)

	if cmd != nil {
		cmd.ResolveFailure(reason)
	}

	for _, o := range c.snapshotObservers() {
		if err != nil {
			o.OnConnectionError(err)
		} else {
			o.OnConnectionClosed()
		}
	}
}

func (c *Connection) snapshotObservers() []Observer {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.observers[id])
	}
	return out
}

func commandResult(err error) string {
	switch {
	case errors.Is(err, ErrTimedOut):
		return "timeout"
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	default:
		return "error"
	}
}
