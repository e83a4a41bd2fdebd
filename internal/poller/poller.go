package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/obdsoc/internal/metrics"
	"github.com/shaunagostinho/obdsoc/internal/obd"
)

// Link is the part of obd.Connection the poller drives.
type Link interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Disconnect()
	Execute(ctx context.Context, cmd *obd.Command) error
	ExecuteAll(ctx context.Context, cmds ...*obd.Command) error
}

// SOCStore holds the last known state of charge.
type SOCStore interface {
	SetSOC(soc float64) error
	SOC() (soc float64, lastChanged time.Time, ok bool)
}

// ErrNoSOC means the car answered but no line carried the SOC header,
// which is what a sleeping car does.
var ErrNoSOC = errors.New("poller: no soc in response")

// Outcome describes one call to RunCycle.
type Outcome struct {
	// Skipped is set when another cycle was already running.
	Skipped bool
	// Aborted is set when a reset or shutdown interrupted the cycle; its
	// result was discarded.
	Aborted bool
	// Fault is set when the cycle failed unexpectedly and fell back to the
	// error delay.
	Fault bool

	State        State
	ErrorCounter int
	SOC          float64
	SOCFound     bool
	Delay        time.Duration
	Err          error
	At           time.Time
}

// Observer is told about every cycle that completed and was committed.
type Observer interface {
	CycleCompleted(out Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(out Outcome)

func (f ObserverFunc) CycleCompleted(out Outcome) { f(out) }

// Status is a point-in-time view of the poller for the front end.
type Status struct {
	State        string     `json:"state"`
	ErrorCounter int        `json:"errorCounter"`
	Connected    bool       `json:"connected"`
	Running      bool       `json:"running"`
	LastError    string     `json:"lastError,omitempty"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
}

// Poller is the connect → initialize → query → back off loop.
//
// Only one cycle runs at a time: RunCycle returns immediately with Skipped
// set when another cycle holds the guard. Every committed cycle schedules
// exactly one future cycle once Start has been called.
type Poller struct {
	cfg     Config
	link    Link
	store   SOCStore
	decoder obd.SOCDecoder

	// running is the reentrancy guard.
	running atomic.Bool

	mu           sync.Mutex
	state        State
	errorCounter int
	lastErr      error
	lastRun      time.Time
	nextRun      time.Time
	generation   uint64
	timer        *time.Timer
	cancelCycle  context.CancelFunc
	rootCtx      context.Context
	started      bool

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a stopped poller in the disconnected state.
func New(cfg Config, link Link, store SOCStore) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		cfg:     cfg,
		link:    link,
		store:   store,
		decoder: obd.SOCDecoder{Header: cfg.SOCHeader},
		rootCtx: context.Background(),
	}
}

// AddObserver registers o for cycle notifications.
func (p *Poller) AddObserver(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

// Start kicks off the first cycle. Scheduling stops when ctx is done.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	p.rootCtx = ctx
	p.started = true
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.stop()
	}()
	go p.tick()
	log.Printf("[poller] started")
}

func (p *Poller) stop() {
	p.mu.Lock()
	p.started = false
	p.generation++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancelCycle != nil {
		p.cancelCycle()
	}
	p.mu.Unlock()
	p.link.Disconnect()
	p.running.Store(false)
	log.Printf("[poller] stopped")
}

func (p *Poller) tick() {
	p.mu.Lock()
	ctx := p.rootCtx
	p.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	p.RunCycle(ctx)
}

// RunNow runs a cycle on behalf of a caller outside the schedule, for
// example an HTTP request. It obeys the same guard as scheduled cycles.
func (p *Poller) RunNow() Outcome {
	p.mu.Lock()
	ctx := p.rootCtx
	p.mu.Unlock()
	return p.RunCycle(ctx)
}

// RunCycle runs one polling cycle and, once started, schedules the next one.
func (p *Poller) RunCycle(ctx context.Context) Outcome {
	if !p.running.CompareAndSwap(false, true) {
		log.Printf("[poller] cycle already running, skipping")
		metrics.RecordCycle("skipped", p.ErrorCounter(), p.link.IsConnected())
		return Outcome{Skipped: true, At: time.Now()}
	}

	cctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	gen := p.generation
	prev := p.state
	counter := p.errorCounter
	p.cancelCycle = cancel
	p.mu.Unlock()

	out := p.cycle(cctx, gen, prev, counter)
	out.At = time.Now()
	cancel()

	p.mu.Lock()
	if p.generation != gen {
		// A reset or stop took over; it already released the guard.
		p.mu.Unlock()
		log.Printf("[poller] cycle aborted: %v", out.Err)
		out.Aborted = true
		return out
	}
	p.state = out.State
	p.errorCounter = out.ErrorCounter
	p.lastErr = out.Err
	p.lastRun = out.At
	p.cancelCycle = nil
	p.scheduleLocked(out.Delay)
	p.mu.Unlock()
	p.running.Store(false)

	result := out.State.String()
	if out.Fault {
		result = "error"
	}
	metrics.RecordCycle(result, out.ErrorCounter, out.State.Connected())
	if out.SOCFound {
		metrics.SetSOC(out.SOC)
	}
	log.Printf("[poller] cycle done: state=%s errors=%d next in %v", out.State, out.ErrorCounter, out.Delay)

	p.obsMu.RLock()
	observers := append([]Observer(nil), p.observers...)
	p.obsMu.RUnlock()
	for _, o := range observers {
		o.CycleCompleted(out)
	}
	return out
}

// scheduleLocked replaces any pending cycle with one after d. Caller holds p.mu.
func (p *Poller) scheduleLocked(d time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if !p.started {
		p.nextRun = time.Time{}
		return
	}
	p.nextRun = time.Now().Add(d)
	p.timer = time.AfterFunc(d, p.tick)
}

// cycle does the work of one RunCycle. A panic is recovered here and turns
// into the error delay with the state left as it was.
func (p *Poller) cycle(ctx context.Context, gen uint64, prev State, counter int) (out Outcome) {
	startCounter := counter
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("poller: cycle panicked: %v", r)
			log.Printf("[poller] %v\n%s", err, debug.Stack())
			out = p.failed(prev, startCounter, err)
		}
	}()

	if prev.Connected() && !p.link.IsConnected() {
		log.Printf("[poller] connection lost")
		p.progress(gen, StateDisconnected)
	}

	if !p.link.IsConnected() {
		if err := p.link.Connect(ctx); err != nil {
			if errors.Is(err, obd.ErrOutOfRange) {
				log.Printf("[poller] dongle out of range")
			} else {
				log.Printf("[poller] connect failed: %v", err)
			}
			return p.outcome(StateDisconnected, counter, err)
		}
		counter = 0
		p.progress(gen, StateConnectedUninitialized)
		if err := p.initialize(ctx); err != nil {
			log.Printf("[poller] init failed: %v", err)
			if ctx.Err() == nil {
				p.link.Disconnect()
			}
			return p.outcome(StateDisconnected, counter, err)
		}
		p.progress(gen, StateConnectedInitialized)
	}

	cmd := obd.NewCommand(p.cfg.SOCCommand, p.cfg.SOCTimeout)
	err := p.link.Execute(ctx, cmd)
	if err == nil {
		soc, found := p.decoder.Decode(cmd.Response())
		if found {
			if err := p.store.SetSOC(soc); err != nil {
				return p.failed(prev, startCounter, fmt.Errorf("store soc: %w", err))
			}
			log.Printf("[poller] soc=%.1f%%", soc)
			out := p.outcome(StateConnectedReadOK, 0, nil)
			out.SOC = soc
			out.SOCFound = true
			return out
		}
		err = ErrNoSOC
	}

	if !p.link.IsConnected() {
		return p.outcome(StateDisconnected, counter, err)
	}
	counter++
	log.Printf("[poller] soc read failed (%d in a row): %v", counter, err)
	return p.outcome(StateConnectedReadFailed, counter, err)
}

// progress publishes an intermediate state while the cycle is still running.
func (p *Poller) progress(gen uint64, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation == gen {
		p.state = s
	}
}

func (p *Poller) initialize(ctx context.Context) error {
	cmds := obd.InitCommands(p.cfg.CommandTimeout)
	if err := p.link.ExecuteAll(ctx, cmds...); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	for _, c := range cmds {
		if !c.HasSucceeded() {
			return fmt.Errorf("init: %s: empty response", c.Text)
		}
	}
	return nil
}

func (p *Poller) outcome(s State, counter int, err error) Outcome {
	return Outcome{
		State:        s,
		ErrorCounter: counter,
		Delay:        p.cfg.NextDelay(s, counter),
		Err:          err,
	}
}

func (p *Poller) failed(prev State, counter int, err error) Outcome {
	return Outcome{
		State:        prev,
		ErrorCounter: counter,
		Delay:        p.cfg.ErrorDelay,
		Err:          err,
		Fault:        true,
	}
}

// ResetAll drops the connection and all retry state, then starts over
// after the settle delay.
func (p *Poller) ResetAll() {
	p.mu.Lock()
	p.generation++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancelCycle != nil {
		p.cancelCycle()
		p.cancelCycle = nil
	}
	p.state = StateDisconnected
	p.errorCounter = 0
	p.lastErr = nil
	p.mu.Unlock()

	p.link.Disconnect()
	p.running.Store(false)
	log.Printf("[poller] reset")

	p.mu.Lock()
	p.scheduleLocked(p.cfg.ResetSettle)
	p.mu.Unlock()
}

// NeedsRequery is true when no SOC is stored or the stored one is older
// than the steady-state interval.
func (p *Poller) NeedsRequery(now time.Time) bool {
	_, at, ok := p.store.SOC()
	return !ok || now.Sub(at) >= p.cfg.SuccessInterval
}

// IsConnected reports whether the link has an open channel.
func (p *Poller) IsConnected() bool { return p.link.IsConnected() }

// LastStoredSOC returns the value held by the store.
func (p *Poller) LastStoredSOC() (soc float64, lastChanged time.Time, ok bool) {
	return p.store.SOC()
}

// State returns the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ErrorCounter returns the number of consecutive failed reads.
func (p *Poller) ErrorCounter() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorCounter
}

// Status returns a snapshot for the front end.
func (p *Poller) Status() Status {
	p.mu.Lock()
	st := Status{
		State:        p.state.String(),
		ErrorCounter: p.errorCounter,
		Running:      p.running.Load(),
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	if !p.lastRun.IsZero() {
		t := p.lastRun
		st.LastRun = &t
	}
	if !p.nextRun.IsZero() {
		t := p.nextRun
		st.NextRun = &t
	}
	p.mu.Unlock()
	st.Connected = p.link.IsConnected()
	return st
}
