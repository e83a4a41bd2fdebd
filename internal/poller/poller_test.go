package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdsoc/internal/obd"
)

const socLine = "7EC 24 03 E8 02 03 E8 01 91" // 72.5 %

type fakeLink struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	initErr      error
	socResponse  string
	socErr       error
	dropOnSOC    bool
	panicOnSOC   bool
	connectCalls int
	socCalls     int

	// When gate is set, Connect signals entered and waits for gate or ctx.
	gate    chan struct{}
	entered chan struct{}
}

func (l *fakeLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	l.connectCalls++
	gate, entered := l.gate, l.entered
	l.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connected = true
	return nil
}

func (l *fakeLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
}

func (l *fakeLink) Execute(ctx context.Context, cmd *obd.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		cmd.ResolveFailure(obd.ErrNoChannel)
		return obd.ErrNoChannel
	}
	l.socCalls++
	if l.panicOnSOC {
		panic("decoder exploded")
	}
	if l.dropOnSOC {
		l.connected = false
		cmd.ResolveFailure(obd.ErrChannelClosed)
		return obd.ErrChannelClosed
	}
	if l.socErr != nil {
		cmd.ResolveFailure(l.socErr)
		return l.socErr
	}
	cmd.ResolveSuccess(l.socResponse)
	return nil
}

func (l *fakeLink) ExecuteAll(ctx context.Context, cmds ...*obd.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initErr != nil {
		return l.initErr
	}
	for _, c := range cmds {
		c.ResolveSuccess("OK")
	}
	return nil
}

func (l *fakeLink) set(fn func(l *fakeLink)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l)
}

type fakeStore struct {
	mu     sync.Mutex
	soc    float64
	at     time.Time
	ok     bool
	setErr error
}

func (s *fakeStore) SetSOC(soc float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.soc, s.at, s.ok = soc, time.Now(), true
	return nil
}

func (s *fakeStore) SOC() (float64, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soc, s.at, s.ok
}

func testConfig() Config {
	return Config{
		SuccessInterval:  60 * time.Second,
		FastRetry:        5 * time.Second,
		SlowRetry:        15 * time.Minute,
		ErrorDelay:       30 * time.Second,
		FailureThreshold: 10,
	}
}

func TestRunCycle_ConnectFailure(t *testing.T) {
	link := &fakeLink{connectErr: obd.ErrOutOfRange}
	p := New(testConfig(), link, &fakeStore{})

	out := p.RunCycle(context.Background())

	assert.Equal(t, StateDisconnected, out.State)
	assert.Equal(t, 5*time.Second, out.Delay)
	assert.ErrorIs(t, out.Err, obd.ErrOutOfRange)
	assert.Equal(t, 0, link.socCalls)
	assert.Equal(t, StateDisconnected, p.State())
}

func TestRunCycle_SuccessfulRead(t *testing.T) {
	link := &fakeLink{socResponse: "7EC 23 00 00\r" + socLine}
	store := &fakeStore{}
	p := New(testConfig(), link, store)

	out := p.RunCycle(context.Background())

	require.NoError(t, out.Err)
	assert.Equal(t, StateConnectedReadOK, out.State)
	assert.True(t, out.SOCFound)
	assert.Equal(t, 72.5, out.SOC)
	assert.Equal(t, 60*time.Second, out.Delay)
	assert.Equal(t, 0, p.ErrorCounter())

	soc, _, ok := store.SOC()
	assert.True(t, ok)
	assert.Equal(t, 72.5, soc)
}

func TestRunCycle_NoMatchingLineIsReadFailure(t *testing.T) {
	link := &fakeLink{socResponse: "NO DATA"}
	store := &fakeStore{soc: 50, ok: true}
	p := New(testConfig(), link, store)

	out := p.RunCycle(context.Background())

	assert.Equal(t, StateConnectedReadFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrNoSOC)
	assert.Equal(t, 1, out.ErrorCounter)
	assert.Equal(t, 5*time.Second, out.Delay)
	assert.True(t, p.IsConnected())

	soc, _, _ := store.SOC()
	assert.Equal(t, 50.0, soc, "stored soc must not change")
}

func TestRunCycle_BackoffAfterThresholdAndRecovery(t *testing.T) {
	link := &fakeLink{socResponse: "NO DATA"}
	p := New(testConfig(), link, &fakeStore{})

	for i := 1; i <= 9; i++ {
		out := p.RunCycle(context.Background())
		assert.Equal(t, i, out.ErrorCounter)
		assert.Equal(t, 5*time.Second, out.Delay, "failure %d", i)
	}

	out := p.RunCycle(context.Background())
	assert.Equal(t, 10, out.ErrorCounter)
	assert.Equal(t, 15*time.Minute, out.Delay)
	assert.Equal(t, 1, link.connectCalls, "no reconnect while the channel stays open")

	link.set(func(l *fakeLink) { l.socResponse = socLine })
	out = p.RunCycle(context.Background())
	assert.Equal(t, StateConnectedReadOK, out.State)
	assert.Equal(t, 0, out.ErrorCounter)
	assert.Equal(t, 60*time.Second, out.Delay)
}

func TestRunCycle_InitFailureDisconnects(t *testing.T) {
	link := &fakeLink{initErr: errors.New("ATE0: timed out")}
	p := New(testConfig(), link, &fakeStore{})

	out := p.RunCycle(context.Background())

	assert.Equal(t, StateDisconnected, out.State)
	assert.ErrorContains(t, out.Err, "ATE0")
	assert.Equal(t, 5*time.Second, out.Delay)
	assert.False(t, link.IsConnected())
	assert.Equal(t, 0, link.socCalls)
}

func TestRunCycle_ChannelDropDuringReadThenReconnect(t *testing.T) {
	link := &fakeLink{socResponse: "NO DATA"}
	p := New(testConfig(), link, &fakeStore{})

	for i := 0; i < 3; i++ {
		p.RunCycle(context.Background())
	}
	require.Equal(t, 3, p.ErrorCounter())

	link.set(func(l *fakeLink) { l.dropOnSOC = true })
	out := p.RunCycle(context.Background())
	assert.Equal(t, StateDisconnected, out.State)
	assert.ErrorIs(t, out.Err, obd.ErrChannelClosed)
	assert.Equal(t, 5*time.Second, out.Delay)

	link.set(func(l *fakeLink) { l.dropOnSOC = false })
	out = p.RunCycle(context.Background())
	assert.Equal(t, 2, link.connectCalls)
	assert.Equal(t, StateConnectedReadFailed, out.State)
	assert.Equal(t, 1, out.ErrorCounter, "counter restarts on a new connection")
}

func TestRunCycle_Reentrancy(t *testing.T) {
	link := &fakeLink{
		socResponse: socLine,
		gate:        make(chan struct{}),
		entered:     make(chan struct{}, 1),
	}
	p := New(testConfig(), link, &fakeStore{})

	first := make(chan Outcome, 1)
	go func() { first <- p.RunCycle(context.Background()) }()
	<-link.entered

	second := p.RunCycle(context.Background())
	assert.True(t, second.Skipped)
	assert.True(t, p.Status().Running)

	close(link.gate)
	out := <-first
	assert.False(t, out.Skipped)
	assert.Equal(t, StateConnectedReadOK, out.State)
	assert.Equal(t, 1, link.connectCalls)
	assert.Equal(t, 1, link.socCalls)
	assert.False(t, p.Status().Running)
}

func TestRunCycle_PanicIsContained(t *testing.T) {
	link := &fakeLink{panicOnSOC: true}
	p := New(testConfig(), link, &fakeStore{})

	out := p.RunCycle(context.Background())

	assert.True(t, out.Fault)
	assert.Equal(t, 30*time.Second, out.Delay)
	assert.Equal(t, StateDisconnected, out.State, "state stays as before the cycle")
	assert.ErrorContains(t, out.Err, "decoder exploded")

	link.set(func(l *fakeLink) {
		l.panicOnSOC = false
		l.socResponse = socLine
	})
	out = p.RunCycle(context.Background())
	assert.False(t, out.Skipped, "guard must be released after a panic")
	assert.Equal(t, StateConnectedReadOK, out.State)
}

func TestRunCycle_StoreFailureUsesErrorDelay(t *testing.T) {
	link := &fakeLink{socResponse: socLine}
	p := New(testConfig(), link, &fakeStore{setErr: errors.New("read-only file system")})

	out := p.RunCycle(context.Background())

	assert.True(t, out.Fault)
	assert.Equal(t, 30*time.Second, out.Delay)
	assert.Equal(t, StateDisconnected, out.State)
	assert.Contains(t, p.Status().LastError, "read-only")
}

func TestResetAll(t *testing.T) {
	link := &fakeLink{socResponse: "NO DATA"}
	p := New(testConfig(), link, &fakeStore{})
	for i := 0; i < 5; i++ {
		p.RunCycle(context.Background())
	}
	require.Equal(t, StateConnectedReadFailed, p.State())
	require.Equal(t, 5, p.ErrorCounter())

	p.ResetAll()

	assert.Equal(t, StateDisconnected, p.State())
	assert.Equal(t, 0, p.ErrorCounter())
	assert.False(t, link.IsConnected())
	assert.Equal(t, "", p.Status().LastError)
}

func TestResetAll_AbortsRunningCycle(t *testing.T) {
	link := &fakeLink{
		socResponse: socLine,
		gate:        make(chan struct{}),
		entered:     make(chan struct{}, 1),
	}
	p := New(testConfig(), link, &fakeStore{})

	first := make(chan Outcome, 1)
	go func() { first <- p.RunCycle(context.Background()) }()
	<-link.entered

	p.ResetAll()
	out := <-first
	assert.True(t, out.Aborted)
	assert.Equal(t, StateDisconnected, p.State())
	assert.Equal(t, 0, p.ErrorCounter())

	link.set(func(l *fakeLink) { l.gate = nil })
	out = p.RunCycle(context.Background())
	assert.False(t, out.Skipped)
	assert.Equal(t, StateConnectedReadOK, out.State)
}

func TestStart_SchedulesCycles(t *testing.T) {
	link := &fakeLink{socResponse: socLine}
	cfg := testConfig()
	cfg.SuccessInterval = 10 * time.Millisecond
	p := New(cfg, link, &fakeStore{})

	var cycles atomic.Int32
	p.AddObserver(ObserverFunc(func(out Outcome) { cycles.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.Eventually(t, func() bool { return cycles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, p.Status().NextRun)

	cancel()
	require.Eventually(t, func() bool { return !link.IsConnected() }, time.Second, 5*time.Millisecond)
}

func TestStart_StopReleasesGuard(t *testing.T) {
	link := &fakeLink{
		socResponse: socLine,
		gate:        make(chan struct{}),
		entered:     make(chan struct{}, 1),
	}
	p := New(testConfig(), link, &fakeStore{})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	<-link.entered

	cancel()
	require.Eventually(t, func() bool { return !p.Status().Running }, time.Second, 5*time.Millisecond)

	link.set(func(l *fakeLink) { l.gate = nil })
	out := p.RunNow()
	assert.False(t, out.Skipped, "a cycle interrupted by shutdown must not keep the guard")
	assert.Nil(t, p.Status().NextRun, "nothing is scheduled after stop")
}

func TestNeedsRequery(t *testing.T) {
	store := &fakeStore{}
	p := New(testConfig(), &fakeLink{}, store)
	now := time.Now()

	assert.True(t, p.NeedsRequery(now))

	store.soc, store.at, store.ok = 80, now.Add(-10*time.Second), true
	assert.False(t, p.NeedsRequery(now))

	store.at = now.Add(-2 * time.Minute)
	assert.True(t, p.NeedsRequery(now))
}

func TestNextDelay(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, cfg.SuccessInterval, cfg.NextDelay(StateConnectedReadOK, 0))
	assert.Equal(t, cfg.FastRetry, cfg.NextDelay(StateConnectedReadFailed, 9))
	assert.Equal(t, cfg.SlowRetry, cfg.NextDelay(StateConnectedReadFailed, 10))
	assert.Equal(t, cfg.FastRetry, cfg.NextDelay(StateDisconnected, 42))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected_read_failed", StateConnectedReadFailed.String())
	assert.False(t, StateDisconnected.Connected())
	assert.True(t, StateConnectedInitialized.Connected())
}
