package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/model"
	"github.com/ghaggin/fieldtrack/internal/session"
	"github.com/ghaggin/fieldtrack/internal/uiloop"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const interval = 5 * time.Second

var errStore = errors.New("database is locked")

// answer is what the fake checker returns on one query.
type answer struct {
	active bool
	err    error
	block  bool // wait for ctx or release before answering
}

type fakeSource struct {
	mu       sync.Mutex
	answers  []answer
	queries  []string
	acquired int
	closed   int

	entered chan struct{}
	release chan struct{}
}

func newFakeSource(answers ...answer) *fakeSource {
	return &fakeSource{
		answers: answers,
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *fakeSource) Acquire(_ context.Context) (Checker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	return &fakeChecker{s: s}, nil
}

func (s *fakeSource) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func (s *fakeSource) handles() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired, s.closed
}

type fakeChecker struct {
	s *fakeSource
}

func (c *fakeChecker) IsSessionActive(ctx context.Context, userID string) (bool, error) {
	c.s.mu.Lock()
	n := len(c.s.queries)
	c.s.queries = append(c.s.queries, userID)
	a := answer{active: true}
	if n < len(c.s.answers) {
		a = c.s.answers[n]
	}
	c.s.mu.Unlock()

	c.s.entered <- struct{}{}

	if a.block {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.s.release:
		}
	}
	return a.active, a.err
}

func (c *fakeChecker) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.closed++
	return nil
}

type recorder struct {
	mu      sync.Mutex
	notices []string
	ended   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ended: make(chan struct{}, 4)}
}

func (r *recorder) SessionEnded(notice string) {
	r.mu.Lock()
	r.notices = append(r.notices, notice)
	r.mu.Unlock()
	r.ended <- struct{}{}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type harness struct {
	m        *Monitor
	clock    clockwork.FakeClock
	source   *fakeSource
	sessions *session.Context
	view     *recorder
}

func newHarness(t *testing.T, log *zap.Logger, source *fakeSource, c *config.Config) *harness {
	t.Helper()

	if c == nil {
		c = config.Default()
		c.Monitor.Interval = interval
		c.Monitor.QueryTimeout = 0
	}

	loop := uiloop.New(log)
	loop.Start()

	h := &harness{
		clock:    clockwork.NewFakeClock(),
		source:   source,
		sessions: session.New(),
		view:     newRecorder(),
	}
	h.m = New(Params{
		Log:        log,
		Config:     c,
		Source:     source,
		Sessions:   h.sessions,
		Dispatcher: loop,
		Presenter:  h.view,
		Clock:      h.clock,
	})

	t.Cleanup(func() {
		h.m.Stop()
		_ = loop.Stop(context.Background())
	})
	return h
}

func (h *harness) login(t *testing.T, userID string) model.Session {
	t.Helper()
	s := model.Session{ID: "sess-" + userID, UserID: userID, StartedAt: time.Now()}
	require.NoError(t, h.sessions.Begin(s))
	return s
}

// tick waits for the loop to be asleep and fires its timer.
func (h *harness) tick() {
	h.clock.BlockUntil(1)
	h.clock.Advance(interval)
}

// settle waits until the loop has finished the current cycle and is asleep again.
func (h *harness) settle() {
	h.clock.BlockUntil(1)
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("monitor loop did not exit")
	}
}

func TestState_String(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("idle", Idle.String())
	assert.Equal("running", Running.String())
	assert.Equal("stopping", Stopping.String())
	assert.Equal("terminated", Terminated.String())
	assert.Equal("State(9)", State(9).String())
}

// Scenario A
func TestMonitor_invalidationEndsSession(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	source := newFakeSource(answer{active: true}, answer{active: true}, answer{active: false})
	h := newHarness(t, zaptest.NewLogger(t), source, nil)
	h.login(t, "42")

	h.m.Start()
	assert.Equal(Running, h.m.State())

	h.tick()
	h.tick()
	h.tick()

	select {
	case <-h.view.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("presenter not notified")
	}
	waitDone(t, h.m)

	_, ok := h.sessions.Current()
	assert.False(ok)
	assert.Equal(1, h.view.count())
	assert.Equal([]string{Notice}, h.view.notices)
	assert.Equal(Terminated, h.m.State())

	// the loop is gone, time passing issues no more queries
	h.clock.Advance(10 * interval)
	require.Equal(3, source.queryCount())
	assert.Equal([]string{"42", "42", "42"}, source.queries)

	acquired, closed := source.handles()
	assert.Equal(3, acquired)
	assert.Equal(3, closed)
}

// Scenario B
func TestMonitor_transientFailureKeepsPolling(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	core, logs := observer.New(zap.WarnLevel)
	source := newFakeSource(answer{err: errStore}, answer{active: true})
	h := newHarness(t, zap.New(core), source, nil)
	h.login(t, "7")

	h.m.Start()
	h.tick()
	h.tick()
	h.settle()

	require.Equal(2, source.queryCount())

	s, ok := h.sessions.Current()
	require.True(ok)
	assert.Equal("7", s.UserID)
	assert.Equal(0, h.view.count())
	assert.Equal(Running, h.m.State())

	failed := logs.FilterMessage("liveness check failed").All()
	require.Len(failed, 1)
	assert.Equal("7", failed[0].ContextMap()["user_id"])
	assert.Equal(errStore.Error(), failed[0].ContextMap()["error"])
}

// Scenario C
func TestMonitor_idleTicksDoNotQuery(t *testing.T) {
	source := newFakeSource()
	h := newHarness(t, zaptest.NewLogger(t), source, nil)

	h.m.Start()
	h.tick()
	h.tick()
	h.tick()
	h.settle()

	assert.Equal(t, 0, source.queryCount())
	acquired, _ := source.handles()
	assert.Equal(t, 0, acquired)
}

// Scenario D
func TestMonitor_doubleStartRunsOneLoop(t *testing.T) {
	source := newFakeSource()
	h := newHarness(t, zaptest.NewLogger(t), source, nil)
	h.login(t, "42")

	h.m.Start()
	first := h.m.Done()
	h.m.Start()

	// the first loop has fully exited before the second Start returned
	select {
	case <-first:
	default:
		t.Fatal("first loop still running")
	}

	const n = 5
	for i := 0; i < n; i++ {
		h.tick()
	}
	h.settle()

	assert.Equal(t, n, source.queryCount())
}

func TestMonitor_stopDuringSleep(t *testing.T) {
	assert := assert.New(t)

	source := newFakeSource()
	h := newHarness(t, zaptest.NewLogger(t), source, nil)
	h.login(t, "42")

	h.m.Start()
	h.settle()
	h.m.Stop()

	waitDone(t, h.m)
	assert.Equal(Terminated, h.m.State())

	h.clock.Advance(3 * interval)
	assert.Equal(0, source.queryCount())

	_, ok := h.sessions.Current()
	assert.True(ok)
}

func TestMonitor_stopIsIdempotent(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t), newFakeSource(), nil)

	assert.Equal(t, Idle, h.m.State())
	h.m.Stop()
	assert.Equal(t, Idle, h.m.State())
	waitDone(t, h.m)

	h.m.Start()
	h.m.Stop()
	h.m.Stop()
	assert.Equal(t, Terminated, h.m.State())
}

func TestMonitor_restartAfterStop(t *testing.T) {
	source := newFakeSource()
	h := newHarness(t, zaptest.NewLogger(t), source, nil)
	h.login(t, "42")

	h.m.Start()
	h.tick()
	h.settle()
	h.m.Stop()

	// back to the foreground
	h.m.Start()
	assert.Equal(t, Running, h.m.State())
	h.tick()
	h.settle()

	assert.Equal(t, 2, source.queryCount())
}

func TestMonitor_staleResultAfterStop(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	source := newFakeSource(answer{active: false, block: true})
	h := newHarness(t, zaptest.NewLogger(t), source, nil)
	h.login(t, "42")

	h.m.Start()
	h.tick()
	<-source.entered

	stopped := make(chan struct{})
	go func() {
		h.m.Stop()
		close(stopped)
	}()

	<-stopped
	waitDone(t, h.m)

	_, ok := h.sessions.Current()
	require.True(ok)
	assert.Equal(0, h.view.count())
	assert.Equal(1, source.queryCount())
}

func TestMonitor_queryTimeoutIsTransient(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	c := config.Default()
	c.Monitor.Interval = interval
	c.Monitor.QueryTimeout = 20 * time.Millisecond

	source := newFakeSource(answer{active: false, block: true}, answer{active: true})
	h := newHarness(t, zaptest.NewLogger(t), source, c)
	h.login(t, "42")

	h.m.Start()
	h.tick()
	h.tick()
	h.settle()

	require.Equal(2, source.queryCount())
	_, ok := h.sessions.Current()
	assert.True(ok)
	assert.Equal(0, h.view.count())
}

func TestMonitor_logoutRaceDoesNotNotify(t *testing.T) {
	assert := assert.New(t)

	source := newFakeSource(answer{active: false, block: true})
	h := newHarness(t, zaptest.NewLogger(t), source, nil)
	h.login(t, "42")

	h.m.Start()
	h.tick()
	<-source.entered

	// the user logs out while the query is in flight, then the store says
	// the session is gone
	_, ok := h.sessions.End()
	assert.True(ok)
	close(source.release)

	waitDone(t, h.m)
	assert.Equal(0, h.view.count())
}

func TestMonitor_newSessionIsNotCleared(t *testing.T) {
	assert := assert.New(t)

	source := newFakeSource(answer{active: false, block: true})
	h := newHarness(t, zaptest.NewLogger(t), source, nil)
	h.login(t, "42")

	h.m.Start()
	h.tick()
	<-source.entered

	// a different session replaces the one being checked
	h.sessions.End()
	h.login(t, "7")
	close(source.release)

	waitDone(t, h.m)

	s, ok := h.sessions.Current()
	assert.True(ok)
	assert.Equal("7", s.UserID)
	assert.Equal(0, h.view.count())
}

type panicSource struct{}

func (panicSource) Acquire(_ context.Context) (Checker, error) {
	panic("driver bug")
}

func TestMonitor_panicInCheckIsTransient(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	m := New(Params{
		Log:        log,
		Config:     config.Default(),
		Sessions:   session.New(),
		Source:     panicSource{},
		Dispatcher: uiloop.New(log),
		Presenter:  newRecorder(),
	})

	_, err := m.check(context.Background(), "42")
	assert.ErrorIs(t, err, errCheckPanicked)
	assert.Equal(t, 0, logs.Len())
}
