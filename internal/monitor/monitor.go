// Package monitor polls the auth store while a session is active and ends
// the session when an administrator has disconnected its user.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/model"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Notice is shown to the user once when the monitor ends their session.
const Notice = "Your session has ended: you were disconnected by an administrator."

var errCheckPanicked = errors.New("liveness check panicked")

type State int32

const (
	Idle State = iota
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Checker answers one liveness query and is then closed.
type Checker interface {
	IsSessionActive(ctx context.Context, userID string) (bool, error)
	Close() error
}

// CheckerSource hands out a fresh Checker per query, so a slow query never
// holds a connection the foreground needs.
type CheckerSource interface {
	Acquire(ctx context.Context) (Checker, error)
}

type Sessions interface {
	Current() (model.Session, bool)
	EndIf(id string) bool
}

// Dispatcher runs fn on the ui loop and waits for it.
type Dispatcher interface {
	Do(ctx context.Context, fn func()) error
}

// Presenter is told, on the ui loop, that the session was ended remotely.
type Presenter interface {
	SessionEnded(notice string)
}

type Monitor struct {
	log          *zap.Logger
	clock        clockwork.Clock
	interval     time.Duration
	queryTimeout time.Duration

	source     CheckerSource
	sessions   Sessions
	dispatcher Dispatcher
	presenter  Presenter

	state atomic.Int32

	// mu serializes Start and Stop.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Config     *config.Config
	Source     CheckerSource
	Sessions   Sessions
	Dispatcher Dispatcher
	Presenter  Presenter
	Clock      clockwork.Clock `optional:"true"`
}

func New(p Params) *Monitor {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Monitor{
		log:          p.Log.Named("monitor"),
		clock:        clock,
		interval:     p.Config.Monitor.Interval,
		queryTimeout: p.Config.Monitor.QueryTimeout,
		source:       p.Source,
		sessions:     p.Sessions,
		dispatcher:   p.Dispatcher,
		presenter:    p.Presenter,
	}
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(RegisterHooks),
)

// RegisterHooks stops the loop when the app shuts down.
func RegisterHooks(lc fx.Lifecycle, m *Monitor) {
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			m.Stop()
			return nil
		},
	})
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Done is closed when the current loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return m.done
}

// Start begins a new polling loop. A loop already running is cancelled and
// has exited before the new one starts.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	m.state.Store(int32(Running))
	m.log.Debug("monitor started", zap.Duration("interval", m.interval))

	go m.run(ctx, done)
}

// Stop cancels the current loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.cancel == nil {
		return
	}

	m.state.CompareAndSwap(int32(Running), int32(Stopping))
	m.cancel()
	<-m.done
	m.cancel = nil

	m.log.Debug("monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.state.Store(int32(Terminated))
		close(done)
	}()

	for {
		if !m.sleep(ctx) {
			return
		}

		sess, ok := m.sessions.Current()
		if !ok {
			continue
		}

		active, err := m.check(ctx, sess.UserID)
		if ctx.Err() != nil {
			// stopped while the query was in flight; the result is stale
			return
		}
		if err != nil {
			m.log.Warn("liveness check failed",
				zap.String("session_id", sess.ID),
				zap.String("user_id", sess.UserID),
				zap.Error(err),
			)
			continue
		}
		if active {
			continue
		}

		m.invalidate(ctx, sess)
		return
	}
}

func (m *Monitor) sleep(ctx context.Context) bool {
	t := m.clock.NewTimer(m.interval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

func (m *Monitor) check(ctx context.Context, userID string) (active bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errCheckPanicked, r)
		}
	}()

	if m.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.queryTimeout)
		defer cancel()
	}

	c, err := m.source.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := c.Close(); err != nil {
			m.log.Debug("failed to close liveness checker", zap.Error(err))
		}
	}()

	return c.IsSessionActive(ctx, userID)
}

// invalidate ends sess on the ui loop. Only the first writer that still
// finds sess present acts, and nothing happens once the loop is cancelled.
func (m *Monitor) invalidate(ctx context.Context, sess model.Session) {
	log := m.log.With(zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))

	err := m.dispatcher.Do(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		if !m.sessions.EndIf(sess.ID) {
			log.Debug("session already ended")
			return
		}

		log.Info("session ended remotely")
		m.presenter.SessionEnded(Notice)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("failed to end session on ui loop", zap.Error(err))
	}
}
