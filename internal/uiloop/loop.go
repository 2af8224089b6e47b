// Package uiloop runs queued work one item at a time on a single goroutine.
// Everything that touches the active session or the presentation state goes
// through it, so those writers never interleave.
package uiloop

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("ui loop closed")

type Loop struct {
	log *zap.Logger

	mu      sync.Mutex
	q       *queue.Queue
	closed  bool
	started bool

	wake chan struct{}
	done chan struct{}
}

type Params struct {
	fx.In

	LC  fx.Lifecycle
	Log *zap.Logger
}

// NewLoop is the fx constructor; the loop runs between OnStart and OnStop.
func NewLoop(p Params) *Loop {
	l := New(p.Log)

	p.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			l.Start()
			return nil
		},
		OnStop: l.Stop,
	})

	return l
}

func New(log *zap.Logger) *Loop {
	return &Loop{
		log:  log,
		q:    queue.New(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.closed {
		return
	}
	l.started = true
	go l.run()
}

// Stop refuses new work, lets queued work finish and waits for the loop
// goroutine to exit or ctx to end.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	started := l.started
	l.mu.Unlock()

	if !started {
		return nil
	}
	l.signal()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn without waiting for it.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.q.Add(fn)
	l.mu.Unlock()

	l.signal()
	return nil
}

// Do queues fn and waits for it to run. If ctx ends first Do returns
// ctx.Err(), but fn may still run later. Do must not be called from work
// already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := l.Post(func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.q.Length() == 0 {
		return nil, false
	}
	return l.q.Remove().(func()), true
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		fn, ok := l.next()
		if ok {
			l.exec(fn)
			continue
		}

		l.mu.Lock()
		closed := l.closed && l.q.Length() == 0
		l.mu.Unlock()
		if closed {
			return
		}

		<-l.wake
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic on ui loop", zap.Any("panic", r))
		}
	}()
	fn()
}
