package uiloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestLoop_runsInOrder(t *testing.T) {
	require := require.New(t)

	l := New(zaptest.NewLogger(t))
	l.Start()
	defer l.Stop(context.Background())

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(l.Post(func() { got = append(got, i) }))
	}
	require.NoError(l.Do(context.Background(), func() {}))

	require.Len(got, 100)
	for i, v := range got {
		require.Equal(i, v)
	}
}

func TestLoop_serializes(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	l.Start()
	defer l.Stop(context.Background())

	var (
		active int
		peak   int
		wg     sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func() {
				active++
				if active > peak {
					peak = active
				}
				time.Sleep(time.Millisecond)
				active--
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
}

func TestLoop_recoversPanic(t *testing.T) {
	require := require.New(t)

	l := New(zaptest.NewLogger(t, zaptest.Level(zap.FatalLevel)))
	l.Start()
	defer l.Stop(context.Background())

	require.NoError(l.Do(context.Background(), func() { panic("boom") }))

	ran := false
	require.NoError(l.Do(context.Background(), func() { ran = true }))
	require.True(ran)
}

func TestLoop_stop(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	l := New(zaptest.NewLogger(t))
	l.Start()

	ran := make(chan struct{})
	require.NoError(l.Post(func() { close(ran) }))
	require.NoError(l.Stop(context.Background()))

	select {
	case <-ran:
	default:
		t.Fatal("queued work dropped on stop")
	}

	assert.ErrorIs(l.Post(func() {}), ErrClosed)
	assert.ErrorIs(l.Do(context.Background(), func() {}), ErrClosed)
}

func TestLoop_doHonoursContext(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	// never started, so nothing drains the queue
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, l.Do(ctx, func() {}), context.DeadlineExceeded)
	assert.NoError(t, l.Stop(context.Background()))
}

func TestNewLoop_fxLifecycle(t *testing.T) {
	var l *Loop
	app := fxtest.New(t,
		fx.Provide(func() *zap.Logger { return zaptest.NewLogger(t) }),
		fx.Provide(NewLoop),
		fx.Populate(&l),
	)
	app.RequireStart()

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	app.RequireStop()
	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
}
