package sandbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/eventloop"
)

type fakeContext struct{ closed atomic.Bool }

func (f *fakeContext) Runtime() core.JSRuntime { return nil }
func (f *fakeContext) Interrupt()              {}
func (f *fakeContext) Close()                  { f.closed.Store(true) }

func fakePool(size, maxQueue int, queueTimeout time.Duration, build func() (*worker, error)) *pool {
	if build == nil {
		build = func() (*worker, error) {
			return &worker{ctx: &fakeContext{}, el: eventloop.New()}, nil
		}
	}
	return newPool(poolKey{"a.test", "v1"}, core.EngineConfig{
		PoolSize:     size,
		MaxQueue:     maxQueue,
		QueueTimeout: int(queueTimeout / time.Millisecond),
	}, build)
}

func TestPoolQueueTimeout(t *testing.T) {
	p := fakePool(1, 4, 30*time.Millisecond, nil)
	w, cold, err := p.acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, cold)

	_, _, err = p.acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	p.release(w, true)
	w2, cold, err := p.acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, cold)
	assert.Same(t, w, w2)
}

func TestPoolMaxQueueFailsFast(t *testing.T) {
	p := fakePool(1, 1, time.Second, nil)
	w, _, err := p.acquire(context.Background())
	require.NoError(t, err)

	waiterDone := make(chan error, 1)
	go func() {
		w2, _, err := p.acquire(context.Background())
		if err == nil {
			p.release(w2, true)
		}
		waiterDone <- err
	}()
	require.Eventually(t, func() bool { return p.waiting.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	_, _, err = p.acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	p.release(w, true)
	assert.NoError(t, <-waiterDone)
}

func TestPoolWaitCancelled(t *testing.T) {
	p := fakePool(1, 0, time.Minute, nil)
	_, _, err := p.acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = p.acquire(ctx)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Zero(t, p.waiting.Load())
}

func TestPoolCachesScriptErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	transient := errors.New("out of memory")
	p := fakePool(1, 0, time.Second, func() (*worker, error) {
		if calls.Add(1) == 1 {
			return nil, transient
		}
		return nil, &scriptError{errors.New("syntax")}
	})

	_, _, err := p.acquire(context.Background())
	assert.ErrorIs(t, err, transient)
	assert.NoError(t, p.failure())

	_, _, err = p.acquire(context.Background())
	assert.True(t, isScriptError(err))
	_, _, err = p.acquire(context.Background())
	assert.True(t, isScriptError(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, p.slots)
}

func TestPoolReleaseUnhealthyAndDispose(t *testing.T) {
	p := fakePool(2, 0, time.Second, nil)
	a, _, _ := p.acquire(context.Background())
	b, _, _ := p.acquire(context.Background())

	p.release(a, false)
	assert.True(t, a.ctx.(*fakeContext).closed.Load())
	assert.Equal(t, int64(1), p.stats().Discarded)

	p.dispose()
	p.release(b, true)
	assert.True(t, b.ctx.(*fakeContext).closed.Load(), "released after dispose")
	assert.Empty(t, p.idle)
	assert.Empty(t, p.slots)
}

func TestLoadOutcome(t *testing.T) {
	timeout := 50 * time.Millisecond
	boom := errors.New("boom")

	assert.NoError(t, loadOutcome(true, false, nil, timeout))

	for name, tt := range map[string]struct {
		stopped, timedOut bool
		err               error
		want              string
	}{
		"watchdog fired after return": {false, false, nil, "top-level code exceeded 50ms"},
		"interrupted":                 {false, true, boom, "top-level code exceeded 50ms"},
		"flagged but stopped":         {true, true, nil, "top-level code exceeded 50ms"},
		"script threw":                {true, false, boom, "boom"},
	} {
		t.Run(name, func(t *testing.T) {
			err := loadOutcome(tt.stopped, tt.timedOut, tt.err, timeout)
			require.Error(t, err)
			assert.True(t, isScriptError(err))
			assert.Equal(t, tt.want, err.Error())
		})
	}
}
