package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/eventloop"
)

// poolKey identifies the contexts of one installed script version.
type poolKey struct {
	Host    string
	Version string
}

func (k poolKey) String() string { return k.Host + "@" + k.Version }

// worker is one loaded JS context.
type worker struct {
	ctx core.ExecContext
	rt  core.JSRuntime
	el  *eventloop.EventLoop
}

func (w *worker) close() {
	w.el.Reset()
	w.ctx.Close()
}

// pool holds up to size contexts for one poolKey. A request takes a slot
// first, then reuses an idle context or builds a new one.
type pool struct {
	key          poolKey
	size         int
	maxQueue     int
	queueTimeout time.Duration
	newWorker    func() (*worker, error)

	slots   chan struct{}
	idle    chan *worker
	waiting atomic.Int64

	created   atomic.Int64
	discarded atomic.Int64

	mu      sync.Mutex
	closed  bool
	initErr error
}

func newPool(key poolKey, cfg core.EngineConfig, newWorker func() (*worker, error)) *pool {
	return &pool{
		key:          key,
		size:         cfg.PoolSize,
		maxQueue:     cfg.MaxQueue,
		queueTimeout: time.Duration(cfg.QueueTimeout) * time.Millisecond,
		newWorker:    newWorker,
		slots:        make(chan struct{}, cfg.PoolSize),
		idle:         make(chan *worker, cfg.PoolSize),
	}
}

// failure returns the cached script init error, if any.
func (p *pool) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initErr
}

func (p *pool) fail(err error) {
	p.mu.Lock()
	if p.initErr == nil {
		p.initErr = err
	}
	p.mu.Unlock()
}

// acquire returns a context and whether it was built for this call. It
// waits up to queueTimeout for a slot and fails fast once maxQueue
// callers are already waiting.
func (p *pool) acquire(ctx context.Context) (*worker, bool, error) {
	if err := p.failure(); err != nil {
		return nil, false, err
	}

	select {
	case p.slots <- struct{}{}:
	default:
		if p.maxQueue > 0 && p.waiting.Load() >= int64(p.maxQueue) {
			return nil, false, core.Errorf(core.ErrCapacityExceeded, "%s: %d requests already queued", p.key, p.maxQueue)
		}
		p.waiting.Add(1)
		timer := time.NewTimer(p.queueTimeout)
		select {
		case p.slots <- struct{}{}:
			timer.Stop()
			p.waiting.Add(-1)
		case <-timer.C:
			p.waiting.Add(-1)
			return nil, false, core.Errorf(core.ErrCapacityExceeded, "%s: no context free within %v", p.key, p.queueTimeout)
		case <-ctx.Done():
			timer.Stop()
			p.waiting.Add(-1)
			return nil, false, core.Errorf(core.ErrCapacityExceeded, "%s: stopped waiting: %v", p.key, ctx.Err())
		}
	}

	select {
	case w := <-p.idle:
		return w, false, nil
	default:
	}

	// A failure may have been cached while this caller waited.
	if err := p.failure(); err != nil {
		<-p.slots
		return nil, false, err
	}
	w, err := p.newWorker()
	if err != nil {
		<-p.slots
		if isScriptError(err) {
			p.fail(err)
		}
		return nil, false, err
	}
	p.created.Add(1)
	return w, true, nil
}

// release returns w to the idle set, or closes it when it is unhealthy or
// the pool has been disposed, and frees the caller's slot.
func (p *pool) release(w *worker, healthy bool) {
	p.mu.Lock()
	if healthy && !p.closed {
		select {
		case p.idle <- w:
			w = nil
		default:
		}
	}
	p.mu.Unlock()

	if w != nil {
		if !healthy {
			p.discarded.Add(1)
		}
		w.close()
	}
	<-p.slots
}

// dispose closes idle contexts. Contexts in use are closed on release.
func (p *pool) dispose() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case w := <-p.idle:
			w.close()
		default:
			return
		}
	}
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Host      string `json:"host"`
	Version   string `json:"version"`
	Size      int    `json:"size"`
	Busy      int    `json:"busy"`
	Idle      int    `json:"idle"`
	Waiting   int    `json:"waiting"`
	Created   int64  `json:"created"`
	Discarded int64  `json:"discarded"`
	InitError string `json:"init_error,omitempty"`
}

func (p *pool) stats() PoolStats {
	st := PoolStats{
		Host:      p.key.Host,
		Version:   p.key.Version,
		Size:      p.size,
		Busy:      len(p.slots),
		Idle:      len(p.idle),
		Waiting:   int(p.waiting.Load()),
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
	}
	if err := p.failure(); err != nil {
		st.InitError = err.Error()
	}
	return st
}

func (st PoolStats) String() string {
	return fmt.Sprintf("%s@%s busy=%d idle=%d waiting=%d", st.Host, st.Version, st.Busy, st.Idle, st.Waiting)
}
