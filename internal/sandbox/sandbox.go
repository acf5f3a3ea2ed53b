// Package sandbox runs tenant handlers in pooled, isolated JS contexts.
// Contexts are pooled per (host, version) and never shared across either.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/eventloop"
	"github.com/cryguy/dispatch/internal/webapi"
)

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSetup replaces the globals installed into every new context.
func WithSetup(fns ...webapi.SetupFunc) Option {
	return func(s *Sandbox) { s.setup = fns }
}

// Sandbox owns every context pool.
type Sandbox struct {
	engine core.Engine
	cfg    core.EngineConfig
	setup  []webapi.SetupFunc
	logger *slog.Logger

	pools  sync.Map // poolKey -> *pool
	poolMu sync.Mutex
	closed atomic.Bool
}

// New creates a Sandbox on engine. Zero config fields take defaults.
func New(engine core.Engine, cfg core.EngineConfig, opts ...Option) *Sandbox {
	s := &Sandbox{
		engine: engine,
		cfg:    cfg.WithDefaults(),
		setup:  webapi.DefaultSetup(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithGroup("sandbox")
	return s
}

// Config returns the effective engine configuration.
func (s *Sandbox) Config() core.EngineConfig { return s.cfg }

// EngineName returns the backend name.
func (s *Sandbox) EngineName() string { return s.engine.Name() }

// scriptError marks failures caused by the script itself, which are
// cached per pool.
type scriptError struct{ err error }

func (e *scriptError) Error() string { return e.err.Error() }
func (e *scriptError) Unwrap() error { return e.err }

func isScriptError(err error) bool {
	var se *scriptError
	return errors.As(err, &se)
}

func (s *Sandbox) timeout() time.Duration {
	return time.Duration(s.cfg.ExecutionTimeout) * time.Millisecond
}

func (s *Sandbox) checkSize(code string) error {
	if limit := s.cfg.MaxScriptSizeKB * 1024; limit > 0 && len(code) > limit {
		return fmt.Errorf("script is %d bytes, limit is %d", len(code), limit)
	}
	return nil
}

// load builds a context with the configured globals and evaluates the
// wrapped module. Top-level code runs under the execution timeout.
func (s *Sandbox) load(wrapped string) (*worker, error) {
	ctx, err := s.engine.NewContext(s.cfg.MemoryLimitMB)
	if err != nil {
		return nil, err
	}
	w := &worker{ctx: ctx, rt: ctx.Runtime(), el: eventloop.New()}

	for _, setup := range s.setup {
		if err := setup(w.rt, w.el); err != nil {
			w.close()
			return nil, fmt.Errorf("installing globals: %w", err)
		}
	}

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(s.timeout(), func() {
		timedOut.Store(true)
		ctx.Interrupt()
	})
	evalErr := webapi.LoadModule(w.rt, wrapped)
	if err := loadOutcome(watchdog.Stop(), timedOut.Load(), evalErr, s.timeout()); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

// loadOutcome classifies a module evaluation. A watchdog that could not be
// stopped has fired, or is about to, so the context counts as timed out
// even when evaluation returned cleanly.
func loadOutcome(stopped, timedOut bool, err error, timeout time.Duration) error {
	if stopped && !timedOut && err == nil {
		return nil
	}
	if timedOut || err == nil {
		return &scriptError{fmt.Errorf("top-level code exceeded %v", timeout)}
	}
	return &scriptError{err}
}

func (s *Sandbox) getOrCreatePool(b core.Bundle) *pool {
	key := poolKey{Host: b.Host, Version: b.Version}
	if v, ok := s.pools.Load(key); ok {
		return v.(*pool)
	}

	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if v, ok := s.pools.Load(key); ok {
		return v.(*pool)
	}

	var wrapped string
	prepErr := s.checkSize(b.Code)
	if prepErr == nil {
		wrapped, prepErr = webapi.WrapESModule(b.Code)
	}

	p := newPool(key, s.cfg, func() (*worker, error) { return s.load(wrapped) })
	if prepErr != nil {
		p.fail(&scriptError{prepErr})
	}
	s.pools.Store(key, p)
	s.logger.Debug("pool created", "host", b.Host, "version", b.Version, "size", s.cfg.PoolSize)
	return p
}

// Invoke runs handler from bundle b against req. Cancelling ctx only
// abandons the wait for a free context; a running handler is bounded by
// the execution timeout alone.
func (s *Sandbox) Invoke(ctx context.Context, b core.Bundle, handler string, req *core.Req) (result *core.Result) {
	start := time.Now()
	result = &core.Result{}
	defer func() { result.Duration = time.Since(start) }()

	if s.closed.Load() {
		result.Error = core.Errorf(core.ErrCapacityExceeded, "sandbox is shut down")
		return result
	}

	p := s.getOrCreatePool(b)
	w, cold, err := p.acquire(ctx)
	if err != nil {
		result.Error = classifyAcquire(b, err)
		return result
	}
	result.ColdStart = cold

	healthy := s.run(w, b, handler, req, result)
	if !healthy {
		s.logger.Warn("discarding context", "host", b.Host, "version", b.Version, "handler", handler, "error", result.Error)
	}
	p.release(w, healthy)
	return result
}

func classifyAcquire(b core.Bundle, err error) error {
	if core.KindOf(err) != nil {
		return err
	}
	if isScriptError(err) {
		return core.Errorf(core.ErrScriptInit, "%s@%s: %v", b.Host, b.Version, err)
	}
	return core.Errorf(core.ErrCapacityExceeded, "creating context for %s@%s: %v", b.Host, b.Version, err)
}

// run executes one call on w and reports whether w may be reused.
func (s *Sandbox) run(w *worker, b core.Bundle, handler string, req *core.Req, result *core.Result) (healthy bool) {
	timeout := s.timeout()
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		w.ctx.Interrupt()
	})
	id := core.NewInvocationState(b.Host, b.Version, handler)

	defer func() {
		stopped := watchdog.Stop()
		if r := recover(); r != nil {
			result.Res = nil
			result.Error = core.Errorf(core.ErrScriptExecution, "%s: panic: %v", handler, r)
			healthy = false
		}
		if !stopped || timedOut.Load() {
			healthy = false
			if result.Error != nil && !core.IsTimeout(result.Error) {
				result.Error = timeoutError(handler, timeout)
			}
		}
		if state := core.ClearInvocationState(id); state != nil {
			result.Logs = state.Logs
		}
		if healthy {
			if err := webapi.EndInvocation(w.rt, w.el); err != nil {
				healthy = false
			}
		}
	}()

	deadline := time.Now().Add(timeout)
	res, err := s.call(w, id, handler, req, deadline)
	if err != nil {
		if webapi.IsPromiseTimeout(err) {
			result.Error = timeoutError(handler, timeout)
		} else {
			result.Error = core.Errorf(core.ErrScriptExecution, "%s: %v", handler, err)
		}
		return false
	}
	result.Res = res
	return true
}

func (s *Sandbox) call(w *worker, id uint64, handler string, req *core.Req, deadline time.Time) (*core.Res, error) {
	if err := webapi.BeginInvocation(w.rt, id, req); err != nil {
		return nil, err
	}
	if err := webapi.CallHandler(w.rt, handler); err != nil {
		return nil, err
	}
	w.rt.RunMicrotasks()
	if err := webapi.AwaitValue(w.rt, "__call_result", deadline, w.el); err != nil {
		return nil, err
	}
	res, err := webapi.ReadResponse(w.rt)
	if err != nil {
		return nil, err
	}
	w.rt.RunMicrotasks()
	return res, nil
}

func timeoutError(handler string, timeout time.Duration) error {
	e := core.Errorf(core.ErrScriptExecution, "%s: timed out after %v", handler, timeout)
	e.Timeout = true
	return e
}

// Inspect compiles code in a throwaway context and returns its callable
// export names. Failures are ScriptInit errors.
func (s *Sandbox) Inspect(code string) ([]string, error) {
	if err := s.checkSize(code); err != nil {
		return nil, core.Errorf(core.ErrScriptInit, "%v", err)
	}
	wrapped, err := webapi.WrapESModule(code)
	if err != nil {
		return nil, core.Errorf(core.ErrScriptInit, "%v", err)
	}
	w, err := s.load(wrapped)
	if err != nil {
		return nil, core.Errorf(core.ErrScriptInit, "%v", err)
	}
	defer w.close()
	names, err := webapi.Exports(w.rt)
	if err != nil {
		return nil, core.Errorf(core.ErrScriptInit, "%v", err)
	}
	return names, nil
}

// Retire disposes the pool for (host, version). Later requests for the
// same pair build a fresh pool.
func (s *Sandbox) Retire(host, version string) {
	v, ok := s.pools.LoadAndDelete(poolKey{Host: host, Version: version})
	if !ok {
		return
	}
	v.(*pool).dispose()
	s.logger.Debug("pool retired", "host", host, "version", version)
}

// Stats returns a snapshot of every pool.
func (s *Sandbox) Stats() []PoolStats {
	var out []PoolStats
	s.pools.Range(func(_, v any) bool {
		out = append(out, v.(*pool).stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Shutdown rejects new invocations and disposes every pool.
func (s *Sandbox) Shutdown() {
	s.closed.Store(true)
	s.pools.Range(func(k, v any) bool {
		s.pools.Delete(k)
		v.(*pool).dispose()
		return true
	})
}
