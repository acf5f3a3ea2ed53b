// Package pipeline turns inbound HTTP requests into handler invocations:
// host resolution, snapshot lease, route match, request adaptation,
// sandbox invoke and response write, wrapped by middleware.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cryguy/dispatch/internal/adapter"
	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/routing"
)

// Resolver maps a Host header to the tenant's router.
type Resolver interface {
	Resolve(rawHost string) (*routing.SwappableRouter, error)
}

// Invoker runs a handler from a bundle.
type Invoker interface {
	Invoke(ctx context.Context, b core.Bundle, handler string, req *core.Req) *core.Result
}

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for handler console output and failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMiddleware appends middleware. The first one given is outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(p *Pipeline) { p.middleware = append(p.middleware, mw...) }
}

// WithMaxBody caps request bodies. Zero keeps the default of 1 MiB.
func WithMaxBody(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBody = n
		}
	}
}

// Pipeline is the dispatch http.Handler. The chain is fixed at New.
type Pipeline struct {
	resolver   Resolver
	invoker    Invoker
	logger     *slog.Logger
	maxBody    int64
	middleware []Middleware
	chain      http.Handler
}

// New builds the handler chain around the core dispatch.
func New(resolver Resolver, invoker Invoker, opts ...Option) *Pipeline {
	p := &Pipeline{
		resolver: resolver,
		invoker:  invoker,
		logger:   slog.Default(),
		maxBody:  1 << 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithGroup("pipeline")

	p.chain = Chain(p.middleware...)(http.HandlerFunc(p.dispatch))
	return p
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := &Trace{}
	p.chain.ServeHTTP(w, r.WithContext(withTrace(r.Context(), t)))
}

func (p *Pipeline) dispatch(w http.ResponseWriter, r *http.Request) {
	t := TraceFrom(r.Context())

	router, err := p.resolver.Resolve(r.Host)
	if err != nil {
		p.fail(w, t, err)
		return
	}
	lease := router.Load()
	defer lease.Release()
	snap := lease.Snapshot()
	t.resolved(snap.Host(), snap.Version())

	m, err := snap.Match(r.Method, r.URL.EscapedPath())
	if err != nil {
		p.fail(w, t, err)
		return
	}
	handler := m.Entry.Handler
	t.matched(handler)

	req, err := adapter.BuildRequest(r, m.Params, p.maxBody)
	if err != nil {
		p.fail(w, t, err)
		return
	}
	t.advance(Adapted)

	result := p.invoker.Invoke(r.Context(), snap.Bundle(), handler, req)
	t.mu.Lock()
	t.coldStart = result.ColdStart
	t.mu.Unlock()
	p.logConsole(snap, handler, result.Logs)
	if result.Error != nil {
		p.fail(w, t, result.Error)
		return
	}
	t.advance(Invoked)

	if err := adapter.ValidateResponse(result.Res); err != nil {
		p.fail(w, t, err)
		return
	}
	t.advance(ResponseBuilt)

	_ = adapter.WriteResponse(w, result.Res)
	t.sent(result.Res.StatusCode())
}

func (p *Pipeline) logConsole(snap *routing.AppRouter, handler string, logs []core.LogEntry) {
	if len(logs) == 0 {
		return
	}
	l := p.logger.With("host", snap.Host(), "version", snap.Version(), "handler", handler)
	for _, e := range logs {
		l.Log(context.Background(), consoleLevel(e.Level), e.Message, "source", "console")
	}
}

func consoleLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (p *Pipeline) fail(w http.ResponseWriter, t *Trace, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		p.logger.Warn("dispatch failed",
			"host", t.Tenant(), "version", t.Version(), "handler", t.Handler(),
			"stage", t.Stage().String(), "status", status, "error", err)
	}
	t.fail(status, err)
	WriteError(w, status, err)
}

// StatusFor maps a dispatch failure to its HTTP status.
func StatusFor(err error) int {
	switch core.KindOf(err) {
	case core.ErrHostNotFound, core.ErrRouteNotFound:
		return http.StatusNotFound
	case core.ErrRequestAdaptation:
		if core.IsTooLarge(err) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case core.ErrScriptInit:
		return http.StatusInternalServerError
	case core.ErrScriptExecution:
		if core.IsTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case core.ErrCapacityExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes the JSON error body for err with status.
func WriteError(w http.ResponseWriter, status int, err error) {
	body, _ := json.Marshal(errorBody{Error: core.KindName(err), Message: err.Error()})
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		h.Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
