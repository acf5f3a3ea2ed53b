package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/routing"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	fn    func(b core.Bundle, handler string, req *core.Req) *core.Result
}

func (f *fakeInvoker) Invoke(_ context.Context, b core.Bundle, handler string, req *core.Req) *core.Result {
	f.mu.Lock()
	f.calls = append(f.calls, handler)
	f.mu.Unlock()
	return f.fn(b, handler, req)
}

func body(s string) *string { return &s }

func echoInvoker() *fakeInvoker {
	return &fakeInvoker{fn: func(b core.Bundle, handler string, req *core.Req) *core.Result {
		return &core.Result{
			Res: &core.Res{
				Status:  200,
				Headers: map[string]string{"x-version": b.Version},
				Body:    body(handler + ":" + req.Params["name"]),
			},
			Logs: []core.LogEntry{{Level: "log", Message: "called"}},
		}
	}}
}

func newRegistry(t *testing.T) *routing.TenantRegistry {
	t.Helper()
	reg := routing.NewTenantRegistry(nil)
	snap, err := routing.Build(routing.Spec{
		Host: "a.example.com",
		Routes: []routing.RouteSpec{
			{Method: "GET", Path: "/hello/:name", Handler: "greet"},
			{Method: "POST", Path: "/hello/:name", Handler: "post"},
		},
		Code: "export function greet() {}",
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register("a.example.com", snap))
	return reg
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	return eb
}

func TestDispatchHappyPath(t *testing.T) {
	inv := echoInvoker()
	var seen *Trace
	p := New(newRegistry(t), inv, WithMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			seen = TraceFrom(r.Context())
		})
	}))

	req := httptest.NewRequest(http.MethodGet, "http://a.example.com:8080/hello/world", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "greet:world", rec.Body.String())
	assert.Equal(t, []string{"greet"}, inv.calls)
	require.NotNil(t, seen)
	assert.Equal(t, Sent, seen.Stage())
	assert.Equal(t, "a.example.com", seen.Tenant())
	assert.Equal(t, "greet", seen.Handler())
	assert.Equal(t, rec.Header().Get("x-version"), seen.Version())
	assert.Equal(t, 200, seen.Status())
}

func TestDispatchErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		result *core.Result
		status int
		kind   string
		stage  Stage
	}{
		{name: "unknown host", method: "GET", url: "http://b.example.com/hello/x", status: 404, kind: "host_not_found"},
		{name: "no route", method: "GET", url: "http://a.example.com/nope", status: 404, kind: "route_not_found"},
		{name: "method mismatch", method: "DELETE", url: "http://a.example.com/hello/x", status: 404, kind: "route_not_found"},
		{
			name: "script error", method: "GET", url: "http://a.example.com/hello/x",
			result: &core.Result{Error: core.Errorf(core.ErrScriptExecution, "boom")},
			status: 502, kind: "script_execution",
		},
		{
			name: "init error", method: "GET", url: "http://a.example.com/hello/x",
			result: &core.Result{Error: core.Errorf(core.ErrScriptInit, "syntax")},
			status: 500, kind: "script_init",
		},
		{
			name: "bad response", method: "GET", url: "http://a.example.com/hello/x",
			result: &core.Result{Res: &core.Res{Status: 42}},
			status: 502, kind: "script_execution",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{fn: func(core.Bundle, string, *core.Req) *core.Result { return tt.result }}
			var seen *Trace
			p := New(newRegistry(t), inv, WithMiddleware(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					next.ServeHTTP(w, r)
					seen = TraceFrom(r.Context())
				})
			}))
			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.url, nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.kind, decodeError(t, rec).Error)
			assert.Equal(t, Errored, seen.Stage())
			assert.Equal(t, tt.status, seen.Status())
		})
	}
}

func TestUnknownHostTenantLabel(t *testing.T) {
	p := New(newRegistry(t), echoInvoker(), WithMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			assert.Equal(t, UnknownTenant, TraceFrom(r.Context()).Tenant())
		})
	}))
	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://zzz/", nil))
}

func TestBodyTooLarge(t *testing.T) {
	inv := echoInvoker()
	p := New(newRegistry(t), inv, WithMaxBody(4))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("POST", "http://a.example.com/hello/x", strings.NewReader("0123456789")))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, inv.calls)
}

func TestStatusFor(t *testing.T) {
	timeout := core.Errorf(core.ErrScriptExecution, "slow")
	timeout.Timeout = true
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(timeout))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(core.Errorf(core.ErrCapacityExceeded, "full")))
	assert.Equal(t, http.StatusBadRequest, StatusFor(core.Errorf(core.ErrRequestAdaptation, "bad")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(io.EOF))
}

func TestCapacityExceededRetryAfter(t *testing.T) {
	inv := &fakeInvoker{fn: func(core.Bundle, string, *core.Req) *core.Result {
		return &core.Result{Error: core.Errorf(core.ErrCapacityExceeded, "queue full")}
	}}
	rec := httptest.NewRecorder()
	New(newRegistry(t), inv).ServeHTTP(rec, httptest.NewRequest("GET", "http://a.example.com/hello/x", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestReloadDuringRequestServesOldSnapshot(t *testing.T) {
	reg := newRegistry(t)
	router, err := reg.Resolve("a.example.com")
	require.NoError(t, err)
	before := router.Current().Version()

	inv := &fakeInvoker{}
	inv.fn = func(b core.Bundle, handler string, _ *core.Req) *core.Result {
		next, err := routing.Build(routing.Spec{
			Host:   "a.example.com",
			Routes: []routing.RouteSpec{{Method: "GET", Path: "/hello/:name", Handler: "greet"}},
			Code:   "export function greet() { return 2 }",
		})
		require.NoError(t, err)
		_, err = reg.Upsert("a.example.com", next)
		require.NoError(t, err)
		return &core.Result{Res: &core.Res{Body: body(b.Version)}}
	}

	rec := httptest.NewRecorder()
	New(reg, inv).ServeHTTP(rec, httptest.NewRequest("GET", "http://a.example.com/hello/x", nil))
	assert.Equal(t, before, rec.Body.String())
	assert.NotEqual(t, before, router.Current().Version())
}

func TestMiddlewareOrderAndHeaders(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	p := New(newRegistry(t), echoInvoker(),
		WithMiddleware(mark("outer"), RequestID(), ServerTime(), mark("inner")))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "http://a.example.com/hello/x", nil))

	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
	assert.NotEmpty(t, rec.Header().Get(ServerTimeHeader))
}

func TestRequestIDKeepsInbound(t *testing.T) {
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}

func TestRecover(t *testing.T) {
	var logs bytes.Buffer
	logger := slogTo(&logs)
	inv := &fakeInvoker{fn: func(core.Bundle, string, *core.Req) *core.Result { panic("kaboom") }}
	p := New(newRegistry(t), inv, WithMiddleware(Recover(logger)))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "http://a.example.com/hello/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeError(t, rec).Error)
	assert.Contains(t, logs.String(), "kaboom")
}

func TestAccessLog(t *testing.T) {
	var logs bytes.Buffer
	p := New(newRegistry(t), echoInvoker(), WithMiddleware(AccessLog(slogTo(&logs))))
	p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://a.example.com/hello/x", nil))

	out := logs.String()
	assert.Contains(t, out, `"status":200`)
	assert.Contains(t, out, `"handler":"greet"`)
	assert.Contains(t, out, `"stage":"sent"`)
}

func TestCompression(t *testing.T) {
	big := strings.Repeat("hello world ", 200)
	inv := &fakeInvoker{fn: func(core.Bundle, string, *core.Req) *core.Result {
		return &core.Result{Res: &core.Res{Body: body(big)}}
	}}
	p := New(newRegistry(t), inv, WithMiddleware(Compression(256)))

	req := httptest.NewRequest("GET", "http://a.example.com/hello/x", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "br", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", rec.Header().Get("Vary"))
	plain, err := io.ReadAll(brotli.NewReader(rec.Body))
	require.NoError(t, err)
	assert.Equal(t, big, string(plain))

	// small bodies and clients without br pass through
	req = httptest.NewRequest("GET", "http://a.example.com/hello/x", nil)
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, big, rec.Body.String())
}

func TestAcceptsBrotli(t *testing.T) {
	assert.True(t, acceptsBrotli("br"))
	assert.True(t, acceptsBrotli("gzip, BR;q=0.5"))
	assert.False(t, acceptsBrotli("gzip"))
	assert.False(t, acceptsBrotli("br;q=0"))
	assert.False(t, acceptsBrotli(""))
}

func TestStageTransitions(t *testing.T) {
	tr := &Trace{}
	assert.False(t, tr.advance(RouteMatched))
	assert.True(t, tr.advance(HostResolved))
	assert.True(t, tr.advance(Errored))
	assert.False(t, tr.advance(RouteMatched))
	assert.True(t, Errored.Terminal())
	assert.Equal(t, "host_resolved", HostResolved.String())
}

func slogTo(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
