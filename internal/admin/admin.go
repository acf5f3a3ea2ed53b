// Package admin serves the dispatcher's management API: tenant listing,
// snapshot installs and reloads, sandbox stats, metrics and a websocket
// stream of tenant events.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/routing"
	"github.com/cryguy/dispatch/internal/sandbox"
)

// ErrUnknownTenant is returned by a Backend for hosts it does not serve.
var ErrUnknownTenant = errors.New("unknown tenant")

// maxSpecBytes caps PUT /tenants/{host} bodies.
const maxSpecBytes = 16 << 20

// TenantInfo describes a tenant's current snapshot.
type TenantInfo struct {
	Host      string              `json:"host"`
	Version   string              `json:"version"`
	Routes    []routing.RouteSpec `json:"routes"`
	Exports   []string            `json:"exports,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Info builds the TenantInfo of snap.
func Info(snap *routing.AppRouter) TenantInfo {
	return TenantInfo{
		Host:      snap.Host(),
		Version:   snap.Version(),
		Routes:    snap.RouteSpecs(),
		Exports:   snap.Exports(),
		CreatedAt: snap.CreatedAt(),
	}
}

// Backend is the server the API manages.
type Backend interface {
	Tenants() []TenantInfo
	Tenant(host string) (TenantInfo, bool)
	UpdateTenantSpec(ctx context.Context, spec routing.Spec) (*routing.AppRouter, error)
	ReloadTenant(ctx context.Context, host string) (*routing.AppRouter, error)
	SandboxStats() []sandbox.PoolStats
}

// UpdateRequest is the body of PUT /tenants/{host}.
type UpdateRequest struct {
	Routes  []routing.RouteSpec `json:"routes"`
	Bundle  string              `json:"bundle"`
	Exports []string            `json:"exports,omitempty"`
	Version string              `json:"version,omitempty"`
}

type Option func(*API)

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(a *API) { a.metrics = h }
}

// API is the admin http.Handler.
type API struct {
	backend Backend
	hub     *Hub
	logger  *slog.Logger
	metrics http.Handler
	router  *mux.Router
}

func New(backend Backend, hub *Hub, opts ...Option) *API {
	a := &API{backend: backend, hub: hub, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithGroup("admin")

	r := mux.NewRouter()
	r.HandleFunc("/tenants", a.listTenants).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{host}", a.getTenant).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{host}", a.putTenant).Methods(http.MethodPut)
	r.HandleFunc("/tenants/{host}/reload", a.reloadTenant).Methods(http.MethodPost)
	r.HandleFunc("/sandbox", a.sandboxStats).Methods(http.MethodGet)
	r.HandleFunc("/events", a.events).Methods(http.MethodGet)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics).Methods(http.MethodGet)
	}
	a.router = r
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) listTenants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.backend.Tenants())
}

func (a *API) getTenant(w http.ResponseWriter, r *http.Request) {
	host, ok := a.host(w, r)
	if !ok {
		return
	}
	info, ok := a.backend.Tenant(host)
	if !ok {
		writeProblem(w, http.StatusNotFound, ErrUnknownTenant)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) putTenant(w http.ResponseWriter, r *http.Request) {
	host, ok := a.host(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	snap, err := a.backend.UpdateTenantSpec(r.Context(), routing.Spec{
		Host:    host,
		Routes:  req.Routes,
		Code:    req.Bundle,
		Exports: req.Exports,
		Version: req.Version,
	})
	if err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, Info(snap))
}

func (a *API) reloadTenant(w http.ResponseWriter, r *http.Request) {
	host, ok := a.host(w, r)
	if !ok {
		return
	}
	snap, err := a.backend.ReloadTenant(r.Context(), host)
	switch {
	case errors.Is(err, ErrUnknownTenant):
		writeProblem(w, http.StatusNotFound, err)
	case err != nil:
		writeProblem(w, http.StatusUnprocessableEntity, err)
	default:
		writeJSON(w, http.StatusOK, Info(snap))
	}
}

func (a *API) sandboxStats(w http.ResponseWriter, r *http.Request) {
	stats := a.backend.SandboxStats()
	if stats == nil {
		stats = []sandbox.PoolStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// events streams hub events as JSON text messages until the client goes
// away.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ch, unsubscribe := a.hub.Subscribe()
	defer unsubscribe()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (a *API) host(w http.ResponseWriter, r *http.Request) (string, bool) {
	host, err := routing.NormalizeHost(mux.Vars(r)["host"])
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return "", false
	}
	return host, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error":   core.KindName(err),
		"message": err.Error(),
	})
}
