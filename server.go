// Package dispatch is a multi-tenant edge dispatcher. It resolves each
// request's tenant by host, matches the tenant's routes and runs the
// matching handler from the tenant's script bundle in a pooled sandbox.
// Tenants can be replaced while requests are in flight.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cryguy/dispatch/internal/admin"
	"github.com/cryguy/dispatch/internal/config"
	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/metrics"
	"github.com/cryguy/dispatch/internal/pipeline"
	"github.com/cryguy/dispatch/internal/project"
	"github.com/cryguy/dispatch/internal/routing"
	"github.com/cryguy/dispatch/internal/sandbox"
	"github.com/cryguy/dispatch/internal/store"
)

// Tenant is an initial host binding passed to Start.
type Tenant struct {
	Host     string
	Snapshot *routing.AppRouter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEngine overrides the JS backend selected at build time.
func WithEngine(e core.Engine) Option {
	return func(s *Server) { s.engine = e }
}

// WithStore persists every installed snapshot and restores them on Boot.
func WithStore(st *store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithMiddleware adds middleware inside the built-in chain.
func WithMiddleware(mw ...pipeline.Middleware) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// Server owns the registry, the sandbox and the HTTP listeners.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     core.Engine
	store      *store.Store
	middleware []pipeline.Middleware

	sandbox  *sandbox.Sandbox
	registry *routing.TenantRegistry
	metrics  *metrics.Metrics
	hub      *admin.Hub
	handler  http.Handler
	admin    *admin.API

	mu       sync.Mutex
	projects map[string]string // host -> project dir
	servers  []*http.Server
}

// New builds a server from cfg. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   slog.Default(),
		engine:   defaultEngine(),
		metrics:  metrics.New(),
		hub:      admin.NewHub(),
		projects: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sandbox = sandbox.New(s.engine, cfg.Sandbox, sandbox.WithLogger(s.logger))
	s.registry = routing.NewTenantRegistry(s.retire)
	s.metrics.WatchSandbox(s.sandbox)

	chain := []pipeline.Middleware{
		pipeline.RequestID(),
		pipeline.ServerTime(),
		pipeline.AccessLog(s.logger),
		s.metrics.Middleware(),
	}
	if cfg.CompressionThreshold > 0 {
		chain = append(chain, pipeline.Compression(cfg.CompressionThreshold))
	}
	chain = append(chain, pipeline.Recover(s.logger))
	chain = append(chain, s.middleware...)

	s.handler = pipeline.New(s.registry, s.sandbox,
		pipeline.WithLogger(s.logger),
		pipeline.WithMaxBody(int64(s.sandbox.Config().MaxBodyBytes)),
		pipeline.WithMiddleware(chain...),
	)
	s.admin = admin.New(s, s.hub, admin.WithLogger(s.logger), admin.WithMetrics(s.metrics.Handler()))
	return s
}

// Handler returns the dispatch handler.
func (s *Server) Handler() http.Handler { return s.handler }

// AdminHandler returns the management API handler.
func (s *Server) AdminHandler() http.Handler { return s.admin }

// Events returns the hub tenant lifecycle events are published on.
func (s *Server) Events() *admin.Hub { return s.hub }

// retire runs once a replaced snapshot has drained. Its pool is disposed
// unless the same version is installed again.
func (s *Server) retire(old *routing.AppRouter) {
	if cur, ok := s.registry.Current(old.Host()); ok && cur.Version() == old.Version() {
		return
	}
	s.sandbox.Retire(old.Host(), old.Version())
	s.hub.Publish(admin.Event{Type: admin.EventRetired, Host: old.Host(), Version: old.Version()})
	s.logger.Info("snapshot retired", "host", old.Host(), "version", old.Version())
}

// Validate compiles snap's bundle in a throwaway context and checks that
// every routed handler is an exported function.
func (s *Server) Validate(snap *routing.AppRouter) error {
	if snap == nil {
		return errors.New("no snapshot")
	}
	exports, err := s.sandbox.Inspect(snap.Code())
	if err != nil {
		return err
	}
	for _, h := range snap.Routes().Handlers() {
		if !slices.Contains(exports, h) {
			return core.Errorf(core.ErrScriptInit, "%s@%s: handler %q is not an exported function", snap.Host(), snap.Version(), h)
		}
	}
	return nil
}

// UpdateTenant validates snap and installs it for host, creating the
// tenant if needed. In-flight requests finish on the snapshot they
// started with.
func (s *Server) UpdateTenant(ctx context.Context, host string, snap *routing.AppRouter) error {
	if snap == nil {
		err := fmt.Errorf("tenant %s: no snapshot", host)
		s.metrics.TenantUpdated(host, err)
		return err
	}
	err := s.install(ctx, host, snap, true)
	s.metrics.TenantUpdated(snap.Host(), err)
	if err != nil {
		s.hub.Publish(admin.Event{Type: admin.EventRejected, Host: snap.Host(), Version: snap.Version(), Error: err.Error()})
	}
	return err
}

func (s *Server) install(ctx context.Context, host string, snap *routing.AppRouter, replace bool) error {
	if err := s.Validate(snap); err != nil {
		return fmt.Errorf("rejecting %s@%s: %w", snap.Host(), snap.Version(), err)
	}
	if replace {
		prev, err := s.registry.Upsert(host, snap)
		if err != nil {
			return err
		}
		if prev != nil {
			s.logger.Info("snapshot replaced", "host", snap.Host(), "from", prev.Version(), "to", snap.Version())
		}
	} else if err := s.registry.Register(host, snap); err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.Save(ctx, store.FromSnapshot(snap)); err != nil {
			s.logger.Warn("persisting snapshot", "host", snap.Host(), "version", snap.Version(), "error", err)
		}
	}
	s.hub.Publish(admin.Event{Type: admin.EventInstalled, Host: snap.Host(), Version: snap.Version()})
	s.logger.Info("snapshot installed", "host", snap.Host(), "version", snap.Version(), "routes", snap.Routes().Len())
	return nil
}

// UpdateTenantSpec builds a snapshot from spec and installs it. Missing
// export names are read from the compiled bundle.
func (s *Server) UpdateTenantSpec(ctx context.Context, spec routing.Spec) (*routing.AppRouter, error) {
	snap, err := s.build(spec)
	if err != nil {
		s.metrics.TenantUpdated(spec.Host, err)
		return nil, err
	}
	if err := s.UpdateTenant(ctx, snap.Host(), snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Server) build(spec routing.Spec) (*routing.AppRouter, error) {
	if spec.Exports == nil {
		exports, err := s.sandbox.Inspect(spec.Code)
		if err != nil {
			return nil, err
		}
		spec.Exports = exports
	}
	return routing.Build(spec)
}

// SetProject records the project directory ReloadTenant reads host from.
func (s *Server) SetProject(host, dir string) error {
	h, err := routing.NormalizeHost(host)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.projects[h] = dir
	s.mu.Unlock()
	return nil
}

// ReloadTenant rebuilds host's snapshot from its project directory.
func (s *Server) ReloadTenant(ctx context.Context, host string) (*routing.AppRouter, error) {
	h, err := routing.NormalizeHost(host)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	dir, ok := s.projects[h]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s has no project directory: %w", h, admin.ErrUnknownTenant)
	}
	p, err := project.Load(dir)
	if err != nil {
		return nil, err
	}
	return s.UpdateTenantSpec(ctx, p.Spec(h))
}

// Install registers the initial tenants. Any invalid snapshot or
// duplicate host fails the whole call.
func (s *Server) Install(ctx context.Context, tenants []Tenant) error {
	for _, t := range tenants {
		if t.Snapshot == nil {
			return fmt.Errorf("tenant %s: no snapshot", t.Host)
		}
		err := s.install(ctx, t.Host, t.Snapshot, false)
		s.metrics.TenantUpdated(t.Snapshot.Host(), err)
		if err != nil {
			return fmt.Errorf("installing tenant %s: %w", t.Host, err)
		}
	}
	return nil
}

// Boot installs the tenants named in the config from their project
// directories. With a store, hosts whose project cannot be loaded fall
// back to their last saved snapshot, and saved hosts missing from the
// config are restored too.
func (s *Server) Boot(ctx context.Context) error {
	saved := map[string]store.Record{}
	if s.store != nil {
		recs, err := s.store.Latest(ctx)
		if err != nil {
			return err
		}
		for _, r := range recs {
			saved[r.Host] = r
		}
	}

	for _, t := range s.cfg.Tenants {
		if err := s.SetProject(t.Host, t.Project); err != nil {
			return err
		}
		host, _ := routing.NormalizeHost(t.Host)
		snap, err := s.ReloadTenant(ctx, host)
		if err == nil {
			delete(saved, snap.Host())
			continue
		}
		rec, ok := saved[host]
		if !ok {
			return fmt.Errorf("loading tenant %s: %w", host, err)
		}
		s.logger.Warn("project failed to load, restoring saved snapshot", "host", host, "version", rec.Version, "error", err)
	}

	for host, rec := range saved {
		if _, err := s.UpdateTenantSpec(ctx, rec.Spec()); err != nil {
			return fmt.Errorf("restoring tenant %s: %w", host, err)
		}
	}
	return nil
}

// Tenants implements admin.Backend.
func (s *Server) Tenants() []admin.TenantInfo {
	out := []admin.TenantInfo{}
	for _, h := range s.registry.Hosts() {
		if snap, ok := s.registry.Current(h); ok {
			out = append(out, admin.Info(snap))
		}
	}
	return out
}

// Tenant implements admin.Backend.
func (s *Server) Tenant(host string) (admin.TenantInfo, bool) {
	snap, ok := s.registry.Current(host)
	if !ok {
		return admin.TenantInfo{}, false
	}
	return admin.Info(snap), true
}

// SandboxStats implements admin.Backend.
func (s *Server) SandboxStats() []sandbox.PoolStats { return s.sandbox.Stats() }

// Start installs tenants, binds port and serves until ctx is done or a
// listener fails. The admin API is served too when configured.
func (s *Server) Start(ctx context.Context, port int, tenants []Tenant) error {
	if err := s.Install(ctx, tenants); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("binding port %d: %w", port, err)
	}
	var adminLn net.Listener
	if s.cfg.AdminListen != "" {
		adminLn, err = net.Listen("tcp", s.cfg.AdminListen)
		if err != nil {
			ln.Close()
			return fmt.Errorf("binding admin listener %s: %w", s.cfg.AdminListen, err)
		}
	}
	return s.Serve(ctx, ln, adminLn)
}

// Serve serves dispatch on ln, and the admin API on adminLn when it is
// non-nil, until ctx is done.
func (s *Server) Serve(ctx context.Context, ln, adminLn net.Listener) error {
	errc := make(chan error, 2)
	s.serve(ln, s.handler, errc)
	s.logger.Info("dispatcher listening", "addr", ln.Addr().String(), "engine", s.sandbox.EngineName())
	if adminLn != nil {
		s.serve(adminLn, s.admin, errc)
		s.logger.Info("admin listening", "addr", adminLn.Addr().String())
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	return err
}

func (s *Server) serve(ln net.Listener, h http.Handler, errc chan<- error) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
}

// Shutdown drains the listeners, then disposes every sandbox pool and
// closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.sandbox.Shutdown()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
