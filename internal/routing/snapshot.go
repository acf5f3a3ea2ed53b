package routing

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cryguy/dispatch/internal/core"
)

// RouteSpec is a route as declared in configuration or over the admin API.
type RouteSpec struct {
	Method  string `json:"method" yaml:"method" toml:"method"`
	Path    string `json:"path" yaml:"path" toml:"path"`
	Handler string `json:"handler" yaml:"handler" toml:"handler"`
}

// Spec is the input to Build.
type Spec struct {
	Host    string
	Routes  []RouteSpec
	Code    string
	Exports []string // export names of Code; nil skips the handler check
	Version string   // derived from content when empty
}

// AppRouter is an immutable snapshot of one tenant: its routes, its script
// bundle and the version that identifies the pair.
type AppRouter struct {
	host      string
	version   string
	code      string
	table     *RouteTable
	exports   []string
	createdAt time.Time
}

// Build validates spec and returns a snapshot. It fails on malformed or
// duplicate routes, an empty bundle, or a handler the bundle does not
// export.
func Build(spec Spec) (*AppRouter, error) {
	host, err := NormalizeHost(spec.Host)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Code) == "" {
		return nil, fmt.Errorf("tenant %s: empty script bundle", host)
	}

	entries := make([]RouteEntry, 0, len(spec.Routes))
	for _, r := range spec.Routes {
		e, err := NewRouteEntry(r.Method, r.Path, r.Handler)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", host, err)
		}
		entries = append(entries, e)
	}
	table, err := NewRouteTable(entries...)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", host, err)
	}

	if spec.Exports != nil {
		for _, h := range table.Handlers() {
			if !slices.Contains(spec.Exports, h) {
				return nil, fmt.Errorf("tenant %s: handler %q is not exported by the bundle", host, h)
			}
		}
	}

	version := spec.Version
	if version == "" {
		version = ContentVersion(spec.Code, spec.Routes)
	}

	return &AppRouter{
		host:      host,
		version:   version,
		code:      spec.Code,
		table:     table,
		exports:   slices.Clone(spec.Exports),
		createdAt: time.Now(),
	}, nil
}

// ContentVersion hashes a bundle and its routes into a 16 hex digit id.
func ContentVersion(code string, routes []RouteSpec) string {
	d := xxhash.New()
	_, _ = d.WriteString(code)
	for _, r := range routes {
		_, _ = fmt.Fprintf(d, "\x00%s %s %s", strings.ToUpper(r.Method), r.Path, r.Handler)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

func (a *AppRouter) Host() string         { return a.host }
func (a *AppRouter) Version() string      { return a.version }
func (a *AppRouter) Code() string         { return a.code }
func (a *AppRouter) Routes() *RouteTable  { return a.table }
func (a *AppRouter) CreatedAt() time.Time { return a.createdAt }

// Exports returns the bundle's export names, or nil if they were not given.
func (a *AppRouter) Exports() []string { return slices.Clone(a.exports) }

// Bundle returns the sandbox key and code for this snapshot.
func (a *AppRouter) Bundle() core.Bundle {
	return core.Bundle{Host: a.host, Version: a.version, Code: a.code}
}

// Match resolves a request against the snapshot's routes.
func (a *AppRouter) Match(method, escapedPath string) (*MatchResult, error) {
	return a.table.Match(method, escapedPath)
}

// RouteSpecs returns the routes in their declared form.
func (a *AppRouter) RouteSpecs() []RouteSpec {
	entries := a.table.Entries()
	out := make([]RouteSpec, len(entries))
	for i, e := range entries {
		out[i] = RouteSpec{Method: string(e.Method), Path: e.Pattern.String(), Handler: e.Handler}
	}
	return out
}
