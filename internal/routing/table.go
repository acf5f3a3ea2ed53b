package routing

import (
	"fmt"

	"github.com/cryguy/dispatch/internal/core"
)

// MatchResult is the outcome of a successful route lookup.
type MatchResult struct {
	Entry  RouteEntry
	Params map[string]string
}

// RouteTable is an immutable, ordered list of routes. Lookups scan in
// registration order and the first match wins.
type RouteTable struct {
	entries []RouteEntry
}

// NewRouteTable builds a table, rejecting any two entries with the same
// method and the same pattern shape.
func NewRouteTable(entries ...RouteEntry) (*RouteTable, error) {
	seen := make(map[string]RouteEntry, len(entries))
	for _, e := range entries {
		key := string(e.Method) + " " + e.Pattern.canonical()
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate route %s %s (conflicts with %s)", e.Method, e.Pattern, prev.Pattern)
		}
		seen[key] = e
	}
	out := make([]RouteEntry, len(entries))
	copy(out, entries)
	return &RouteTable{entries: out}, nil
}

// Match returns the first route whose method equals method and whose
// pattern matches escapedPath.
func (t *RouteTable) Match(method, escapedPath string) (*MatchResult, error) {
	if t != nil {
		for _, e := range t.entries {
			if string(e.Method) != method {
				continue
			}
			if params, ok := e.Pattern.match(escapedPath); ok {
				if params == nil {
					params = map[string]string{}
				}
				return &MatchResult{Entry: e, Params: params}, nil
			}
		}
	}
	return nil, core.Errorf(core.ErrRouteNotFound, "%s %s", method, escapedPath)
}

// Entries returns a copy of the table's routes in registration order.
func (t *RouteTable) Entries() []RouteEntry {
	if t == nil {
		return nil
	}
	out := make([]RouteEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Handlers returns the distinct handler names referenced by the table.
func (t *RouteTable) Handlers() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range t.entries {
		if !seen[e.Handler] {
			seen[e.Handler] = true
			out = append(out, e.Handler)
		}
	}
	return out
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
