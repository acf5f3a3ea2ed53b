package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// Stage is a step of the per-request state machine.
type Stage int

const (
	Received Stage = iota
	HostResolved
	RouteMatched
	Adapted
	Invoked
	ResponseBuilt
	Sent
	Errored
)

var stageNames = [...]string{
	Received:      "received",
	HostResolved:  "host_resolved",
	RouteMatched:  "route_matched",
	Adapted:       "adapted",
	Invoked:       "invoked",
	ResponseBuilt: "response_built",
	Sent:          "sent",
	Errored:       "errored",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool { return s == Sent || s == Errored }

// UnknownTenant labels requests whose host never resolved.
const UnknownTenant = "unknown"

// Trace records how far a request got through dispatch. Middleware reads
// it after the inner handler returns.
type Trace struct {
	mu        sync.Mutex
	stage     Stage
	host      string
	version   string
	handler   string
	status    int
	coldStart bool
	err       error
}

// advance moves to the next stage. Only the successor of the current
// stage or Errored is accepted; anything else reports false.
func (t *Trace) advance(to Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stage.Terminal() {
		return false
	}
	if to != Errored && to != t.stage+1 {
		return false
	}
	t.stage = to
	return true
}

func (t *Trace) fail(status int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stage.Terminal() {
		return
	}
	t.stage = Errored
	t.status = status
	t.err = err
}

func (t *Trace) resolved(host, version string) {
	t.mu.Lock()
	t.host, t.version = host, version
	t.mu.Unlock()
	t.advance(HostResolved)
}

func (t *Trace) matched(handler string) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	t.advance(RouteMatched)
}

func (t *Trace) sent(status int) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	t.advance(Sent)
}

func (t *Trace) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Tenant returns the resolved host, or UnknownTenant.
func (t *Trace) Tenant() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == "" {
		return UnknownTenant
	}
	return t.host
}

func (t *Trace) Version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

func (t *Trace) Handler() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Status is the status code sent, 0 until the response is written.
func (t *Trace) Status() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Trace) ColdStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.coldStart
}

// Err is the failure that moved the request to Errored.
func (t *Trace) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

type traceKey struct{}

func withTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// TraceFrom returns the request's trace. Outside a pipeline it returns a
// fresh trace so callers never see nil.
func TraceFrom(ctx context.Context) *Trace {
	if t, ok := ctx.Value(traceKey{}).(*Trace); ok {
		return t
	}
	return &Trace{}
}
