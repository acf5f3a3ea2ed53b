package core

import (
	"time"
)

// Req is the request object handed to a handler function. Field names are
// the JSON keys the script sees.
type Req struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Query   map[string]string `json:"query"`
	Params  map[string]string `json:"params"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body,omitempty"`
}

// Res is the value a handler returns. A zero Status means 200.
type Res struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body,omitempty"`
}

// StatusCode returns the effective HTTP status.
func (r *Res) StatusCode() int {
	if r.Status == 0 {
		return 200
	}
	return r.Status
}

// Bundle identifies one installed script version for one host. Contexts
// are pooled per (Host, Version).
type Bundle struct {
	Host    string
	Version string
	Code    string
}

// Result wraps a handler response with execution metadata.
type Result struct {
	Res       *Res
	Logs      []LogEntry
	Error     error
	Duration  time.Duration
	ColdStart bool // a new context was built for this invocation
}

// LogEntry is a single console call captured from a handler.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
