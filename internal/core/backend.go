package core

// Engine creates isolated JS contexts for one backend (QuickJS or V8).
// The backend is picked at build time with the v8 tag.
type Engine interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// NewContext creates an empty context limited to memoryLimitMB
	// (0 means the engine default).
	NewContext(memoryLimitMB int) (ExecContext, error)
}

// ExecContext is one JS context. It is used by a single goroutine at a
// time; only Interrupt may be called concurrently.
type ExecContext interface {
	Runtime() JSRuntime

	// Interrupt aborts the script currently running, if any. A context
	// that was interrupted must be closed, not reused.
	Interrupt()

	Close()
}
