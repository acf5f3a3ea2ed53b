package core

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// InvocationState holds per-invocation mutable state. The sandbox sets it
// before calling into JS and clears it after.
type InvocationState struct {
	Host    string
	Version string
	Handler string

	mu   sync.Mutex
	Logs []LogEntry
}

var (
	invocationCounter atomic.Uint64
	invocationStates  sync.Map // uint64 -> *InvocationState
)

// NewInvocationState registers state for one handler call and returns its ID.
func NewInvocationState(host, version, handler string) uint64 {
	id := invocationCounter.Add(1)
	invocationStates.Store(id, &InvocationState{
		Host:    host,
		Version: version,
		Handler: handler,
	})
	return id
}

// GetInvocationState returns the state for the given ID, or nil.
func GetInvocationState(id uint64) *InvocationState {
	v, ok := invocationStates.Load(id)
	if !ok {
		return nil
	}
	return v.(*InvocationState)
}

// ClearInvocationState removes the state for the given ID and returns it.
func ClearInvocationState(id uint64) *InvocationState {
	v, ok := invocationStates.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return v.(*InvocationState)
}

// AddLog appends a log entry to the state identified by id. Entries past
// MaxLogEntries are dropped and messages are truncated to MaxLogMessageSize.
func AddLog(id uint64, level, message string) {
	state := GetInvocationState(id)
	if state == nil {
		return
	}
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize] + "...(truncated)"
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.Logs) >= MaxLogEntries {
		return
	}
	state.Logs = append(state.Logs, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// ParseInvocationID parses the decimal ID stored in globalThis.__requestID.
func ParseInvocationID(s string) uint64 {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
