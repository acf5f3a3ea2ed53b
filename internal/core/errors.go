package core

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the dispatcher. Every error produced while
// serving a request matches exactly one of these via errors.Is.
var (
	ErrHostNotFound      = errors.New("host not found")
	ErrRouteNotFound     = errors.New("route not found")
	ErrRequestAdaptation = errors.New("bad request")
	ErrScriptInit        = errors.New("script init failed")
	ErrScriptExecution   = errors.New("script execution failed")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrHostNotFound, "host_not_found"},
	{ErrRouteNotFound, "route_not_found"},
	{ErrRequestAdaptation, "bad_request"},
	{ErrScriptInit, "script_init"},
	{ErrScriptExecution, "script_execution"},
	{ErrCapacityExceeded, "capacity_exceeded"},
}

// DispatchError is a classified dispatch failure.
type DispatchError struct {
	Kind     error // one of the Err* sentinels
	Msg      string
	Err      error
	Timeout  bool // execution deadline was hit
	TooLarge bool // request body over the configured limit
}

// Errorf builds a classified error. If the last argument is an error it
// becomes the cause returned by Unwrap.
func Errorf(kind error, format string, args ...any) *DispatchError {
	e := &DispatchError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	if n := len(args); n > 0 {
		if cause, ok := args[n-1].(error); ok {
			e.Err = cause
		}
	}
	return e
}

func (e *DispatchError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

// Is reports a match against the error's kind sentinel.
func (e *DispatchError) Is(target error) bool { return target == e.Kind }

func (e *DispatchError) Unwrap() error { return e.Err }

// KindOf returns the sentinel an error is classified under, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return nil
}

// KindName returns a stable snake_case label for err's kind, "ok" for nil
// and "internal" for unclassified errors.
func KindName(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// IsTimeout reports whether err is an execution failure caused by the
// execution deadline.
func IsTimeout(err error) bool {
	var e *DispatchError
	return errors.As(err, &e) && e.Timeout
}

// IsTooLarge reports whether err is an adaptation failure caused by the
// body size limit.
func IsTooLarge(err error) bool {
	var e *DispatchError
	return errors.As(err, &e) && e.TooLarge
}
