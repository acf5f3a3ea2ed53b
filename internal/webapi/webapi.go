package webapi

import (
	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/eventloop"
)

// SetupFunc installs one group of globals into a fresh context.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// DefaultSetup returns the globals every sandbox context gets, in order.
func DefaultSetup() []SetupFunc {
	return []SetupFunc{
		SetupConsole,
		SetupTimers,
		SetupEncoding,
	}
}
