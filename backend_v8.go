//go:build v8

package dispatch

import (
	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/v8engine"
)

func defaultEngine() core.Engine {
	return v8engine.Engine{}
}
