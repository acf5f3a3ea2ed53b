//go:build !v8

package dispatch

import (
	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/quickjs"
)

func defaultEngine() core.Engine {
	return quickjs.Engine{}
}
