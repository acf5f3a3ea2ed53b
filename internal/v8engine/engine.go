//go:build v8

package v8engine

import (
	"sync"

	"github.com/cryguy/dispatch/internal/core"
	v8 "github.com/tommie/v8go"
)

// Engine creates V8 contexts, one isolate per context.
type Engine struct{}

var _ core.Engine = Engine{}

// Name implements core.Engine.
func (Engine) Name() string { return "v8" }

// NewContext implements core.Engine.
func (Engine) NewContext(memoryLimitMB int) (core.ExecContext, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heap := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)
	return &v8Context{iso: iso, ctx: ctx, rt: &v8Runtime{iso: iso, ctx: ctx}}, nil
}

type v8Context struct {
	iso  *v8.Isolate
	ctx  *v8.Context
	rt   *v8Runtime
	once sync.Once
}

func (c *v8Context) Runtime() core.JSRuntime { return c.rt }

func (c *v8Context) Interrupt() { c.iso.TerminateExecution() }

func (c *v8Context) Close() {
	c.once.Do(func() {
		c.ctx.Close()
		c.iso.Dispose()
	})
}
