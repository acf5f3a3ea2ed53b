//go:build !v8

package quickjs

import (
	"fmt"
	"sync"

	"github.com/cryguy/dispatch/internal/core"
	"modernc.org/quickjs"
)

// Engine creates QuickJS contexts. Each context owns its own VM and
// runtime, so contexts share no JS state.
type Engine struct{}

var _ core.Engine = Engine{}

// Name implements core.Engine.
func (Engine) Name() string { return "quickjs" }

// NewContext implements core.Engine.
func (Engine) NewContext(memoryLimitMB int) (core.ExecContext, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}
	return &qjsContext{vm: vm, rt: &qjsRuntime{vm: vm}}, nil
}

type qjsContext struct {
	vm   *quickjs.VM
	rt   *qjsRuntime
	once sync.Once
}

func (c *qjsContext) Runtime() core.JSRuntime { return c.rt }

func (c *qjsContext) Interrupt() { c.vm.Interrupt() }

func (c *qjsContext) Close() {
	c.once.Do(func() { c.vm.Close() })
}
