//go:build !v8

package webapi_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/eventloop"
	"github.com/cryguy/dispatch/internal/quickjs"
	"github.com/cryguy/dispatch/internal/webapi"
)

func loadScript(t *testing.T, source string) (core.JSRuntime, *eventloop.EventLoop) {
	t.Helper()
	ctx, err := quickjs.Engine{}.NewContext(32)
	require.NoError(t, err)
	t.Cleanup(ctx.Close)

	rt := ctx.Runtime()
	el := eventloop.New()
	for _, setup := range webapi.DefaultSetup() {
		require.NoError(t, setup(rt, el))
	}
	wrapped, err := webapi.WrapESModule(source)
	require.NoError(t, err)
	require.NoError(t, webapi.LoadModule(rt, wrapped))
	return rt, el
}

func TestWrapESModuleExposesNamespace(t *testing.T) {
	rt, _ := loadScript(t, `
		export function greet() { return 1; }
		export default { other() {} };
	`)
	ok, err := rt.EvalBool("typeof globalThis.__worker_module__.greet === 'function'")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := webapi.Exports(rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"greet", "other"}, names)

	_, err = webapi.WrapESModule(`export function (`)
	assert.ErrorContains(t, err, "parsing script")
}

func invoke(t *testing.T, rt core.JSRuntime, el *eventloop.EventLoop, handler string, req *core.Req) (*core.Res, []core.LogEntry, error) {
	t.Helper()
	id := core.NewInvocationState("a.test", "v1", handler)
	defer func() { _ = webapi.EndInvocation(rt, el) }()

	require.NoError(t, webapi.BeginInvocation(rt, id, req))
	err := webapi.CallHandler(rt, handler)
	if err == nil {
		err = webapi.AwaitValue(rt, "__call_result", time.Now().Add(time.Second), el)
	}
	var res *core.Res
	if err == nil {
		res, err = webapi.ReadResponse(rt)
	}
	state := core.ClearInvocationState(id)
	return res, state.Logs, err
}

func TestWrapESModuleSyntaxError(t *testing.T) {
	_, err := webapi.WrapESModule("export function (")
	assert.ErrorContains(t, err, "parsing script")
}

func TestExportsNamedAndDefault(t *testing.T) {
	rt, _ := loadScript(t, `
		export function greet() {}
		export const notAFunction = 1;
		export default { fallback() {}, greet() {} };
	`)
	names, err := webapi.Exports(rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"greet", "fallback"}, names)

	ok, err := webapi.HasHandler(rt, "fallback")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = webapi.HasHandler(rt, "notAFunction")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvokeSyncHandler(t *testing.T) {
	rt, el := loadScript(t, `
		export function greet(req) {
			console.log('greeting', req.params.name, { q: req.query.a });
			return { status: 200, headers: { 'x-n': 1 }, body: 'Hello, ' + req.params.name };
		}
	`)
	res, logs, err := invoke(t, rt, el, "greet", &core.Req{
		Method: "GET",
		URL:    "/hello/world",
		Query:  map[string]string{"a": "2"},
		Params: map[string]string{"name": "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "1", res.Headers["x-n"])
	require.NotNil(t, res.Body)
	assert.Equal(t, "Hello, world", *res.Body)

	require.Len(t, logs, 1)
	assert.Equal(t, "log", logs[0].Level)
	assert.Equal(t, `greeting world {"q":"2"}`, logs[0].Message)
}

func TestInvokeAsyncHandlerWithTimer(t *testing.T) {
	rt, el := loadScript(t, `
		export async function slow(req) {
			await new Promise(function(resolve) { setTimeout(resolve, 5); });
			return { body: btoa('ok') };
		}
	`)
	res, _, err := invoke(t, rt, el, "slow", &core.Req{Method: "GET"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Status)
	assert.Equal(t, "b2s=", *res.Body)
}

func TestInvokeErrors(t *testing.T) {
	rt, el := loadScript(t, `
		export function boom() { throw new Error('kaboom'); }
		export async function reject() { throw new Error('nope'); }
		export function bad() { return 42; }
		export function badBody() { return { body: { a: 1 } }; }
	`)

	_, _, err := invoke(t, rt, el, "boom", &core.Req{})
	assert.ErrorContains(t, err, "kaboom")

	_, _, err = invoke(t, rt, el, "reject", &core.Req{})
	assert.ErrorContains(t, err, "promise rejected")

	_, _, err = invoke(t, rt, el, "bad", &core.Req{})
	assert.ErrorContains(t, err, "malformed response")

	_, _, err = invoke(t, rt, el, "badBody", &core.Req{})
	assert.ErrorContains(t, err, "body must be a string")

	_, _, err = invoke(t, rt, el, "missing", &core.Req{})
	assert.ErrorContains(t, err, "not an exported function")

	// the context still serves after failures
	ok, err := webapi.HasHandler(rt, "boom")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAwaitValueTimesOut(t *testing.T) {
	rt, el := loadScript(t, `export function never() { return new Promise(function() {}); }`)
	id := core.NewInvocationState("a.test", "v1", "never")
	defer core.ClearInvocationState(id)
	require.NoError(t, webapi.BeginInvocation(rt, id, &core.Req{}))
	require.NoError(t, webapi.CallHandler(rt, "never"))
	err := webapi.AwaitValue(rt, "__call_result", time.Now().Add(20*time.Millisecond), el)
	assert.True(t, webapi.IsPromiseTimeout(err))
}

func TestEndInvocationClearsGlobals(t *testing.T) {
	rt, el := loadScript(t, `export function h(req) { setTimeout(function(){}, 100000); return {}; }`)
	_, _, err := invoke(t, rt, el, "h", &core.Req{})
	require.NoError(t, err)
	assert.False(t, el.HasPending())
	gone, err := rt.EvalBool("typeof globalThis.__req === 'undefined' && typeof globalThis.__requestID === 'undefined'")
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestLoadModuleWithoutExports(t *testing.T) {
	ctx, err := quickjs.Engine{}.NewContext(16)
	require.NoError(t, err)
	defer ctx.Close()
	wrapped, err := webapi.WrapESModule(`var x = 1;`)
	require.NoError(t, err)
	assert.Error(t, webapi.LoadModule(ctx.Runtime(), wrapped))
}
