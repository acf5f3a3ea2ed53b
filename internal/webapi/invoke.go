package webapi

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/eventloop"
)

// globalThisCleanupJS removes per-invocation state from globalThis before
// a context is reused.
const globalThisCleanupJS = `
(function() {
	var perRequest = ['__requestID', '__req', '__req_json', '__call_result',
		'__awaited_result', '__awaited_state', '__res_json'];
	for (var i = 0; i < perRequest.length; i++) {
		try { delete globalThis[perRequest[i]]; } catch(e) {}
	}
	if (globalThis.__timerCallbacks) {
		globalThis.__timerCallbacks = {};
	}
})();
`

// LoadModule evaluates the wrapped script and installs the handler lookup.
func LoadModule(rt core.JSRuntime, wrapped string) error {
	if err := rt.Eval(wrapped); err != nil {
		return fmt.Errorf("evaluating script: %w", err)
	}
	ok, err := rt.EvalBool("typeof globalThis." + ModuleGlobal + " === 'object' && globalThis." + ModuleGlobal + " !== null")
	if err != nil || !ok {
		return fmt.Errorf("script did not produce a module namespace")
	}
	return rt.Eval(lookupJS)
}

// Exports returns the names of the callable exports of the loaded module.
func Exports(rt core.JSRuntime) ([]string, error) {
	s, err := rt.EvalString(exportsJS)
	if err != nil {
		return nil, fmt.Errorf("listing exports: %w", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(s), &names); err != nil {
		return nil, fmt.Errorf("decoding export list: %w", err)
	}
	return names, nil
}

// HasHandler reports whether name resolves to a callable export.
func HasHandler(rt core.JSRuntime, name string) (bool, error) {
	return rt.EvalBool(fmt.Sprintf("typeof globalThis.__lookupHandler(%s) === 'function'", jsString(name)))
}

// BeginInvocation tags the context with the invocation id and stores req
// as globalThis.__req.
func BeginInvocation(rt core.JSRuntime, id uint64, req *core.Req) error {
	if err := rt.SetGlobal("__requestID", strconv.FormatUint(id, 10)); err != nil {
		return fmt.Errorf("setting request ID: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := rt.SetGlobal("__req_json", string(data)); err != nil {
		return fmt.Errorf("passing request: %w", err)
	}
	return rt.Eval("globalThis.__req = JSON.parse(globalThis.__req_json); delete globalThis.__req_json;")
}

// CallHandler calls the named handler with globalThis.__req and stores the
// (possibly pending) return value in globalThis.__call_result.
func CallHandler(rt core.JSRuntime, name string) error {
	return rt.Eval(fmt.Sprintf(`(function() {
		var name = %s;
		var fn = globalThis.__lookupHandler(name);
		if (typeof fn !== 'function') {
			throw new TypeError('handler ' + JSON.stringify(name) + ' is not an exported function');
		}
		globalThis.__call_result = fn(globalThis.__req);
	})()`, jsString(name)))
}

// AwaitValue resolves a potentially-promise value stored in a global
// variable by pumping microtasks and timers until it settles or deadline
// passes. The global is replaced with the settled value.
func AwaitValue(rt core.JSRuntime, globalVar string, deadline time.Time, el *eventloop.EventLoop) error {
	isThenable, err := rt.EvalBool(fmt.Sprintf(
		"(function(v){ return v !== null && (typeof v === 'object' || typeof v === 'function') && typeof v.then === 'function'; })(globalThis.%s)",
		globalVar))
	if err != nil || !isThenable {
		return nil
	}

	if err := rt.Eval(fmt.Sprintf(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.%s).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, globalVar)); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		rt.RunMicrotasks()

		if el != nil && el.HasPending() {
			short := time.Now().Add(10 * time.Millisecond)
			if short.After(deadline) {
				short = deadline
			}
			if err := el.Drain(rt, short); err != nil {
				return err
			}
			rt.RunMicrotasks()
		}

		state, err := rt.EvalString("String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if state != "undefined" {
			break
		}
		if time.Now().After(deadline) {
			return errPromiseTimeout
		}
		runtime.Gosched()
	}

	state, _ := rt.EvalString("String(globalThis.__awaited_state)")
	if state == "rejected" {
		msg, _ := rt.EvalString("(function(e){ if (e instanceof Error) return String(e); try { return JSON.stringify(e); } catch (x) { return String(e); } })(globalThis.__awaited_result)")
		_ = rt.Eval("delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
		return fmt.Errorf("promise rejected: %s", msg)
	}

	return rt.Eval(fmt.Sprintf(
		"globalThis.%s = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;",
		globalVar))
}

// errPromiseTimeout is returned by AwaitValue when deadline passes first.
var errPromiseTimeout = fmt.Errorf("promise resolution timed out")

// IsPromiseTimeout reports whether err came from AwaitValue's deadline.
func IsPromiseTimeout(err error) bool { return err == errPromiseTimeout }

// readResponseJS validates the handler's settled return value and
// serializes it. Malformed values produce {"error": ...}.
const readResponseJS = `
(function() {
	var r = globalThis.__call_result;
	delete globalThis.__call_result;
	function fail(msg) { return JSON.stringify({ error: msg }); }
	if (r === null || r === undefined) return fail('handler returned ' + r + ', expected a response object');
	if (typeof r !== 'object' || Array.isArray(r)) return fail('handler returned ' + (Array.isArray(r) ? 'an array' : typeof r) + ', expected a response object');
	var out = { headers: {} };
	if (r.status !== undefined && r.status !== null) {
		if (typeof r.status !== 'number' || !Number.isInteger(r.status)) return fail('status must be an integer');
		out.status = r.status;
	}
	if (r.headers !== undefined && r.headers !== null) {
		if (typeof r.headers !== 'object' || Array.isArray(r.headers)) return fail('headers must be an object');
		var keys = Object.keys(r.headers);
		for (var i = 0; i < keys.length; i++) {
			var v = r.headers[keys[i]];
			if (v === undefined || v === null) continue;
			if (typeof v === 'object' || typeof v === 'function') return fail('header ' + JSON.stringify(keys[i]) + ' must be a string');
			out.headers[keys[i]] = String(v);
		}
	}
	if (r.body !== undefined && r.body !== null) {
		if (typeof r.body !== 'string') return fail('body must be a string, got ' + typeof r.body);
		out.body = r.body;
	}
	return JSON.stringify(out);
})()
`

// ReadResponse converts globalThis.__call_result into a core.Res.
func ReadResponse(rt core.JSRuntime) (*core.Res, error) {
	s, err := rt.EvalString(readResponseJS)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var out struct {
		core.Res
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("malformed response: %s", out.Error)
	}
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	return &out.Res, nil
}

// EndInvocation clears per-invocation globals and pending timers.
func EndInvocation(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if el != nil {
		el.Reset()
	}
	return rt.Eval(globalThisCleanupJS)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
