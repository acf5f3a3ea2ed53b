package webapi

import (
	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/eventloop"
)

// consoleJS builds a console object whose methods forward to __console.
// Objects are rendered with JSON.stringify where possible.
const consoleJS = `
(function() {
	function render(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return String(arg);
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return '[object Object]'; }
		}
		return String(arg);
	}
	var con = {};
	['log', 'info', 'warn', 'error', 'debug'].forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) parts.push(render(arguments[j]));
			__console(String(globalThis.__requestID || ''), lvl, parts.join(' '));
		};
	});
	con.trace = con.debug;
	con.assert = function(cond) {
		if (cond) return;
		var rest = Array.prototype.slice.call(arguments, 1);
		con.error.apply(null, ['Assertion failed'].concat(rest));
	};
	globalThis.console = con;
})();
`

// SetupConsole replaces globalThis.console with a Go-backed version that
// captures output into the per-invocation log buffer.
func SetupConsole(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__console", func(reqID, level, message string) {
		core.AddLog(core.ParseInvocationID(reqID), level, message)
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}
