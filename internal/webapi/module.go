package webapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// ModuleGlobal is the global the wrapped module namespace is assigned to.
const ModuleGlobal = "__worker_module__"

// WrapESModule transforms an ES module into a classic script that assigns
// the module namespace to globalThis.__worker_module__. Named exports are
// properties of the namespace; a default export sits under .default.
func WrapESModule(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: "globalThis." + ModuleGlobal,
		Target:     api.ESNext,
		Sourcefile: "worker.js",
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("parsing script: %s", formatMessages(result.Errors))
	}
	return string(result.Code), nil
}

func formatMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
		} else {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "; ")
}

// exportsJS lists callable exports: own function-valued properties of the
// namespace, then those of a default export object not shadowed by a named
// export.
const exportsJS = `
(function() {
	var mod = globalThis.__worker_module__;
	var out = [];
	if (!mod) return JSON.stringify(out);
	var seen = {};
	Object.keys(mod).forEach(function(k) {
		if (k !== 'default' && typeof mod[k] === 'function') { out.push(k); seen[k] = true; }
	});
	var def = mod['default'];
	if (def && typeof def === 'object') {
		Object.keys(def).forEach(function(k) {
			if (!seen[k] && typeof def[k] === 'function') out.push(k);
		});
	}
	return JSON.stringify(out);
})()
`

// lookupJS resolves a handler by name: a named export first, then a
// property of the default export.
const lookupJS = `
globalThis.__lookupHandler = function(name) {
	var mod = globalThis.__worker_module__;
	if (!mod) return undefined;
	if (typeof mod[name] === 'function' && name !== 'default') return mod[name];
	var def = mod['default'];
	if (def && typeof def === 'object' && typeof def[name] === 'function') return def[name].bind(def);
	return undefined;
};
`

// ExportNames lists the export names of an ES module without running it,
// using the metafile of an esbuild pass. A default export appears as
// "default"; its members cannot be known statically.
func ExportNames(source string) ([]string, error) {
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   source,
			Sourcefile: "worker.js",
			Loader:     api.LoaderJS,
		},
		Outfile:  "worker.mjs",
		Format:   api.FormatESModule,
		Write:    false,
		Metafile: true,
	})
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("parsing script: %s", formatMessages(result.Errors))
	}

	var meta struct {
		Outputs map[string]struct {
			Exports []string `json:"exports"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("decoding metafile: %w", err)
	}
	var names []string
	for _, out := range meta.Outputs {
		names = append(names, out.Exports...)
	}
	sort.Strings(names)
	return names, nil
}
