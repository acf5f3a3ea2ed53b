package webapi

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/eventloop"
)

// btoa encodes a Latin-1 string. Code points above 0xFF are rejected.
func btoa(s string) (string, error) {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return "", fmt.Errorf("string contains characters outside of the Latin1 range")
		}
		buf = append(buf, byte(r))
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// atob decodes base64 into a Latin-1 string, ignoring ASCII whitespace and
// accepting missing padding.
func atob(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	data, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid base64 string")
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}

// SetupEncoding registers global atob() and btoa().
func SetupEncoding(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__btoa", btoa); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__atob", atob); err != nil {
		return err
	}
	return rt.Eval(`
		globalThis.btoa = function(data) { return __btoa(String(data)); };
		globalThis.atob = function(data) { return __atob(String(data)); };
	`)
}
