package adapter

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/cryguy/dispatch/internal/core"
)

// Headers the server owns; values a handler sets for these are dropped.
var reservedHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
	"keep-alive":        true,
	"upgrade":           true,
	"trailer":           true,
}

// ValidateResponse checks a handler response before anything is written.
func ValidateResponse(res *core.Res) error {
	if res == nil {
		return core.Errorf(core.ErrScriptExecution, "handler returned no response")
	}
	status := res.StatusCode()
	if status < 200 || status > 599 {
		return core.Errorf(core.ErrScriptExecution, "invalid status %d", res.Status)
	}
	for k, v := range res.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return core.Errorf(core.ErrScriptExecution, "invalid header name %q", k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return core.Errorf(core.ErrScriptExecution, "invalid value for header %q", k)
		}
	}
	return nil
}

// WriteResponse validates res and writes it to w. Nothing is written when
// validation fails.
func WriteResponse(w http.ResponseWriter, res *core.Res) error {
	if err := ValidateResponse(res); err != nil {
		return err
	}
	status := res.StatusCode()

	names := make([]string, 0, len(res.Headers))
	for k := range res.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	h := w.Header()
	for _, k := range names {
		if reservedHeaders[strings.ToLower(k)] {
			continue
		}
		h.Set(k, res.Headers[k])
	}

	if !bodyAllowed(status) || res.Body == nil {
		if bodyAllowed(status) {
			h.Set("Content-Length", "0")
		}
		w.WriteHeader(status)
		return nil
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	}
	h.Set("Content-Length", strconv.Itoa(len(*res.Body)))
	w.WriteHeader(status)
	_, _ = w.Write([]byte(*res.Body))
	return nil
}

func bodyAllowed(status int) bool {
	return status != http.StatusNoContent && status != http.StatusNotModified
}
