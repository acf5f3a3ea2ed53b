package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gofrs/uuid/v5"
)

// RequestIDHeader carries the request id on both request and response.
const RequestIDHeader = "X-Request-Id"

// ServerTimeHeader carries the dispatch time in microseconds.
const ServerTimeHeader = "Server-Time"

// RequestID keeps an inbound x-request-id or assigns a UUIDv7, and echoes
// it on the response.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				if u, err := uuid.NewV7(); err == nil {
					id = u.String()
					r.Header.Set(RequestIDHeader, id)
				}
			}
			if id != "" {
				w.Header().Set(RequestIDHeader, id)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServerTime stamps the time spent before headers were written.
func ServerTime() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			hw := &hookWriter{ResponseWriter: w, before: func(h http.Header) {
				h.Set(ServerTimeHeader, strconv.FormatInt(time.Since(start).Microseconds(), 10))
			}}
			next.ServeHTTP(hw, r)
			hw.ensure()
		})
	}
}

// AccessLog logs one line per request once the response is sent.
func AccessLog(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("access")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			t := TraceFrom(r.Context())
			attrs := []any{
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", rec.Status(),
				"bytes", rec.size,
				"duration", time.Since(start),
				"stage", t.Stage().String(),
			}
			if v := t.Version(); v != "" {
				attrs = append(attrs, "tenant", t.Tenant(), "version", v, "handler", t.Handler(), "cold", t.ColdStart())
			}
			if id := r.Header.Get(RequestIDHeader); id != "" {
				attrs = append(attrs, "request_id", id)
			}
			level := slog.LevelInfo
			if rec.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// Recover turns a panic below it into a 500 and keeps the server running.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusWriter{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}
				err := fmt.Errorf("panic: %v", v)
				logger.Error("recovered from panic", "path", r.URL.Path, "error", err)
				TraceFrom(r.Context()).fail(http.StatusInternalServerError, err)
				if !rec.wrote {
					WriteError(rec, http.StatusInternalServerError, err)
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// Compression brotli-encodes bodies of at least threshold bytes when the
// client accepts br. Responses are buffered to measure them.
func Compression(threshold int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !acceptsBrotli(r.Header.Get("Accept-Encoding")) || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			buf := &bufferWriter{header: w.Header()}
			next.ServeHTTP(buf, r)
			buf.flush(w, threshold)
		})
	}
}

func acceptsBrotli(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "br") {
			continue
		}
		if q, ok := strings.CutPrefix(strings.ReplaceAll(params, " ", ""), "q="); ok {
			if f, err := strconv.ParseFloat(q, 64); err == nil && f == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// statusWriter records the status and size written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
	wrote  bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if !s.wrote {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

func (s *statusWriter) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// hookWriter runs before once, right before headers go out.
type hookWriter struct {
	http.ResponseWriter
	before func(http.Header)
	done   bool
}

func (h *hookWriter) fire() {
	if !h.done {
		h.done = true
		h.before(h.Header())
	}
}

func (h *hookWriter) WriteHeader(code int) {
	h.fire()
	h.ResponseWriter.WriteHeader(code)
}

func (h *hookWriter) Write(b []byte) (int, error) {
	h.fire()
	return h.ResponseWriter.Write(b)
}

// ensure writes an empty 200 if the handler wrote nothing.
func (h *hookWriter) ensure() {
	if !h.done {
		h.WriteHeader(http.StatusOK)
	}
}

func (h *hookWriter) Unwrap() http.ResponseWriter { return h.ResponseWriter }

type bufferWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferWriter) Header() http.Header { return b.header }

func (b *bufferWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferWriter) flush(w http.ResponseWriter, threshold int) {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	h := w.Header()
	body := b.body.Bytes()
	h.Add("Vary", "Accept-Encoding")
	if len(body) >= threshold && len(body) > 0 && h.Get("Content-Encoding") == "" {
		var out bytes.Buffer
		bw := brotli.NewWriter(&out)
		if _, err := bw.Write(body); err == nil && bw.Close() == nil {
			body = out.Bytes()
			h.Set("Content-Encoding", "br")
		}
	}
	if len(body) > 0 || h.Get("Content-Length") != "" {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Chain composes middleware, first outermost.
func Chain(mw ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(mw) - 1; i >= 0; i-- {
			h = mw[i](h)
		}
		return h
	}
}
