package routing

import (
	"fmt"
	"net/url"
	"strings"
)

// Method is an HTTP method a route can be bound to. Only the values below
// are valid; anything else fails ParseMethod.
type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
	MethodConnect Method = "CONNECT"
	MethodTrace   Method = "TRACE"
)

var methods = map[string]Method{
	"GET":     MethodGet,
	"HEAD":    MethodHead,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"PATCH":   MethodPatch,
	"DELETE":  MethodDelete,
	"OPTIONS": MethodOptions,
	"CONNECT": MethodConnect,
	"TRACE":   MethodTrace,
}

// ParseMethod parses a method name case-insensitively.
func ParseMethod(s string) (Method, error) {
	m, ok := methods[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unsupported method %q", s)
	}
	return m, nil
}

func (m Method) String() string { return string(m) }

type segmentKind uint8

const (
	segStatic segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind segmentKind
	text string // decoded literal for static segments, name otherwise
}

// Pattern is a parsed path pattern. Segments are separated by '/'; a
// segment is a literal, a named parameter (":id" or "{id}") matching exactly
// one non-empty segment, or a trailing wildcard ("*rest" or "{*rest}")
// matching the non-empty remainder of the path.
type Pattern struct {
	raw      string
	segments []segment
}

// ParsePattern validates and parses a route path pattern.
func ParsePattern(raw string) (Pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return Pattern{}, fmt.Errorf("pattern %q must start with '/'", raw)
	}
	p := Pattern{raw: raw}
	if raw == "/" {
		return p, nil
	}

	seen := make(map[string]bool)
	parts := strings.Split(raw[1:], "/")
	for i, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern %q: %w", raw, err)
		}
		if seg.kind != segStatic {
			if seen[seg.text] {
				return Pattern{}, fmt.Errorf("pattern %q: duplicate parameter %q", raw, seg.text)
			}
			seen[seg.text] = true
		}
		if seg.kind == segWildcard && i != len(parts)-1 {
			return Pattern{}, fmt.Errorf("pattern %q: wildcard %q must be the last segment", raw, seg.text)
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

func parseSegment(part string) (segment, error) {
	var kind segmentKind
	var name string
	switch {
	case strings.HasPrefix(part, "{*") && strings.HasSuffix(part, "}"):
		kind, name = segWildcard, part[2:len(part)-1]
	case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
		kind, name = segParam, part[1:len(part)-1]
	case strings.HasPrefix(part, ":"):
		kind, name = segParam, part[1:]
	case strings.HasPrefix(part, "*"):
		kind, name = segWildcard, part[1:]
	default:
		if strings.ContainsAny(part, "{}") {
			return segment{}, fmt.Errorf("unbalanced braces in segment %q", part)
		}
		return segment{kind: segStatic, text: unescape(part)}, nil
	}
	if !validParamName(name) {
		return segment{}, fmt.Errorf("invalid parameter name %q", name)
	}
	return segment{kind: kind, text: name}, nil
}

func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// canonical erases parameter names so that "/u/:id" and "/u/{name}" compare
// equal.
func (p Pattern) canonical() string {
	var b strings.Builder
	for _, s := range p.segments {
		b.WriteByte('/')
		switch s.kind {
		case segStatic:
			b.WriteString(s.text)
		case segParam:
			b.WriteString("{}")
		case segWildcard:
			b.WriteString("{*}")
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// match reports whether escapedPath matches the pattern and returns the
// percent-decoded captures. The path is split on its escaped form, so an
// encoded slash never ends a segment; literals compare decoded.
func (p Pattern) match(escapedPath string) (map[string]string, bool) {
	if !strings.HasPrefix(escapedPath, "/") {
		return nil, false
	}
	if len(p.segments) == 0 {
		return nil, escapedPath == "/"
	}

	rest := escapedPath[1:]
	var params map[string]string
	for i, seg := range p.segments {
		if seg.kind == segWildcard {
			if rest == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.text] = unescape(rest)
			return params, true
		}

		var part string
		last := i == len(p.segments)-1
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			if last {
				return nil, false
			}
			part, rest = rest[:idx], rest[idx+1:]
		} else {
			if !last {
				return nil, false
			}
			part, rest = rest, ""
		}

		switch seg.kind {
		case segStatic:
			if unescape(part) != seg.text {
				return nil, false
			}
		case segParam:
			if part == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.text] = unescape(part)
		}
	}
	return params, true
}

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

// RouteEntry binds a method and path pattern to a handler export name.
type RouteEntry struct {
	Method  Method
	Pattern Pattern
	Handler string
}

// NewRouteEntry parses and validates a single route.
func NewRouteEntry(method, path, handler string) (RouteEntry, error) {
	m, err := ParseMethod(method)
	if err != nil {
		return RouteEntry{}, err
	}
	p, err := ParsePattern(path)
	if err != nil {
		return RouteEntry{}, err
	}
	if strings.TrimSpace(handler) == "" {
		return RouteEntry{}, fmt.Errorf("route %s %s: empty handler name", m, path)
	}
	return RouteEntry{Method: m, Pattern: p, Handler: handler}, nil
}

func (e RouteEntry) String() string {
	return fmt.Sprintf("%s %s -> %s", e.Method, e.Pattern, e.Handler)
}
