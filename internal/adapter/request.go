package adapter

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cryguy/dispatch/internal/core"
)

// BuildRequest converts an inbound HTTP request and its route captures into
// the object handed to a handler. Query keys keep their last value, header
// names are lowercased with repeated values joined by ", ", and a body that
// is empty or not valid UTF-8 is left absent.
func BuildRequest(r *http.Request, params map[string]string, maxBody int64) (*core.Req, error) {
	query := flattenQuery(r.URL.RawQuery)

	body, err := readBody(r.Body, maxBody)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = map[string]string{}
	}

	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}

	return &core.Req{
		Method:  r.Method,
		URL:     uri,
		Query:   query,
		Params:  params,
		Headers: flattenHeaders(r),
		Body:    body,
	}, nil
}

// flattenQuery splits raw on '&' only. Keys and values that do not
// unescape cleanly are kept as written.
func flattenQuery(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		out[unescapeQuery(k)] = unescapeQuery(v)
	}
	return out
}

func unescapeQuery(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func flattenHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header)+1)
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var kept []string
		for _, v := range r.Header[name] {
			if utf8.ValidString(v) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			continue
		}
		key := strings.ToLower(name)
		if prev, ok := out[key]; ok {
			out[key] = prev + ", " + strings.Join(kept, ", ")
		} else {
			out[key] = strings.Join(kept, ", ")
		}
	}
	if r.Host != "" {
		out["host"] = r.Host
	}
	return out
}

func readBody(rc io.ReadCloser, maxBody int64) (*string, error) {
	if rc == nil || rc == http.NoBody {
		return nil, nil
	}
	defer rc.Close()

	reader := io.Reader(rc)
	if maxBody > 0 {
		reader = io.LimitReader(rc, maxBody+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, tooLarge(mbe.Limit)
		}
		return nil, core.Errorf(core.ErrRequestAdaptation, "reading body: %v", err)
	}
	if maxBody > 0 && int64(len(data)) > maxBody {
		return nil, tooLarge(maxBody)
	}
	if len(data) == 0 || !utf8.Valid(data) {
		return nil, nil
	}
	s := string(data)
	return &s, nil
}

func tooLarge(limit int64) error {
	e := core.Errorf(core.ErrRequestAdaptation, "body exceeds %d bytes", limit)
	e.TooLarge = true
	return e
}
