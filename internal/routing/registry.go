package routing

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/cryguy/dispatch/internal/core"
)

// NormalizeHost lowercases a Host header value, strips any port and
// trailing dot, and converts internationalized names to ASCII. ASCII
// names are otherwise taken as they are.
func NormalizeHost(raw string) (string, error) {
	h := strings.TrimSpace(raw)
	if h == "" {
		return "", fmt.Errorf("empty host")
	}
	if strings.HasPrefix(h, "[") {
		// IPv6 literal, possibly with port.
		end := strings.IndexByte(h, ']')
		if end < 0 {
			return "", fmt.Errorf("malformed host %q", raw)
		}
		return strings.ToLower(h[:end+1]), nil
	}
	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		if strings.Count(h, ":") > 1 {
			// bare IPv6 without brackets
			return "[" + strings.ToLower(h) + "]", nil
		}
		h = h[:i]
	}
	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return "", fmt.Errorf("malformed host %q", raw)
	}
	if ip := net.ParseIP(h); ip != nil {
		return h, nil
	}
	if isASCII(h) {
		if strings.ContainsAny(h, " \t/\\@?#") {
			return "", fmt.Errorf("malformed host %q", raw)
		}
		return strings.ToLower(h), nil
	}
	ascii, err := hostProfile.ToASCII(h)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// hostProfile maps internationalized names without the STD3 rules, so
// labels like tenant_a stay valid next to non-ASCII ones.
var hostProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false))

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// TenantRegistry maps normalized hosts to their routers. Hosts are only
// ever added or updated in place; routers are never removed.
type TenantRegistry struct {
	routers sync.Map // host -> *SwappableRouter
	retire  RetireFunc
}

// NewTenantRegistry creates an empty registry. retire is passed to every
// router and may be nil.
func NewTenantRegistry(retire RetireFunc) *TenantRegistry {
	return &TenantRegistry{retire: retire}
}

// Resolve returns the router for a raw Host header value.
func (tr *TenantRegistry) Resolve(rawHost string) (*SwappableRouter, error) {
	host, err := NormalizeHost(rawHost)
	if err != nil {
		return nil, core.Errorf(core.ErrHostNotFound, "%q", rawHost)
	}
	v, ok := tr.routers.Load(host)
	if !ok {
		return nil, core.Errorf(core.ErrHostNotFound, "%s", host)
	}
	return v.(*SwappableRouter), nil
}

// Register adds a new host. It fails if the host is already present.
func (tr *TenantRegistry) Register(host string, snap *AppRouter) error {
	h, err := tr.checkHost(host, snap)
	if err != nil {
		return err
	}
	if _, loaded := tr.routers.LoadOrStore(h, NewSwappableRouter(snap, tr.retire)); loaded {
		return fmt.Errorf("host %s already registered", h)
	}
	return nil
}

// Upsert installs snap for host, creating the router if needed. It returns
// the replaced snapshot, or nil when the host is new.
func (tr *TenantRegistry) Upsert(host string, snap *AppRouter) (*AppRouter, error) {
	h, err := tr.checkHost(host, snap)
	if err != nil {
		return nil, err
	}
	v, loaded := tr.routers.LoadOrStore(h, NewSwappableRouter(snap, tr.retire))
	if !loaded {
		return nil, nil
	}
	return v.(*SwappableRouter).Update(snap), nil
}

// Current returns the installed snapshot for host, if any.
func (tr *TenantRegistry) Current(host string) (*AppRouter, bool) {
	h, err := NormalizeHost(host)
	if err != nil {
		return nil, false
	}
	v, ok := tr.routers.Load(h)
	if !ok {
		return nil, false
	}
	return v.(*SwappableRouter).Current(), true
}

// Hosts returns the registered hosts in sorted order.
func (tr *TenantRegistry) Hosts() []string {
	var out []string
	tr.routers.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (tr *TenantRegistry) checkHost(host string, snap *AppRouter) (string, error) {
	if snap == nil {
		return "", fmt.Errorf("nil snapshot for host %q", host)
	}
	h, err := NormalizeHost(host)
	if err != nil {
		return "", err
	}
	if h != snap.Host() {
		return "", fmt.Errorf("snapshot for %s registered under host %s", snap.Host(), h)
	}
	return h, nil
}
