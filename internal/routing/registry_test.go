package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/dispatch/internal/core"
)

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a.example.com", "a.example.com"},
		{"A.Example.COM:8080", "a.example.com"},
		{"a.example.com.", "a.example.com"},
		{"127.0.0.1:80", "127.0.0.1"},
		{"[::1]:8080", "[::1]"},
		{"[::1]", "[::1]"},
		{"bücher.example", "xn--bcher-kva.example"},
		{"tenant_a.local", "tenant_a.local"},
		{"my_service:8080", "my_service"},
		{"ab--cd.Example.com", "ab--cd.example.com"},
		{"xn--bcher-kva.example", "xn--bcher-kva.example"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeHost(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "  ", "[::1", ":8080", "a b.example", "a/b"} {
		_, err := NormalizeHost(bad)
		assert.Error(t, err, bad)
	}
}

func TestRegistryAcceptsNonDNSHostnames(t *testing.T) {
	reg := NewTenantRegistry(nil)
	require.NoError(t, reg.Register("tenant_a.local", snapshotFor(t, "tenant_a.local", "v1")))

	r, err := reg.Resolve("Tenant_A.local:8080")
	require.NoError(t, err)
	assert.Equal(t, "tenant_a.local", r.Current().Host())
}

func TestRegistryResolve(t *testing.T) {
	reg := NewTenantRegistry(nil)
	require.NoError(t, reg.Register("a.test", snapshotFor(t, "a.test", "v1")))

	r, err := reg.Resolve("A.TEST:9000")
	require.NoError(t, err)
	assert.Equal(t, "a.test", r.Current().Host())

	_, err = reg.Resolve("b.test")
	assert.ErrorIs(t, err, core.ErrHostNotFound)

	_, err = reg.Resolve("")
	assert.ErrorIs(t, err, core.ErrHostNotFound)
}

func TestRegistryRegisterAndUpsert(t *testing.T) {
	var retired []string
	reg := NewTenantRegistry(func(old *AppRouter) { retired = append(retired, old.Version()) })

	v1 := snapshotFor(t, "a.test", "v1")
	require.NoError(t, reg.Register("a.test", v1))
	assert.Error(t, reg.Register("a.test", v1), "duplicate host")
	assert.Error(t, reg.Register("b.test", v1), "host mismatch")

	prev, err := reg.Upsert("b.test", snapshotFor(t, "b.test", "b1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	v2 := snapshotFor(t, "a.test", "v2")
	prev, err = reg.Upsert("a.test", v2)
	require.NoError(t, err)
	assert.Same(t, v1, prev)
	assert.Equal(t, []string{v1.Version()}, retired)

	cur, ok := reg.Current("a.test")
	require.True(t, ok)
	assert.Same(t, v2, cur)

	assert.Equal(t, []string{"a.test", "b.test"}, reg.Hosts())
}

func TestRegistryIsolatesTenants(t *testing.T) {
	reg := NewTenantRegistry(nil)
	a := snapshotFor(t, "a.test", "a")
	b := snapshotFor(t, "b.test", "b")
	require.NoError(t, reg.Register("a.test", a))
	require.NoError(t, reg.Register("b.test", b))

	_, err := reg.Upsert("a.test", snapshotFor(t, "a.test", "a2"))
	require.NoError(t, err)

	cur, _ := reg.Current("b.test")
	assert.Same(t, b, cur)
}
