package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetCode = `export function greet(req) { return { status: 200, body: "hi" }; }`

func greetSpec() Spec {
	return Spec{
		Host:    "A.Example.com:8080",
		Routes:  []RouteSpec{{Method: "get", Path: "/hello/:name", Handler: "greet"}},
		Code:    greetCode,
		Exports: []string{"greet"},
	}
}

func TestBuildSnapshot(t *testing.T) {
	snap, err := Build(greetSpec())
	require.NoError(t, err)

	assert.Equal(t, "a.example.com", snap.Host())
	assert.Len(t, snap.Version(), 16)
	assert.Equal(t, []string{"greet"}, snap.Exports())
	assert.Equal(t, []RouteSpec{{Method: "GET", Path: "/hello/:name", Handler: "greet"}}, snap.RouteSpecs())

	b := snap.Bundle()
	assert.Equal(t, "a.example.com", b.Host)
	assert.Equal(t, snap.Version(), b.Version)
	assert.Equal(t, greetCode, b.Code)

	m, err := snap.Match("GET", "/hello/world")
	require.NoError(t, err)
	assert.Equal(t, "world", m.Params["name"])
}

func TestBuildVersionStable(t *testing.T) {
	a, err := Build(greetSpec())
	require.NoError(t, err)
	b, err := Build(greetSpec())
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())

	spec := greetSpec()
	spec.Routes[0].Path = "/hi/:name"
	c, err := Build(spec)
	require.NoError(t, err)
	assert.NotEqual(t, a.Version(), c.Version())

	spec.Version = "pinned"
	d, err := Build(spec)
	require.NoError(t, err)
	assert.Equal(t, "pinned", d.Version())
}

func TestBuildRejects(t *testing.T) {
	spec := greetSpec()
	spec.Code = "  "
	_, err := Build(spec)
	assert.ErrorContains(t, err, "empty script bundle")

	spec = greetSpec()
	spec.Routes = append(spec.Routes, RouteSpec{Method: "GET", Path: "/hello/{who}", Handler: "greet"})
	_, err = Build(spec)
	assert.ErrorContains(t, err, "duplicate route")

	spec = greetSpec()
	spec.Routes[0].Handler = "missing"
	_, err = Build(spec)
	assert.ErrorContains(t, err, `handler "missing" is not exported`)

	spec = greetSpec()
	spec.Exports = nil
	spec.Routes[0].Handler = "missing"
	_, err = Build(spec)
	assert.NoError(t, err, "export check is skipped without an export list")

	spec = greetSpec()
	spec.Routes[0].Method = "FETCH"
	_, err = Build(spec)
	assert.Error(t, err)
}
