//go:build !v8

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	err := app.Run(context.Background(), append([]string{"dispatcher"}, args...))
	return out.String(), err
}

func writeProject(t *testing.T, bundle string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"config.yml":         "name: demo\nroutes:\n  /hello/:name:\n    - method: GET\n      handler: greet\n",
		"main.ts":            bundle,
		".build/current.mjs": bundle,
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dispatcher version dev\n", out)
}

func TestHashAndBuild(t *testing.T) {
	dir := writeProject(t, "export function greet() { return {}; }")

	out, err := run(t, "hash", dir)
	require.NoError(t, err)
	require.Len(t, out, 17)
	hash := out[:16]

	out, err = run(t, "build", dir)
	require.NoError(t, err)
	bundle := filepath.Join(dir, ".build", hash+".mjs")
	assert.Equal(t, "Built project at "+bundle+"\n", out)
	assert.FileExists(t, bundle)
}

func TestValidateProject(t *testing.T) {
	dir := writeProject(t, "export function greet() { return {}; }")

	out, err := run(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "/hello/:name -> greet")

	out, err = run(t, "validate", "--static", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	bad := writeProject(t, "export function other() {}")
	_, err = run(t, "validate", bad)
	assert.Error(t, err)
	_, err = run(t, "validate", "--static", bad)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.toml")
	require.NoError(t, os.WriteFile(path, []byte("port = 9000\n[[tenant]]\nhost = \"a.com\"\nproject = \"a\"\n"), 0o644))

	out, err := run(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "(1 tenants)")

	require.NoError(t, os.WriteFile(path, []byte("port = -1\n"), 0o644))
	_, err = run(t, "validate", path)
	assert.Error(t, err)
}
