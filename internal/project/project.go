// Package project loads tenant projects from disk: config.yml, the built
// bundle under .build, and the content hash that names each build.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/dispatch/internal/routing"
)

const (
	// BuildDir holds build output, one <hash>.mjs and <hash>.yml per build.
	BuildDir = ".build"
	// EntryFile is the bundler entry point.
	EntryFile = "main.ts"
)

// ErrNoBundle is returned when a project has not been built.
var ErrNoBundle = errors.New("no built bundle")

var hashedExts = map[string]bool{".ts": true, ".js": true, ".json": true}

// Hash returns 16 hex digits over the contents of every .ts, .js and
// .json file under dir, in sorted path order. Build output and
// node_modules are skipped.
func Hash(dir string) (string, error) {
	files, err := sourceFiles(dir)
	if err != nil {
		return "", err
	}
	d := xxhash.New()
	for _, path := range files {
		if err := hashFile(d, path); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%016x", d.Sum64()), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	return nil
}

func sourceFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && (d.Name() == BuildDir || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if hashedExts[filepath.Ext(path)] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing sources in %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// Build bundles the project's entry point into .build/<hash>.mjs and
// copies config.yml beside it as .build/<hash>.yml. An existing bundle
// for the same hash is reused, but its config copy is refreshed. It
// returns the bundle path.
func Build(dir string) (string, error) {
	hash, err := Hash(dir)
	if err != nil {
		return "", err
	}
	cfg, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", ConfigFile, err)
	}
	outDir := filepath.Join(dir, BuildDir)
	bundlePath := filepath.Join(outDir, hash+".mjs")
	if _, err := os.Stat(bundlePath); err == nil {
		if err := writeBuildConfig(bundlePath, cfg); err != nil {
			return "", err
		}
		return bundlePath, nil
	}

	entry, err := entryPoint(dir)
	if err != nil {
		return "", err
	}
	code, err := Bundle(dir, entry)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", BuildDir, err)
	}
	if err := writeBuildConfig(bundlePath, cfg); err != nil {
		return "", err
	}
	if err := os.WriteFile(bundlePath, []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("writing bundle: %w", err)
	}
	return bundlePath, nil
}

// buildConfigPath is the config copy written beside a bundle.
func buildConfigPath(bundlePath string) string {
	return strings.TrimSuffix(bundlePath, filepath.Ext(bundlePath)) + ".yml"
}

func writeBuildConfig(bundlePath string, cfg []byte) error {
	path := buildConfigPath(bundlePath)
	if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, cfg) {
		return nil
	}
	if err := os.WriteFile(path, cfg, 0o644); err != nil {
		return fmt.Errorf("writing build config: %w", err)
	}
	return nil
}

func entryPoint(dir string) (string, error) {
	for _, name := range []string{EntryFile, "main.js"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no %s or main.js in %s", EntryFile, dir)
}

// Bundle resolves entry's imports into a single ES module.
func Bundle(dir, entry string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{entry},
		AbsWorkingDir: abs,
		Bundle:        true,
		Format:        esbuild.FormatESModule,
		Write:         false,
		Platform:      esbuild.PlatformNeutral,
		Target:        esbuild.ES2022,
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", filepath.Base(entry), strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling produced no output")
	}
	code := string(result.OutputFiles[0].Contents)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("bundling %s: empty bundle", filepath.Base(entry))
	}
	return code, nil
}

// Project is a loaded tenant project.
type Project struct {
	Dir        string
	Config     *Config
	BundlePath string
	Code       string
}

// Load reads config.yml and the bundle it selects. When the bundle has a
// config copy beside it, routes and exports come from that copy so they
// always match the code they were built with.
func Load(dir string) (*Project, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	path, err := FindBundle(dir, cfg)
	if err != nil {
		return nil, err
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	built := buildConfigPath(path)
	if _, err := os.Stat(built); err == nil {
		if cfg, err = LoadConfig(built); err != nil {
			return nil, err
		}
	}
	return &Project{Dir: dir, Config: cfg, BundlePath: path, Code: string(code)}, nil
}

// FindBundle returns the bundle named by cfg, or the most recently
// modified .build/*.mjs.
func FindBundle(dir string, cfg *Config) (string, error) {
	if cfg != nil && cfg.Bundle != "" {
		p := cfg.Bundle
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		return p, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, BuildDir, "*.mjs"))
	if err != nil {
		return "", err
	}
	var (
		newest string
		mod    int64
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if t := info.ModTime().UnixNano(); newest == "" || t > mod || (t == mod && m > newest) {
			newest, mod = m, t
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%s: %w", dir, ErrNoBundle)
	}
	return newest, nil
}

// Spec returns the snapshot input for host. Exports stay nil when the
// config does not list them.
func (p *Project) Spec(host string) routing.Spec {
	return routing.Spec{
		Host:    host,
		Routes:  p.Config.Routes,
		Code:    p.Code,
		Exports: p.Config.Exports,
	}
}
