// Package config loads the dispatcher's TOML server configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/logging"
	"github.com/cryguy/dispatch/internal/routing"
)

const VersionLatest = "v1"

var (
	ErrFailedToLoadConfig     = errors.New("failed to load config")
	ErrFailedToValidateConfig = errors.New("failed to validate config")
	ErrUnsupportedConfigVer   = errors.New("unsupported config version")
)

// Config is the server configuration file.
type Config struct {
	Version              string            `toml:"version"`
	Port                 int               `toml:"port"`
	AdminListen          string            `toml:"admin_listen"`
	Log                  Log               `toml:"log"`
	Sandbox              core.EngineConfig `toml:"sandbox"`
	CompressionThreshold int               `toml:"compression_threshold"`
	StorePath            string            `toml:"store_path"`
	Watch                bool              `toml:"watch"`
	Tenants              []Tenant          `toml:"tenant"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Tenant binds a host to a project directory holding config.yml and
// the built bundle.
type Tenant struct {
	Host    string `toml:"host"`
	Project string `toml:"project"`
}

// Default returns a configuration with every optional field filled.
func Default() *Config {
	return &Config{
		Version:              VersionLatest,
		Port:                 8080,
		Log:                  Log{Level: "info", Format: logging.FormatText},
		Sandbox:              core.DefaultEngineConfig(),
		CompressionThreshold: 1024,
	}
}

// Load reads and validates a config file. Relative tenant project paths
// are resolved against the file's directory.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToLoadConfig, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i, t := range cfg.Tenants {
		if t.Project != "" && !filepath.IsAbs(t.Project) {
			cfg.Tenants[i].Project = filepath.Join(base, t.Project)
		}
	}
	return cfg, nil
}

// Parse decodes TOML over Default and validates the result.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("%w: line %d column %d: %w", ErrFailedToLoadConfig, row, col, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrFailedToLoadConfig, err)
	}
	cfg.Sandbox = cfg.Sandbox.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = VersionLatest
	}
	if c.Version != VersionLatest {
		return fmt.Errorf("%w: %s", ErrUnsupportedConfigVer, c.Version)
	}

	var errz []error
	if c.Port < 0 || c.Port > 65535 {
		errz = append(errz, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Log.Format {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		errz = append(errz, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.CompressionThreshold < 0 {
		errz = append(errz, fmt.Errorf("compression_threshold must not be negative"))
	}

	hosts := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		host, err := routing.NormalizeHost(t.Host)
		if err != nil {
			errz = append(errz, fmt.Errorf("tenant %q: %w", t.Host, err))
			continue
		}
		if hosts[host] {
			errz = append(errz, fmt.Errorf("duplicate tenant host: %s", host))
		}
		hosts[host] = true
		if t.Project == "" {
			errz = append(errz, fmt.Errorf("tenant %s has no project", host))
		}
	}

	if len(errz) > 0 {
		return fmt.Errorf("%w: %w", ErrFailedToValidateConfig, errors.Join(errz...))
	}
	return nil
}
