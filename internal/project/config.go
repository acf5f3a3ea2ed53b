package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/dispatch/internal/routing"
)

// ConfigFile is the project's route configuration.
const ConfigFile = "config.yml"

// Config is a tenant project's config.yml. Routes keep file order, which
// is their matching precedence:
//
//	name: hello
//	routes:
//	  /hello/:name:
//	    - method: GET
//	      handler: greet
//	  /{*rest}:
//	    - method: GET
//	      handler: fallback
type Config struct {
	Name    string
	Routes  []routing.RouteSpec
	Bundle  string   // bundle path relative to the project; newest .build/*.mjs when empty
	Exports []string // export names; discovered from the bundle when empty
}

type routeMethod struct {
	Method  string `yaml:"method"`
	Handler string `yaml:"handler"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name    string    `yaml:"name"`
		Bundle  string    `yaml:"bundle"`
		Exports []string  `yaml:"exports"`
		Routes  yaml.Node `yaml:"routes"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Name, c.Bundle, c.Exports = raw.Name, raw.Bundle, raw.Exports
	c.Routes = nil

	routes := &raw.Routes
	if routes.Kind == 0 || routes.Tag == "!!null" {
		return nil
	}
	if routes.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: routes must be a mapping of path to methods", routes.Line)
	}
	for i := 0; i+1 < len(routes.Content); i += 2 {
		key, val := routes.Content[i], routes.Content[i+1]
		var methods []routeMethod
		if err := val.Decode(&methods); err != nil {
			return fmt.Errorf("line %d: route %q: %w", val.Line, key.Value, err)
		}
		for _, m := range methods {
			c.Routes = append(c.Routes, routing.RouteSpec{Method: m.Method, Path: key.Value, Handler: m.Handler})
		}
	}
	return nil
}

func (c Config) MarshalYAML() (any, error) {
	routes := &yaml.Node{Kind: yaml.MappingNode}
	index := map[string]*yaml.Node{}
	for _, r := range c.Routes {
		seq, ok := index[r.Path]
		if !ok {
			seq = &yaml.Node{Kind: yaml.SequenceNode}
			index[r.Path] = seq
			routes.Content = append(routes.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: r.Path}, seq)
		}
		item := &yaml.Node{}
		if err := item.Encode(routeMethod{Method: r.Method, Handler: r.Handler}); err != nil {
			return nil, err
		}
		seq.Content = append(seq.Content, item)
	}
	return struct {
		Name    string     `yaml:"name,omitempty"`
		Routes  *yaml.Node `yaml:"routes"`
		Bundle  string     `yaml:"bundle,omitempty"`
		Exports []string   `yaml:"exports,omitempty"`
	}{c.Name, routes, c.Bundle, c.Exports}, nil
}

// ParseConfig decodes config.yml content.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigFile, err)
	}
	return &c, nil
}

// LoadConfig reads and decodes a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return ParseConfig(data)
}
