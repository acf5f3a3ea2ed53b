package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/cryguy/dispatch"
	"github.com/cryguy/dispatch/internal/config"
	"github.com/cryguy/dispatch/internal/project"
	"github.com/cryguy/dispatch/internal/routing"
	"github.com/cryguy/dispatch/internal/webapi"
)

func projectDir(cmd *cli.Command) string {
	if cmd.Args().Len() > 0 {
		return cmd.Args().Get(0)
	}
	return "."
}

var hashCmd = &cli.Command{
	Name:      "hash",
	Usage:     "Print the content hash of a project",
	ArgsUsage: "[dir]",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		h, err := project.Hash(projectDir(cmd))
		if err != nil {
			return cli.Exit(err, 1)
		}
		fmt.Fprintln(cmd.Root().Writer, h)
		return nil
	},
}

var buildCmd = &cli.Command{
	Name:      "build",
	Usage:     "Bundle a project into .build/<hash>.mjs",
	ArgsUsage: "[dir]",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		path, err := project.Build(projectDir(cmd))
		if err != nil {
			return cli.Exit(err, 1)
		}
		fmt.Fprintf(cmd.Root().Writer, "Built project at %s\n", path)
		return nil
	},
}

var validateCmd = &cli.Command{
	Name:      "validate",
	Usage:     "Validate a TOML server config or a built project",
	ArgsUsage: "<config.toml | project dir>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "static",
			Usage: "Check handlers against the bundle's declared exports without running it",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Args().Len() < 1 {
			return cli.Exit("config file or project directory required", 1)
		}
		target := cmd.Args().Get(0)
		w := cmd.Root().Writer

		if strings.EqualFold(filepath.Ext(target), ".toml") {
			cfg, err := config.Load(target)
			if err != nil {
				return cli.Exit(fmt.Errorf("validation failed: %w", err), 1)
			}
			fmt.Fprintf(w, "Configuration file %s is valid (%d tenants)\n", target, len(cfg.Tenants))
			return nil
		}

		p, err := project.Load(target)
		if err != nil {
			return cli.Exit(fmt.Errorf("validation failed: %w", err), 1)
		}
		snap, err := validateProject(ctx, p, cmd.Bool("static"))
		if err != nil {
			return cli.Exit(fmt.Errorf("validation failed: %w", err), 1)
		}
		fmt.Fprintf(w, "Project %s is valid: version %s, %d routes\n", target, snap.Version(), snap.Routes().Len())
		for _, r := range snap.RouteSpecs() {
			fmt.Fprintf(w, "  %-7s %s -> %s\n", r.Method, r.Path, r.Handler)
		}
		return nil
	},
}

// validateProject builds the project's snapshot. Static validation reads
// export names from the bundle source; otherwise the bundle is compiled.
func validateProject(ctx context.Context, p *project.Project, static bool) (*routing.AppRouter, error) {
	spec := p.Spec("validate.localhost")
	if static {
		if spec.Exports == nil {
			names, err := webapi.ExportNames(spec.Code)
			if err != nil {
				return nil, err
			}
			spec.Exports = names
		}
		return routing.Build(spec)
	}

	srv := dispatch.New(config.Default())
	defer srv.Shutdown(context.Background())
	snap, err := routing.Build(spec)
	if err != nil {
		return nil, err
	}
	if err := srv.Validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}
