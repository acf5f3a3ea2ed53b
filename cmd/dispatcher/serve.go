package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/cryguy/dispatch"
	"github.com/cryguy/dispatch/internal/config"
	"github.com/cryguy/dispatch/internal/logging"
	"github.com/cryguy/dispatch/internal/store"
	"github.com/cryguy/dispatch/internal/watch"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Serve the tenants listed in a configuration file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Usage:    "Path to TOML configuration file",
			Aliases:  []string{"c"},
			Required: true,
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "Listen port, overriding the config file",
			Aliases: []string{"p"},
		},
		&cli.BoolFlag{
			Name:  "watch",
			Usage: "Reload tenants when their project changes",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := config.Load(cmd.String("config"))
		if err != nil {
			return cli.Exit(err, 1)
		}
		if cmd.IsSet("port") {
			cfg.Port = int(cmd.Int("port"))
		}
		if cmd.Bool("watch") {
			cfg.Watch = true
		}
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Format, cfg.Log.Level, nil)
	if err != nil {
		return cli.Exit(err, 1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []dispatch.Option{dispatch.WithLogger(logger)}
	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return cli.Exit(err, 1)
		}
		opts = append(opts, dispatch.WithStore(st))
	}
	srv := dispatch.New(cfg, opts...)

	if err := srv.Boot(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return cli.Exit(fmt.Errorf("starting tenants: %w", err), 1)
	}

	if cfg.Watch {
		w, err := watch.New(func(ctx context.Context, host string) error {
			_, err := srv.ReloadTenant(ctx, host)
			return err
		}, watch.WithLogger(logger))
		if err != nil {
			return cli.Exit(err, 1)
		}
		for _, t := range cfg.Tenants {
			if err := w.Add(t.Host, t.Project); err != nil {
				return cli.Exit(err, 1)
			}
		}
		go func() { _ = w.Run(ctx) }()
	}

	if err := srv.Start(ctx, cfg.Port, nil); err != nil {
		return cli.Exit(fmt.Errorf("serving: %w", err), 1)
	}
	logger.Info("server shutdown complete")
	return nil
}
