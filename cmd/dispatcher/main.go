package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "dispatcher",
		Version: Version,
		Usage:   "Multi-tenant edge dispatcher for script bundles",
		Commands: []*cli.Command{
			serveCmd,
			validateCmd,
			buildCmd,
			hashCmd,
			versionCmd,
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
