package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/accel/internal/version"

	"github.com/urfave/cli/v3"
)

func versionCmd(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			w := g.out
			_, _ = fmt.Fprintf(w, "version:    %s\n", info.Version)
			if info.Commit != "" {
				_, _ = fmt.Fprintf(w, "commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				_, _ = fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
			}
			_, _ = fmt.Fprintf(w, "go:         %s %s\n", info.GoVersion, info.Platform)
			return nil
		},
	}
}
