package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/accel/internal/version"
	"github.com/samcharles93/accel/pkg/accel"
)

type infoReport struct {
	accel.Info
	Version version.Info `json:"version"`
}

func infoCmd(g *globals) *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "info",
		Usage: "Show device windows, free memory, status and configuration",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, rt, err := g.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			report := infoReport{Info: rt.Info(), Version: version.Resolve()}
			if asJSON {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
				_, err = fmt.Fprintln(g.out, string(data))
				return err
			}
			printInfo(g, report)
			return nil
		},
	}
}

func printInfo(g *globals, r infoReport) {
	w := g.out
	_, _ = fmt.Fprintf(w, "session:      %s\n", r.ID)
	_, _ = fmt.Fprintf(w, "device:       %s\n", r.Device)
	_, _ = fmt.Fprintf(w, "status:       %s\n", r.Status)
	_, _ = fmt.Fprintf(w, "registers:    %d bytes\n", r.RegSize)
	_, _ = fmt.Fprintf(w, "memory:       %#x + %d bytes\n", r.MemBase, r.MemSize)
	_, _ = fmt.Fprintf(w, "available:    %d bytes in %d blocks\n", r.Available, r.Blocks)
	_, _ = fmt.Fprintf(w, "flags:        %s\n", r.Config.Flags)
	_, _ = fmt.Fprintf(w, "channels:     %d\n", r.Config.Channels)
	_, _ = fmt.Fprintf(w, "max transfer: %d bytes\n", r.Config.MaxTransfer)
	_, _ = fmt.Fprintf(w, "timeout:      %s\n", r.Config.Timeout.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "version:      %s\n", r.Version)
}
