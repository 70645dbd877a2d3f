package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out, errOut io.Writer) *cli.Command {
	g := &globals{out: out, errOut: errOut}
	return &cli.Command{
		Name:      "accelctl",
		Usage:     "Inspect and exercise the accelerator",
		Flags:     g.flags(),
		Writer:    out,
		ErrWriter: errOut,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			infoCmd(g),
			matmulCmd(g),
			selftestCmd(g),
			versionCmd(g),
		},
	}
}
