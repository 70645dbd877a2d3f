package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/accel/internal/logger"
	"github.com/samcharles93/accel/pkg/accel"
)

type check struct {
	name string
	run  func(ctx context.Context, cmd *cli.Command) error
}

func selftestCmd(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Run the end-to-end sequence twice and check allocator coalescing",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			checks := []check{
				{"end-to-end", g.checkEndToEnd},
				{"end-to-end (repeat)", g.checkEndToEnd},
				{"fragmentation", g.checkFragmentation},
				{"conv2d", g.checkConv2D},
			}
			failed := 0
			for _, c := range checks {
				if err := c.run(ctx, cmd); err != nil {
					failed++
					_, _ = fmt.Fprintf(g.out, "FAIL  %s: %v\n", c.name, err)
					logger.FromContext(ctx).Debug("selftest check failed", "check", c.name, "error", err)
					continue
				}
				_, _ = fmt.Fprintf(g.out, "ok    %s\n", c.name)
			}
			if failed > 0 {
				return fmt.Errorf("selftest: %d of %d checks failed", failed, len(checks))
			}
			return nil
		},
	}
}

func allocAll(rt *accel.Runtime, sizes ...int) ([]*accel.Buffer, error) {
	bufs := make([]*accel.Buffer, 0, len(sizes))
	for _, n := range sizes {
		b, err := rt.NewBuffer(n)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, b)
	}
	return bufs, nil
}

func closeAll(bufs []*accel.Buffer) {
	for _, b := range bufs {
		_ = b.Close()
	}
}

// checkEndToEnd opens a runtime, multiplies three 1 KiB buffers, frees them
// and closes the runtime.
func (g *globals) checkEndToEnd(ctx context.Context, cmd *cli.Command) error {
	ctx, rt, err := g.open(ctx, cmd)
	if err != nil {
		return err
	}
	total := rt.Available()

	bufs, err := allocAll(rt, 1024, 1024, 1024)
	if err != nil {
		_ = rt.Close()
		return err
	}
	if err := rt.MatrixMultiply(ctx, bufs[0], bufs[1], bufs[2]); err != nil {
		_ = rt.Close()
		return err
	}
	closeAll(bufs)
	if got := rt.Available(); got != total {
		_ = rt.Close()
		return fmt.Errorf("available %d after freeing, want %d", got, total)
	}
	return rt.Close()
}

// checkFragmentation frees the second and fourth of five 256-byte buffers
// and expects a 512-byte allocation and a full release afterwards.
func (g *globals) checkFragmentation(ctx context.Context, cmd *cli.Command) error {
	_, rt, err := g.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	total := rt.Available()

	bufs, err := allocAll(rt, 256, 256, 256, 256, 256)
	if err != nil {
		return err
	}
	_ = bufs[1].Close()
	_ = bufs[3].Close()
	large, err := rt.NewBuffer(512)
	if err != nil {
		return fmt.Errorf("512-byte allocation after frees: %w", err)
	}
	closeAll(append(bufs, large))
	if got := rt.Available(); got != total {
		return fmt.Errorf("available %d after freeing, want %d", got, total)
	}
	if blocks := rt.Info().Blocks; blocks != 1 {
		return errors.New("free blocks were not coalesced")
	}
	return nil
}

func (g *globals) checkConv2D(ctx context.Context, cmd *cli.Command) error {
	ctx, rt, err := g.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	bufs, err := allocAll(rt, 28*28, 3*3, 28*28)
	if err != nil {
		return err
	}
	defer closeAll(bufs)
	return rt.Convolution2D(ctx, bufs[0], bufs[1], bufs[2],
		accel.WithShape(28, 28, 1),
		accel.WithOutputShape(28, 28, 1),
		accel.WithKernel(3, 1, 1))
}
