package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/accel/internal/logger"
	"github.com/samcharles93/accel/pkg/accel"
)

func matmulCmd(g *globals) *cli.Command {
	var size int64
	return &cli.Command{
		Name:  "matmul",
		Usage: "Run one matrix multiply over input, weight and output buffers",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "size",
				Usage:       "size of each buffer in bytes",
				Value:       1024,
				Destination: &size,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, rt, err := g.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			log := logger.FromContext(ctx)

			bufs := make([]*accel.Buffer, 3)
			for i := range bufs {
				b, err := rt.NewBuffer(int(size))
				if err != nil {
					return err
				}
				bufs[i] = b
			}
			input, weights, output := bufs[0], bufs[1], bufs[2]
			for i := range input.Data() {
				input.Data()[i] = byte(i)
			}
			for i := range weights.Data() {
				weights.Data()[i] = 1
			}

			cfg, err := rt.Config()
			if err != nil {
				return err
			}
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}

			start := time.Now()
			if err := rt.MatrixMultiply(ctx, input, weights, output); err != nil {
				return err
			}
			elapsed := time.Since(start)
			log.Debug("matmul complete", "src_addr", input.DeviceAddr(), "dst_addr", output.DeviceAddr(), "elapsed", elapsed)

			_, err = fmt.Fprintf(g.out, "matmul: %d bytes, %#x -> %#x in %s\n",
				input.Size(), input.DeviceAddr(), output.DeviceAddr(), elapsed.Round(time.Microsecond))
			return err
		},
	}
}
