package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/accel/internal/config"
	"github.com/samcharles93/accel/internal/driver"
	"github.com/samcharles93/accel/internal/hal"
	"github.com/samcharles93/accel/internal/logger"
	"github.com/samcharles93/accel/pkg/accel"
)

const (
	defaultDevice     = "/dev/accelerator0"
	defaultSimMemSize = 16 << 20
)

// globals holds the root flags shared by every subcommand.
type globals struct {
	device     string
	configPath string
	simulate   bool
	memSize    int64
	logLevel   string
	logFormat  string

	out    io.Writer
	errOut io.Writer
}

func (g *globals) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "path to the accelerator device file",
			Value:       defaultDevice,
			Destination: &g.device,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &g.configPath,
		},
		&cli.BoolFlag{
			Name:        "simulate",
			Usage:       "back the device with heap memory instead of mapping the device file",
			Destination: &g.simulate,
		},
		&cli.Int64Flag{
			Name:        "mem-size",
			Usage:       "accelerator window size in bytes when simulating (a page multiple)",
			Value:       defaultSimMemSize,
			Destination: &g.memSize,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &g.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &g.logFormat,
		},
	}
}

// applyConfig applies config file values to flags the user did not set.
func (g *globals) applyConfig(cmd *cli.Command, f config.File) {
	if f.Device != "" && !cmd.IsSet("device") {
		g.device = f.Device
	}
	if f.Simulate != nil && !cmd.IsSet("simulate") {
		g.simulate = *f.Simulate
	}
	if f.MemSize != nil && !cmd.IsSet("mem-size") {
		g.memSize = int64(*f.MemSize)
	}
	if f.LogLevel != "" && !cmd.IsSet("log-level") {
		g.logLevel = f.LogLevel
	}
	if f.LogFormat != "" && !cmd.IsSet("log-format") {
		g.logFormat = f.LogFormat
	}
}

// open loads the config file, sets up logging and opens a configured
// runtime. The returned context carries the logger.
func (g *globals) open(ctx context.Context, cmd *cli.Command) (context.Context, *accel.Runtime, error) {
	path := g.configPath
	if path == "" {
		path = config.Path()
	}
	file, err := config.Load(path)
	if err != nil {
		return ctx, nil, err
	}
	g.applyConfig(cmd, file)

	h, err := logger.Handler(g.errOut, g.logFormat, g.logLevel)
	if err != nil {
		return ctx, nil, err
	}
	log := logger.New(h)
	ctx = logger.WithContext(ctx, log)

	opts := []accel.Option{accel.WithLogHandler(h)}
	if g.simulate {
		if g.memSize <= 0 {
			return ctx, nil, fmt.Errorf("--mem-size must be positive, got %d", g.memSize)
		}
		opts = append(opts, accel.WithSimulation(int(g.memSize)))
	}
	if file.PollRetries != nil || file.PollInterval != nil {
		p := file.Poller(hal.DefaultPoller())
		opts = append(opts, accel.WithPolling(p.Retries, p.Interval))
	}

	rt, err := accel.Open(g.device, opts...)
	if err != nil {
		return ctx, nil, err
	}
	cfg, err := file.DriverConfig(driver.DefaultConfig())
	if err == nil {
		err = rt.Configure(cfg.Flags,
			accel.WithChannels(cfg.Channels),
			accel.WithMaxTransfer(cfg.MaxTransfer),
			accel.WithTimeout(cfg.Timeout))
	}
	if err != nil {
		_ = rt.Close()
		return ctx, nil, err
	}
	log.Debug("runtime opened", "device", g.device, "simulate", g.simulate, "config", path)
	return ctx, rt, nil
}
