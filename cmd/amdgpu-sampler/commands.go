package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/skobkin/amdgpu-sampler/internal/app"
	"github.com/skobkin/amdgpu-sampler/internal/config"
	"github.com/skobkin/amdgpu-sampler/internal/plugin"
	"github.com/skobkin/amdgpu-sampler/internal/report"
	"github.com/skobkin/amdgpu-sampler/internal/sampler"
	"github.com/skobkin/amdgpu-sampler/internal/smi"
	"github.com/skobkin/amdgpu-sampler/internal/topology"
	"github.com/skobkin/amdgpu-sampler/internal/version"
)

const usage = `
# serve the sampling API (configured through APP_* environment variables)
amdgpu-sampler serve

# print every supported sensor once
amdgpu-sampler sensors

# sample all temperatures for five seconds at 10ms
amdgpu-sampler sample --query 'ID*::*_temp_current' --duration 5s --interval 10ms
`

func newApp() *cli.App {
	a := cli.NewApp()

	a.Name = "amdgpu-sampler"
	a.Version = version.String()
	a.Usage = usage
	a.Description = "High-frequency AMD GPU telemetry sampler"

	sysfsFlag := cli.StringFlag{
		Name:   "sysfs",
		Usage:  "path to the sysfs root",
		Value:  "/sys",
		EnvVar: "APP_SYSFS_ROOT",
	}
	queryFlag := cli.StringFlag{
		Name:  "query,q",
		Usage: "metric query such as ID0::socket_power or ID*::*_temp_current",
		Value: "ID*::*",
	}
	logLevelFlag := cli.StringFlag{
		Name:  "log-level,l",
		Usage: "set the logging level [debug, info, warn, error]",
		Value: "warn",
	}

	a.Action = serveCommand
	a.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP and websocket API",
			Action: serveCommand,
		},
		{
			Name:   "sensors",
			Usage:  "read every supported sensor once and print the values",
			Action: sensorsCommand,
			Flags: []cli.Flag{
				sysfsFlag,
				queryFlag,
				logLevelFlag,
				cli.BoolFlag{
					Name:  "json",
					Usage: "emit JSON instead of a table",
				},
			},
		},
		{
			Name:   "sample",
			Usage:  "sample sensors for a fixed duration and print per-series statistics",
			Action: sampleCommand,
			Flags: []cli.Flag{
				sysfsFlag,
				queryFlag,
				logLevelFlag,
				cli.DurationFlag{
					Name:  "interval,i",
					Usage: "sampling interval",
					Value: config.DefaultInterval,
				},
				cli.DurationFlag{
					Name:  "duration,d",
					Usage: "how long to sample",
					Value: 2 * time.Second,
				},
				cli.BoolFlag{
					Name:  "json",
					Usage: "emit JSON instead of a table",
				},
			},
		},
	}

	return a
}

func serveCommand(_ *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, logger, cfg)
}

func sensorsCommand(c *cli.Context) error {
	logger, err := commandLogger(c)
	if err != nil {
		return err
	}

	q, err := plugin.ParseQuery(c.String("query"))
	if err != nil {
		return err
	}

	session, err := smi.OpenSysfs(c.String("sysfs"), logger.With("component", "smi"))
	if err != nil {
		return err
	}
	defer session.Close()

	topo, err := topology.Build(session, logger)
	if err != nil {
		logger.Warn("topology unavailable", "err", err)
	}

	rows, err := report.Snapshot(session, topo, q)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return writeJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No supported sensors found")
		return nil
	}
	report.RenderSnapshot(os.Stdout, rows)
	return nil
}

func sampleCommand(c *cli.Context) error {
	logger, err := commandLogger(c)
	if err != nil {
		return err
	}

	session, err := smi.OpenSysfs(c.String("sysfs"), logger.With("component", "smi"))
	if err != nil {
		return err
	}

	engine, err := sampler.NewEngine(session, c.Duration("interval"), logger)
	if err != nil {
		_ = session.Close()
		return err
	}
	defer engine.Close()

	plug, err := plugin.New(engine, session, nil, logger)
	if err != nil {
		return err
	}

	metrics := plug.MetricProperties(c.String("query"))
	if len(metrics) == 0 {
		return fmt.Errorf("no supported sensors match %q", c.String("query"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := plug.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.Duration("duration")):
	}
	if err := plug.Stop(); err != nil {
		return err
	}

	summaries := make([]report.Summary, 0, len(metrics))
	for _, m := range metrics {
		readings, err := plug.Pull(m.ID)
		if err != nil {
			return err
		}
		summaries = append(summaries, report.Summarize(m.Name, m.Unit, readings))
	}

	if c.Bool("json") {
		return writeJSON(summaries)
	}
	report.RenderSummaries(os.Stdout, summaries)
	return nil
}

func commandLogger(c *cli.Context) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.String("log-level"), err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
