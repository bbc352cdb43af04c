package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/monitoring"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		opts     simOptions
		addr     string
		demo     bool
		interval time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve health, status and metrics endpoints for an engine",
		Flags: append(opts.flags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (defaults to metrics_addr)",
				Destination: &addr,
			},
			&cli.BoolFlag{
				Name:        "demo",
				Usage:       "keep running simulated sessions against the engine",
				Destination: &demo,
			},
			&cli.DurationFlag{
				Name:        "interval",
				Usage:       "pause between demo rounds",
				Value:       time.Second,
				Destination: &interval,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := appConfig
			if err := opts.apply(cmd, &cfg); err != nil {
				return err
			}
			if addr != "" {
				cfg.MetricsAddr = addr
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			sim, err := newSimulation(cfg, &opts, io.Discard)
			if err != nil {
				return err
			}
			defer sim.close()

			hm := monitoring.NewHealthMonitor(version, sim.engine, device.NewMemoryUsage(), sim.engine.Device())
			errCh := make(chan error, 1)
			go func() {
				errCh <- hm.Start(cfg.MetricsAddr)
			}()

			if demo {
				go sim.loop(ctx, &opts, interval, hm)
			}

			select {
			case <-ctx.Done():
				logger.Log.Info("Shutting down")
			case err := <-errCh:
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sim.engine.FlushScalings(shutdownCtx); err != nil {
				logger.Log.Warn("Failed to flush scalings", "error", err)
			}
			return hm.Stop(shutdownCtx)
		},
	}
}

// loop runs simulation rounds until ctx is done. Failed rounds raise an
// alert on hm.
func (s *simulation) loop(ctx context.Context, opts *simOptions, interval time.Duration, hm *monitoring.HealthMonitor) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.run(ctx, opts); err != nil && ctx.Err() == nil {
			logger.Log.Error("Simulation round failed", "error", err)
			hm.AddAlert("error", "engine", err.Error())
		}
		if err := s.engine.FlushScalings(ctx); err != nil && ctx.Err() == nil {
			hm.AddAlert("warning", "export", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
