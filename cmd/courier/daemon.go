package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/matthewjhunter/courier"
	"github.com/matthewjhunter/courier/internal/logging"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Keep sources fresh and the outbox drained until stopped",
		Long: `Runs the refresh timer at the configured interval and drains queued
changes whenever the network comes back. A foreground refresh runs at start.
Handles SIGINT/SIGTERM for graceful shutdown (finishes the current cycle).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.New(cfg.Log)
			engine, err := courier.NewEngine(courier.EngineConfig{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer engine.Close()

			logger.Info("courier daemon: starting", "interval", cfg.Refresh.Interval, "db", cfg.Database.Path)
			engine.Start(ctx)

			res, err := engine.SetAppState(ctx, courier.StateActive)
			switch {
			case err != nil:
				logger.Warn("courier daemon: initial refresh did not run", "error", err)
			case res != nil:
				logRefresh(logger, res)
			}

			<-ctx.Done()
			logger.Info("courier daemon: received shutdown signal, exiting")
			engine.Stop()
			return nil
		},
	}
	return cmd
}

func logRefresh(logger *slog.Logger, res *courier.RefreshResult) {
	logger.Info("courier daemon: refresh completed",
		"trigger", res.Trigger,
		"sources", res.Sources,
		"failed", res.Failed,
		"new_articles", res.NewArticles,
		"pulled", res.Pulled,
		"pending", res.Pending,
		"duration", res.CompletedAt.Sub(res.StartedAt))
}
