package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/gencache/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if retention := rt.cfg.Cleanup.TrackerRetention; retention > 0 {
				if n, err := rt.tracker.Prune(ctx, time.Now().Add(-retention)); err != nil {
					rt.logger.Warn("prune generation events", zap.Error(err))
				} else if n > 0 {
					rt.logger.Info("pruned generation events", zap.Int64("count", n))
				}
			}
			rt.eviction.Start(ctx, rt.cfg.Cleanup.Interval)

			srv := server.New(server.Options{
				Listen:      rt.cfg.Listen,
				Coordinator: rt.coordinator,
				Generator:   rt.registry,
				Cleaner:     rt.eviction,
				Metrics:     rt.metrics,
				Logger:      rt.logger,
			})
			rt.logger.Info("starting gencache", zap.String("config", *configPath))
			return srv.ListenAndServe(ctx)
		},
	}
}
