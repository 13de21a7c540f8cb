package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/gencache/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the cache as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.eviction.Start(ctx, rt.cfg.Cleanup.Interval)

			srv := mcp.New(mcp.Options{
				Cache:     rt.coordinator,
				Generator: rt.registry,
				Tracker:   rt.tracker,
				Cleaner:   rt.eviction,
				Version:   version,
				Logger:    rt.logger,
			})
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
