package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "gencache",
		Short:         "Content-addressable cache for generated scripts and audio",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "gencache.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newGenerateCmd(&configPath),
		newCacheCmd(&configPath),
		newStatsCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
