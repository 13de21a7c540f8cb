package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the generation cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage per tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.coordinator.Stats(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tENTRIES\tSIZE\tCAPACITY")
			for _, u := range st.Tiers {
				capacity := "unbounded"
				if u.Capacity > 0 {
					capacity = humanize.IBytes(uint64(u.Capacity))
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", u.Tier, u.Entries, humanize.IBytes(uint64(u.SizeBytes)), capacity)
			}
			return w.Flush()
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear local cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.local.Clear(ctx, expiredOnly, time.Now())
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("%s expired cache entries cleared.\n", humanize.Comma(int64(n)))
			} else {
				fmt.Printf("%s cache entries cleared.\n", humanize.Comma(int64(n)))
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one eviction pass over every managed tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			results, runErr := rt.eviction.RunAll(ctx)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tEXPIRED\tEVICTED\tSUPERSEDED\tFREED")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", r.Tier, r.Expired, r.Removed, r.Superseded, humanize.IBytes(uint64(r.FreedBytes)))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if retention := rt.cfg.Cleanup.TrackerRetention; retention > 0 {
				n, err := rt.tracker.Prune(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				fmt.Printf("%d generation events older than %s pruned.\n", n, retention)
			}
			return runErr
		},
	}

	var (
		key        string
		templateID string
		inputs     map[string]string
		variant    string
	)
	invalidateCmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Remove content from every tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" && templateID == "" {
				return fmt.Errorf("either --key or --template is required")
			}
			ctx := context.Background()
			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if key != "" {
				err = rt.coordinator.InvalidateKey(ctx, key)
			} else {
				err = rt.coordinator.Invalidate(ctx, templateID, inputs, variant)
			}
			if err != nil {
				return err
			}
			fmt.Println("Content invalidated.")
			return nil
		},
	}
	invalidateCmd.Flags().StringVar(&key, "key", "", "cache key")
	invalidateCmd.Flags().StringVarP(&templateID, "template", "t", "", "template id")
	invalidateCmd.Flags().StringToStringVarP(&inputs, "input", "i", nil, "generation input as key=value (repeatable)")
	invalidateCmd.Flags().StringVar(&variant, "variant", "", "variant such as a voice id")

	cmd.AddCommand(statsCmd, clearCmd, cleanupCmd, invalidateCmd)
	return cmd
}
