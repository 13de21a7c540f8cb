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

func newStatsCmd(configPath *string) *cobra.Command {
	var (
		templateID string
		recent     int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show generation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if recent > 0 {
				events, err := rt.tracker.Recent(ctx, templateID, recent)
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Println("No generations recorded.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKEY\tSTATUS\tSIZE\tDURATION\tERROR")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.Format("2006-01-02T15:04:05"), e.Key, e.Status,
						humanize.Bytes(uint64(e.SizeBytes)), e.Duration.Round(time.Millisecond), e.Error)
				}
				return w.Flush()
			}

			summaries, err := rt.tracker.Summary(ctx, templateID)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No generations recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEMPLATE\tVARIANT\tGENERATIONS\tFAILURES\tBYTES\tAVG DURATION\tLAST")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					s.TemplateID, s.Variant, s.Generations, s.Failures,
					humanize.Bytes(uint64(s.TotalBytes)), s.AvgDuration.Round(time.Millisecond),
					humanize.Time(s.LastGenerated))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&templateID, "template", "t", "", "filter by template id")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the most recent N generation events instead of a summary")
	return cmd
}
