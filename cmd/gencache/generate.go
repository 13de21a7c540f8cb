package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/gencache/pkg/coordinator"
)

func newGenerateCmd(configPath *string) *cobra.Command {
	var (
		templateID string
		inputs     map[string]string
		variant    string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Get or generate content for a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.coordinator.GetOrGenerate(ctx, coordinator.Request{
				TemplateID: templateID,
				Inputs:     inputs,
				Variant:    variant,
			}, rt.registry)
			if err != nil {
				return err
			}

			fmt.Printf("Key:     %s\nOutcome: %s\n", res.Key, res.Outcome)
			if res.Outcome == coordinator.OutcomePending {
				fmt.Printf("Pending since %s; retry in %s\n", humanize.Time(res.PendingSince), res.RetryAfter)
				return nil
			}
			if res.Outcome == coordinator.OutcomeHit {
				fmt.Printf("Tier:    %s\n", res.Tier)
			}
			fmt.Printf("Size:    %s\n", humanize.Bytes(uint64(res.Record.SizeBytes)))
			if res.Payload.Text != "" {
				fmt.Printf("\n%s\n", res.Payload.Text)
			}
			if len(res.Payload.Data) > 0 {
				if outPath == "" {
					fmt.Printf("\n%s of %s payload not written; pass --out\n",
						humanize.Bytes(uint64(len(res.Payload.Data))), res.Payload.ContentType)
					return nil
				}
				if err := os.WriteFile(outPath, res.Payload.Data, 0o644); err != nil {
					return fmt.Errorf("write payload: %w", err)
				}
				fmt.Printf("Payload written to %s\n", outPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&templateID, "template", "t", "", "template id")
	cmd.Flags().StringToStringVarP(&inputs, "input", "i", nil, "generation input as key=value (repeatable)")
	cmd.Flags().StringVar(&variant, "variant", "", "variant such as a voice id")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "file to write a binary payload to")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}
