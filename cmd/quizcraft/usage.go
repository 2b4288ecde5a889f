package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var (
		model string
		since time.Duration
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show billed units per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			summaries, err := a.tracker.Summary(ctx, model)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tREQUESTS\tINPUT\tOUTPUT\tTOTAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
					s.Model, s.RequestCount, s.TotalInput, s.TotalOutput, s.TotalUnits)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if since > 0 {
				from := time.Now().Add(-since)
				var total int64
				if model != "" {
					total, err = a.tracker.TotalByModel(ctx, model, from)
				} else {
					total, err = a.tracker.Total(ctx, from)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\nUnits billed in the last %s: %d\n", since, total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "also report the total billed within this window (0 disables)")
	return cmd
}
