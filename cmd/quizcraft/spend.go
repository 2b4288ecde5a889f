package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSpendCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Inspect spend caps",
	}

	var model string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show billed units against each cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			if a.spend == nil {
				fmt.Fprintln(out, "Spend caps are disabled.")
				return nil
			}

			statuses, err := a.spend.Status(cmd.Context(), model)
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Fprintln(out, "No spend caps apply.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPERIOD\tMAX UNITS\tUSED\tREMAINING")
			for _, s := range statuses {
				scope := s.Policy.Model
				if scope == "" {
					scope = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					scope, s.Policy.Period, s.Policy.MaxUnits, s.Used, s.Remaining)
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().StringVar(&model, "model", "", "only caps that apply to this model")

	cmd.AddCommand(statusCmd)
	return cmd
}
