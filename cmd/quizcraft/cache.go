package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if a.cache == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Cache is disabled.")
				return nil
			}

			stats, err := a.cache.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Entries:\t%d\n", stats.Entries)
			fmt.Fprintf(w, "Bytes:\t%d / %d\n", stats.TotalBytes, stats.CapacityBytes)
			fmt.Fprintf(w, "Oldest:\t%s\n", formatTime(stats.Oldest))
			fmt.Fprintf(w, "Newest:\t%s\n", formatTime(stats.Newest))
			return w.Flush()
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if a.cache == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Cache is disabled.")
				return nil
			}

			n, err := a.cache.Clear(cmd.Context(), expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d expired cache entries.\n", n)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared all %d cache entries.\n", n)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	var flags requestFlags
	forgetCmd := &cobra.Command{
		Use:   "forget FILE",
		Short: "Remove the cached completion for one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			a.withResolver()

			system, err := flags.system()
			if err != nil {
				return err
			}
			params, err := flags.params(a.cfg)
			if err != nil {
				return err
			}
			payload, err := readPayload(args[0], system)
			if err != nil {
				return err
			}
			if err := a.resolver.Forget(cmd.Context(), payload, params, flags.options()...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot cached completion for %s.\n", args[0])
			return nil
		},
	}
	flags.register(forgetCmd)

	cmd.AddCommand(statsCmd, clearCmd, forgetCmd)
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
