package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "quizcraft",
		Short:         "Quizcraft: cached, budget-aware question generation requests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "quizcraft.yaml", "path to config file (.yaml or .toml)")

	root.AddCommand(
		newResolveCmd(&configPath),
		newBatchCmd(&configPath),
		newCacheCmd(&configPath),
		newUsageCmd(&configPath),
		newSpendCmd(&configPath),
	)
	return root
}
