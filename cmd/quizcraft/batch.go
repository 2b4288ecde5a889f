package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// documentExts are the file types batch picks up from a directory.
var documentExts = []string{".txt", ".md"}

func listDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(documentExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

func newBatchCmd(configPath *string) *cobra.Command {
	var (
		flags       requestFlags
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "batch DIR",
		Short: "Resolve every document in a directory concurrently",
		Long: `Resolve every .txt and .md document in DIR with the same system text
and params. Identical documents share one remote call. One JSON result is
printed per document, in file name order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be >= 1, got %d", concurrency)
			}
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			a.withResolver()

			ctx := cmd.Context()
			if err := a.startSweep(ctx); err != nil {
				return err
			}

			system, err := flags.system()
			if err != nil {
				return err
			}
			params, err := flags.params(a.cfg)
			if err != nil {
				return err
			}
			files, err := listDocuments(args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No documents found.")
				return nil
			}

			results := make([]result, len(files))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(concurrency)
			for i, file := range files {
				g.Go(func() error {
					payload, err := readPayload(file, system)
					if err != nil {
						results[i] = newResult(file, nil, err)
						return nil
					}
					comp, err := a.resolver.Resolve(gctx, payload, params, flags.options()...)
					results[i] = newResult(file, comp, err)
					if err != nil {
						a.logger.Warn("document failed", "file", file, "error", err)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Error != "" {
					failed++
				}
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(files))
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 4, "maximum documents resolved at once")
	return cmd
}
