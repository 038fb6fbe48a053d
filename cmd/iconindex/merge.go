package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/merger"
	"github.com/dshills/iconindex/internal/runstore"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <processed.json>...",
	Short: "Combine processed files into one deduplicated file",
	Long:  "Concatenate the records of several processed files, keep the first record for each name, drop records missing required fields and sort by name. Unreadable inputs are skipped with a warning.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMerge,
}

var mergeOutput string

func init() {
	mergeCmd.Flags().StringVar(&mergeOutput, "out", "", "Output path (default: a combined_ run directory)")

	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	run, err := merger.New(logger).MergeFiles(args)
	if err != nil {
		return err
	}

	out := mergeOutput
	if out == "" {
		out = filepath.Join(runstore.RunDir(cfg.OutputDir, "combined", time.Now()), runstore.CombinedFileName)
	}
	if err := runstore.WriteCheckpoint(out, run); err != nil {
		return err
	}

	stats := run.Info.Deduplication
	logger.Info("runs merged", zap.String("output", out), zap.Int("records", len(run.Icons)))

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Sources:    %d\n", len(run.Info.SourceFiles))
	for _, path := range run.Info.SourceFiles {
		fmt.Fprintf(w, "  %-40s %d\n", path, run.Info.FileStats[path])
	}
	if stats != nil {
		fmt.Fprintf(w, "Loaded:     %d\n", stats.TotalLoaded)
		fmt.Fprintf(w, "Duplicates: %d\n", stats.DuplicatesRemoved)
		fmt.Fprintf(w, "Invalid:    %d\n", stats.InvalidRemoved)
	}
	fmt.Fprintf(w, "Records:    %s (%d)\n", out, len(run.Icons))
	return nil
}
