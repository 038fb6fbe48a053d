package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/iconindex/internal/assembler"
	"github.com/dshills/iconindex/internal/embedder"
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Append newly processed records to an existing artifact",
	Long:  "Insert the records of a processed file into an existing artifact. Icons whose name is already present are skipped.",
	RunE:  runAdd,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed artifact rows that were stored without an embedding",
	Long:  "Embed the searchable text of every artifact row with no embedding and write the vector into the row and the vector index in place.",
	RunE:  runBackfill,
}

var (
	addInput          string
	addDB             string
	backfillDB        string
	backfillBatchSize int
)

func init() {
	addCmd.Flags().StringVarP(&addInput, "input", "i", "", "Path to a processed icons file (required)")
	addCmd.Flags().StringVar(&addDB, "db", "", "Artifact path (overrides config)")
	_ = addCmd.MarkFlagRequired("input")

	backfillCmd.Flags().StringVar(&backfillDB, "db", "", "Artifact path (overrides config)")
	backfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", assembler.DefaultBackfillBatch, "Rows embedded per commit")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(backfillCmd)
}

func runAdd(cmd *cobra.Command, _ []string) error {
	records, err := readRecords(addInput)
	if err != nil {
		return err
	}

	report, err := assembler.New(logger).AddRecords(cmd.Context(), dbPath(addDB), records)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Added:    %d (%d with vectors)\n", report.Added, report.Vectors)
	fmt.Fprintf(w, "Skipped:  %d already present\n", report.Skipped)
	fmt.Fprintf(w, "Invalid:  %d incomplete\n", report.Invalid)
	fmt.Fprintf(w, "Failed:   %d\n", report.Failed)
	fmt.Fprintf(w, "Total:    %d icons, %d vectors\n", report.Counts.Icons, report.Counts.Vectors)
	return nil
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	emb, err := embedder.New(ctx, cfg.Embedding, logger)
	if err != nil {
		return err
	}
	defer func() { _ = emb.Close() }()

	report, err := assembler.New(logger).Backfill(ctx, dbPath(backfillDB), emb, backfillBatchSize)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Missing:   %d\n", report.Missing)
	fmt.Fprintf(w, "Completed: %d\n", report.Completed)
	fmt.Fprintf(w, "Failed:    %d\n", report.Failed)
	fmt.Fprintf(w, "Remaining: %d\n", report.Counts.Missing)
	return nil
}
