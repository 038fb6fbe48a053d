package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/pipeline"
	"github.com/dshills/iconindex/internal/runstore"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reprocess the icons recorded in an error file",
	Long:  "Reprocess every item of a previous run's error file with smaller batches and a shorter pause. Results go to a new retry_ run directory; the original files are left untouched.",
	RunE:  runRetry,
}

var (
	retryErrors    string
	retryBatchSize int
	retryEmbed     bool
)

func init() {
	retryCmd.Flags().StringVarP(&retryErrors, "errors", "e", "", "Path to the error file to retry (required)")
	retryCmd.Flags().IntVar(&retryBatchSize, "batch-size", 0, "Items per batch (overrides config)")
	retryCmd.Flags().BoolVar(&retryEmbed, "embed", false, "Embed each record right after describing it")
	_ = retryCmd.MarkFlagRequired("errors")

	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	dir := runstore.RunDir(cfg.OutputDir, "retry", time.Now())
	store := runstore.NewStore(dir, runstore.RetryProcessedFileName, runstore.RetryErrorFileName)

	mode := pipeline.ModeDescribe
	if retryEmbed {
		mode = pipeline.ModeFull
	}

	orch, cleanup, err := newOrchestrator(ctx, store, mode, cfg.Pipeline.RetryPause)
	if err != nil {
		return err
	}
	defer cleanup()

	batchSize := retryBatchSize
	if batchSize <= 0 {
		batchSize = cfg.Pipeline.RetryBatchSize
	}

	logger.Info("retrying failed icons", zap.String("errors", retryErrors), zap.String("output", dir))

	run, err := orch.Retry(ctx, retryErrors, batchSize)
	printRunSummary(cmd.OutOrStdout(), run, orch.Statistics(), store)
	return err
}
