package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/describer"
	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/pipeline"
	"github.com/dshills/iconindex/internal/runstore"
	"github.com/dshills/iconindex/pkg/types"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Describe downloaded icons with the vision model",
	Long:  "Describe every successfully downloaded icon, batch by batch, checkpointing the processed records and the errors after each batch. With --embed each new record is embedded as well.",
	RunE:  runDescribe,
}

var (
	describeInput     string
	describeBatchSize int
	describeEmbed     bool
)

func init() {
	describeCmd.Flags().StringVarP(&describeInput, "input", "i", "", "Path to the scraper download report (required)")
	describeCmd.Flags().IntVar(&describeBatchSize, "batch-size", 0, "Items per batch (overrides config)")
	describeCmd.Flags().BoolVar(&describeEmbed, "embed", false, "Embed each record right after describing it")
	_ = describeCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(describeCmd)
}

func runDescribe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	items, err := runstore.ReadSourceItems(describeInput)
	if err != nil {
		return err
	}

	dir := runstore.RunDir(cfg.OutputDir, "", time.Now())
	store := runstore.NewStore(dir, runstore.ProcessedFileName, runstore.ErrorFileName)

	mode := pipeline.ModeDescribe
	if describeEmbed {
		mode = pipeline.ModeFull
	}

	orch, cleanup, err := newOrchestrator(ctx, store, mode, cfg.Pipeline.BatchPause)
	if err != nil {
		return err
	}
	defer cleanup()

	batchSize := describeBatchSize
	if batchSize <= 0 {
		batchSize = cfg.Pipeline.BatchSize
	}

	logger.Info("describing icons",
		zap.String("input", describeInput),
		zap.Int("items", len(items)),
		zap.String("mode", string(mode)),
		zap.String("output", dir))

	run, err := orch.Process(ctx, items, batchSize)
	printRunSummary(cmd.OutOrStdout(), run, orch.Statistics(), store)
	return err
}

// newOrchestrator wires the configured vision and embedding backends into
// an orchestrator. The embedder is started only in full mode.
func newOrchestrator(ctx context.Context, store pipeline.Checkpointer, mode pipeline.Mode,
	pause time.Duration) (*pipeline.Orchestrator, func(), error) {
	client, err := describer.New(ctx, cfg.Vision, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := pipeline.Options{
		Mode:           mode,
		Describer:      client,
		EmbeddingModel: cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		MaxImageSize:   cfg.Vision.MaxImageSize,
		Pause:          pause,
		Logger:         logger,
	}

	cleanup := func() { _ = client.Close() }
	if mode == pipeline.ModeFull {
		emb, err := embedder.New(ctx, cfg.Embedding, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts.Embedder = emb
		cleanup = func() {
			_ = emb.Close()
			_ = client.Close()
		}
	}

	return pipeline.New(store, opts), cleanup, nil
}

func printRunSummary(w io.Writer, run *types.RunResult, stats pipeline.Statistics, store *runstore.Store) {
	fmt.Fprintf(w, "Attempted: %d\n", stats.Attempted)
	fmt.Fprintf(w, "Succeeded: %d\n", stats.Succeeded)
	fmt.Fprintf(w, "Failed:    %d\n", stats.Failed)
	if stats.Carried > 0 {
		fmt.Fprintf(w, "Carried:   %d\n", stats.Carried)
	}
	fmt.Fprintf(w, "Batches:   %d\n", stats.Batches)
	fmt.Fprintf(w, "Duration:  %s\n", stats.Duration.Round(time.Millisecond))
	if run != nil {
		fmt.Fprintf(w, "Records:   %s (%d)\n", store.ProcessedPath, len(run.Icons))
		fmt.Fprintf(w, "Errors:    %s (%d)\n", store.ErrorPath, len(run.Errors))
	}
}
