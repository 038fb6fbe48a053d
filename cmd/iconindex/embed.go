package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/pipeline"
	"github.com/dshills/iconindex/internal/runstore"
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Add embeddings to the records of a processed file",
	Long:  "Embed the searchable text of every record in a processed file that has no valid embedding. Records that already carry one are copied through unchanged.",
	RunE:  runEmbed,
}

var (
	embedInput     string
	embedBatchSize int
)

func init() {
	embedCmd.Flags().StringVarP(&embedInput, "input", "i", "", "Path to a processed icons file (required)")
	embedCmd.Flags().IntVar(&embedBatchSize, "batch-size", 0, "Records per batch (overrides config)")
	_ = embedCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(embedCmd)
}

func runEmbed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	input, err := runstore.ReadCheckpoint(embedInput)
	if err != nil {
		return err
	}

	emb, err := embedder.New(ctx, cfg.Embedding, logger)
	if err != nil {
		return err
	}
	defer func() { _ = emb.Close() }()

	dir := runstore.RunDir(cfg.OutputDir, "embedded", time.Now())
	store := runstore.NewStore(dir, runstore.EmbeddedFileName, runstore.ErrorFileName)

	orch := pipeline.New(store, pipeline.Options{
		Mode:       pipeline.ModeFull,
		Embedder:   emb,
		Dimensions: cfg.Embedding.Dimensions,
		Pause:      cfg.Pipeline.BatchPause,
		Logger:     logger,
	})

	batchSize := embedBatchSize
	if batchSize <= 0 {
		batchSize = cfg.Pipeline.BatchSize
	}

	logger.Info("embedding records",
		zap.String("input", embedInput),
		zap.Int("records", len(input.Icons)),
		zap.String("output", dir))

	run, err := orch.EmbedRecords(ctx, input, batchSize)
	printRunSummary(cmd.OutOrStdout(), run, orch.Statistics(), store)
	return err
}
