package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/mcp"
	"github.com/dshills/iconindex/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an artifact to MCP clients over stdio",
	Long:  "Open an assembled artifact and answer search_icons and artifact_status tool calls over stdio. Without a working embedding backend, searches use the full-text index only.",
	RunE:  runServe,
}

var (
	serveDB         string
	serveNoEmbedder bool
)

func init() {
	serveCmd.Flags().StringVar(&serveDB, "db", "", "Artifact path (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoEmbedder, "keyword-only", false, "Do not start an embedding backend")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	path := dbPath(serveDB)

	store, err := storage.OpenSQLiteStorage(path)
	if err != nil {
		return err
	}

	var emb embedder.Embedder
	if !serveNoEmbedder {
		// Queries must be embedded at the width the artifact was built with
		embCfg := cfg.Embedding
		embCfg.Dimensions = store.Dimension()

		emb, err = embedder.New(ctx, embCfg, logger)
		if err != nil {
			logger.Warn("embedding backend unavailable, serving keyword search only", zap.Error(err))
			emb = nil
		} else {
			defer func() { _ = emb.Close() }()
		}
	}

	logger.Info("serving artifact",
		zap.String("path", path),
		zap.String("build_mode", storage.BuildMode),
		zap.Bool("vector_extension", storage.VectorExtensionAvailable),
		zap.Bool("embedder", emb != nil))

	return mcp.NewServer(store, emb, mcp.Options{Path: path, Version: version, Logger: logger}).Serve(ctx)
}
