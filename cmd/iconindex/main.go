// Package main provides the iconindex command line: it describes scraped
// icons, embeds the descriptions, merges runs and assembles the searchable
// SQLite artifact.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/config"
	"github.com/dshills/iconindex/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	configPath string
	verbose    bool
	logFormat  string
	outputDir  string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "iconindex",
	Short:         "Build a searchable index of icon images",
	Long:          "iconindex describes icon images with a vision model, embeds the descriptions and packages everything into a single SQLite file with full-text and vector indexes.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		logger, err = logging.New(logging.Options{Verbose: verbose, Format: logFormat})
		if err != nil {
			return err
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if outputDir != "" {
			cfg.OutputDir = outputDir
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or console")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for run outputs (overrides config)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
