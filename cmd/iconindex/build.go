package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/iconindex/internal/assembler"
	"github.com/dshills/iconindex/internal/runstore"
	"github.com/dshills/iconindex/pkg/types"
)

// errNotVerified is returned when the assembled artifact failed a check
var errNotVerified = errors.New("artifact failed verification")

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Assemble the searchable SQLite artifact from a processed file",
	Long:  "Build a fresh single-file SQLite database from a processed (usually combined) file: icon rows, a full-text index over name and description, a vector index for embedded records and build metadata. The file is verified after it is written.",
	RunE:  runBuild,
}

var (
	buildInput string
	buildDB    string
)

func init() {
	buildCmd.Flags().StringVarP(&buildInput, "input", "i", "", "Path to a processed icons file (required)")
	buildCmd.Flags().StringVar(&buildDB, "db", "", "Artifact path (overrides config)")
	_ = buildCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, _ []string) error {
	run, err := runstore.ReadCheckpoint(buildInput)
	if err != nil {
		return err
	}
	if run.EmbeddingModel == "" {
		run.EmbeddingModel = cfg.Embedding.Model
	}

	report, err := assembler.New(logger).Assemble(cmd.Context(), dbPath(buildDB), run, cfg.Embedding.Dimensions)
	if err != nil {
		return err
	}

	printBuildReport(cmd.OutOrStdout(), report)
	if !report.Verified() {
		return fmt.Errorf("%w: %s", errNotVerified, strings.Join(report.VerifyErrors, "; "))
	}
	return nil
}

func printBuildReport(w io.Writer, r *assembler.Report) {
	fmt.Fprintf(w, "Artifact:        %s (%.2f MB)\n", r.Path, r.SizeMB)
	fmt.Fprintf(w, "Records:         %d inserted, %d incomplete, %d failed of %d\n", r.Inserted, r.Invalid, r.Failed, r.Attempted)
	fmt.Fprintf(w, "Vectors:         %d stored, %d without embedding\n", r.VectorsStored, r.VectorsSkipped)
	fmt.Fprintf(w, "Index rows:      icons=%d vectors=%d texts=%d\n", r.Counts.Icons, r.Counts.Vectors, r.Counts.Texts)
	fmt.Fprintf(w, "Probe results:   vector=%d text=%d\n", r.VectorProbe, r.TextProbe)
	fmt.Fprintf(w, "Duration:        %s\n", r.Duration.Round(time.Millisecond))
	if r.Verified() {
		fmt.Fprintln(w, "Verification:    passed")
		return
	}
	fmt.Fprintln(w, "Verification:    FAILED")
	for _, msg := range r.VerifyErrors {
		fmt.Fprintf(w, "  - %s\n", msg)
	}
}

// dbPath returns the flag value, falling back to the configured artifact
func dbPath(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Database.Path
}

// readRecords loads the records of a processed file
func readRecords(path string) ([]types.IconRecord, error) {
	run, err := runstore.ReadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	return run.Icons, nil
}
