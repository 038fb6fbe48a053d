// Package runstore persists run results as JSON checkpoint and error files
// and reads scraper output back in as work items.
//
// Every write replaces the whole file through a temp file and rename, so a
// reader never observes a partially written checkpoint.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/iconindex/pkg/types"
)

// Default file names inside a run directory
const (
	ProcessedFileName      = "icons_processed.json"
	ErrorFileName          = "icons_errors.json"
	RetryProcessedFileName = "icons_processed_retry.json"
	RetryErrorFileName     = "icons_errors_retry.json"
	EmbeddedFileName       = "icons_processed_embedded.json"
	CombinedFileName       = "icons_processed_combined.json"
)

// ErrNoItems is returned when a source document contains no items
var ErrNoItems = errors.New("no items found")

// checkpointFile is the on-disk shape of a processed-icons file
type checkpointFile struct {
	ProcessedIcons     []types.IconRecord        `json:"processed_icons"`
	TotalCount         int                       `json:"total_count"`
	Timestamp          time.Time                 `json:"timestamp"`
	EmbeddingModel     string                    `json:"embedding_model"`
	VisionModel        string                    `json:"vision_model"`
	RunID              string                    `json:"run_id,omitempty"`
	RetryRun           bool                      `json:"retry_run,omitempty"`
	OriginalErrorFile  string                    `json:"original_error_file,omitempty"`
	EmbeddingRun       bool                      `json:"embedding_run,omitempty"`
	CombinedRun        bool                      `json:"combined_run,omitempty"`
	SourceFiles        []string                  `json:"source_files,omitempty"`
	FileStats          map[string]int            `json:"file_stats,omitempty"`
	DeduplicationStats *types.DeduplicationStats `json:"deduplication_stats,omitempty"`
}

// errorFile is the on-disk shape of an error file
type errorFile struct {
	ErrorIcons        []types.ErrorRecord `json:"error_icons"`
	TotalErrors       int                 `json:"total_errors"`
	Timestamp         time.Time           `json:"timestamp"`
	RunID             string              `json:"run_id,omitempty"`
	RetryRun          bool                `json:"retry_run,omitempty"`
	OriginalErrorFile string              `json:"original_error_file,omitempty"`
}

// Store writes the checkpoint and error files of one run. Only the
// orchestrator that owns the run writes through it.
type Store struct {
	ProcessedPath string
	ErrorPath     string
}

// NewStore returns a store writing the named files inside dir
func NewStore(dir, processedName, errorName string) *Store {
	return &Store{
		ProcessedPath: filepath.Join(dir, processedName),
		ErrorPath:     filepath.Join(dir, errorName),
	}
}

// Save overwrites both files with the full accumulated run.
// Any failure is reported as types.ErrPersistence.
func (s *Store) Save(ctx context.Context, run *types.RunResult) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	if err := WriteCheckpoint(s.ProcessedPath, run); err != nil {
		return err
	}
	if s.ErrorPath == "" {
		return nil
	}
	return WriteErrors(s.ErrorPath, run)
}

// EncodeCheckpoint serializes the processed-icons document. Output is
// deterministic for a given RunResult.
func EncodeCheckpoint(run *types.RunResult) ([]byte, error) {
	icons := run.Icons
	if icons == nil {
		icons = []types.IconRecord{}
	}
	doc := checkpointFile{
		ProcessedIcons:     icons,
		TotalCount:         len(icons),
		Timestamp:          run.Timestamp,
		EmbeddingModel:     run.EmbeddingModel,
		VisionModel:        run.VisionModel,
		RunID:              run.RunID,
		RetryRun:           run.Info.RetryRun,
		OriginalErrorFile:  run.Info.OriginalErrorFile,
		EmbeddingRun:       run.Info.EmbeddingRun,
		CombinedRun:        run.Info.CombinedRun,
		SourceFiles:        run.Info.SourceFiles,
		FileStats:          run.Info.FileStats,
		DeduplicationStats: run.Info.Deduplication,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// EncodeErrors serializes the error document
func EncodeErrors(run *types.RunResult) ([]byte, error) {
	errs := run.Errors
	if errs == nil {
		errs = []types.ErrorRecord{}
	}
	doc := errorFile{
		ErrorIcons:        errs,
		TotalErrors:       len(errs),
		Timestamp:         run.Timestamp,
		RunID:             run.RunID,
		RetryRun:          run.Info.RetryRun,
		OriginalErrorFile: run.Info.OriginalErrorFile,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// WriteCheckpoint atomically replaces path with the processed-icons document
func WriteCheckpoint(path string, run *types.RunResult) error {
	data, err := EncodeCheckpoint(run)
	if err != nil {
		return fmt.Errorf("%w: failed to encode checkpoint: %w", types.ErrPersistence, err)
	}
	return writeFileAtomic(path, data)
}

// WriteErrors atomically replaces path with the error document
func WriteErrors(path string, run *types.RunResult) error {
	data, err := EncodeErrors(run)
	if err != nil {
		return fmt.Errorf("%w: failed to encode error file: %w", types.ErrPersistence, err)
	}
	return writeFileAtomic(path, data)
}

// ReadCheckpoint loads a processed-icons document. Embeddings that are not
// numeric arrays decode as absent.
func ReadCheckpoint(path string) (*types.RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc checkpointFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return &types.RunResult{
		RunID:          doc.RunID,
		Icons:          doc.ProcessedIcons,
		Timestamp:      doc.Timestamp,
		EmbeddingModel: doc.EmbeddingModel,
		VisionModel:    doc.VisionModel,
		Info: types.RunInfo{
			RetryRun:          doc.RetryRun,
			OriginalErrorFile: doc.OriginalErrorFile,
			EmbeddingRun:      doc.EmbeddingRun,
			CombinedRun:       doc.CombinedRun,
			SourceFiles:       doc.SourceFiles,
			FileStats:         doc.FileStats,
			Deduplication:     doc.DeduplicationStats,
		},
	}, nil
}

// ReadErrors loads the records of an error document
func ReadErrors(path string) ([]types.ErrorRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc errorFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc.ErrorIcons, nil
}

// ErrorItems re-extracts the original input of each failed attempt so it
// can be processed again as a fresh work item.
func ErrorItems(records []types.ErrorRecord) []types.SourceItem {
	items := make([]types.SourceItem, 0, len(records))
	for _, rec := range records {
		items = append(items, rec.IconData)
	}
	return items
}

// ReadSourceItems loads scraper output. Both the full download report
// ({"download_results": {"successful": [...]}}) and a bare array are accepted.
func ReadSourceItems(path string) ([]types.SourceItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var items []types.SourceItem
	if err := json.Unmarshal(data, &items); err != nil {
		var report struct {
			DownloadResults struct {
				Successful []types.SourceItem `json:"successful"`
			} `json:"download_results"`
		}
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		items = report.DownloadResults.Successful
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoItems, path)
	}
	return items, nil
}

// RunDir returns a timestamped directory under base, e.g.
// outputs/20240501_120000 or outputs/retry_20240501_120000.
func RunDir(base, prefix string, at time.Time) string {
	name := at.Format("20060102_150405")
	if prefix != "" {
		name = prefix + "_" + name
	}
	return filepath.Join(base, name)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create %s: %w", types.ErrPersistence, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %w", types.ErrPersistence, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: failed to write %s: %w", types.ErrPersistence, path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: failed to sync %s: %w", types.ErrPersistence, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %w", types.ErrPersistence, path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("%w: failed to chmod %s: %w", types.ErrPersistence, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %w", types.ErrPersistence, path, err)
	}
	return nil
}
