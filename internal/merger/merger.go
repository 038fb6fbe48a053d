// Package merger combines the records of several runs into one run,
// keeping the first record seen for each name.
package merger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/logging"
	"github.com/dshills/iconindex/internal/runstore"
	"github.com/dshills/iconindex/pkg/types"
)

var (
	// ErrNoInput is returned when no input run could be loaded
	ErrNoInput = errors.New("no records loaded from any input")

	// ErrNothingValid is returned when every record was dropped
	ErrNothingValid = errors.New("no valid records remain after validation")
)

// Input is one run to merge, labelled by the file it came from
type Input struct {
	Path string
	Run  *types.RunResult
}

// Merger combines runs
type Merger struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a merger
func New(logger *zap.Logger) *Merger {
	return &Merger{logger: logging.OrNop(logger), now: time.Now}
}

// MergeFiles loads each checkpoint file and merges them in argument order.
// Files that are missing or unreadable are skipped with a warning.
func (m *Merger) MergeFiles(paths []string) (*types.RunResult, error) {
	inputs := make([]Input, 0, len(paths))
	for _, path := range paths {
		run, err := runstore.ReadCheckpoint(path)
		if err != nil {
			m.logger.Warn("skipping input", zap.String("path", path), zap.Error(err))
			inputs = append(inputs, Input{Path: path, Run: &types.RunResult{}})
			continue
		}
		m.logger.Info("loaded input", zap.String("path", path), zap.Int("records", len(run.Icons)))
		inputs = append(inputs, Input{Path: path, Run: run})
	}
	return m.Merge(inputs)
}

// Merge concatenates the records of all inputs in order, drops later
// records whose name was already seen, drops records that are not usable
// for the artifact, and sorts the rest by name.
func (m *Merger) Merge(inputs []Input) (*types.RunResult, error) {
	var (
		all       []types.IconRecord
		fileStats = make(map[string]int, len(inputs))
		sources   = make([]string, 0, len(inputs))
		result    = &types.RunResult{}
	)

	for _, in := range inputs {
		sources = append(sources, in.Path)
		fileStats[in.Path] += len(in.Run.Icons)
		all = append(all, in.Run.Icons...)
		if result.EmbeddingModel == "" {
			result.EmbeddingModel = in.Run.EmbeddingModel
		}
		if result.VisionModel == "" {
			result.VisionModel = in.Run.VisionModel
		}
	}
	if len(all) == 0 {
		return nil, ErrNoInput
	}

	deduped := Deduplicate(all)
	valid := make([]types.IconRecord, 0, len(deduped))
	for _, rec := range deduped {
		if err := Validate(rec); err != nil {
			m.logger.Warn("dropping record", zap.String("name", rec.Name), zap.Error(err))
			continue
		}
		valid = append(valid, rec)
	}

	stats := &types.DeduplicationStats{
		TotalLoaded:       len(all),
		AfterDedup:        len(deduped),
		AfterValidation:   len(valid),
		DuplicatesRemoved: len(all) - len(deduped),
		InvalidRemoved:    len(deduped) - len(valid),
	}
	m.logger.Info("merge complete",
		zap.Int("total_loaded", stats.TotalLoaded),
		zap.Int("after_dedup", stats.AfterDedup),
		zap.Int("after_validation", stats.AfterValidation),
	)

	if len(valid) == 0 {
		return nil, ErrNothingValid
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Name < valid[j].Name })

	result.Icons = valid
	result.Errors = []types.ErrorRecord{}
	result.Timestamp = m.now()
	result.Info = types.RunInfo{
		CombinedRun:   true,
		SourceFiles:   sources,
		FileStats:     fileStats,
		Deduplication: stats,
	}
	return result, nil
}

// Deduplicate keeps the first record for each name. Records without a name
// are dropped.
func Deduplicate(records []types.IconRecord) []types.IconRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]types.IconRecord, 0, len(records))
	for _, rec := range records {
		if rec.Name == "" {
			continue
		}
		if _, dup := seen[rec.Name]; dup {
			continue
		}
		seen[rec.Name] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// Validate reports why a record cannot go into the artifact, if it cannot
func Validate(rec types.IconRecord) error {
	var missing []string
	if rec.Name == "" {
		missing = append(missing, "name")
	}
	if rec.Description == "" {
		missing = append(missing, "description")
	}
	if len(rec.Embedding) == 0 {
		missing = append(missing, "embedding")
	}
	if rec.LocalPath == "" {
		missing = append(missing, "local_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", types.ErrConsistency, missing)
	}
	return nil
}
