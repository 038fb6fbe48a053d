package types

import (
	"math"
	"time"
)

// RunInfo carries the run-type flags written alongside a checkpoint
type RunInfo struct {
	RetryRun          bool
	OriginalErrorFile string
	EmbeddingRun      bool
	CombinedRun       bool
	SourceFiles       []string
	FileStats         map[string]int
	Deduplication     *DeduplicationStats
}

// DeduplicationStats reports record counts at each merge stage
type DeduplicationStats struct {
	TotalLoaded       int `json:"total_loaded"`
	AfterDedup        int `json:"after_dedup"`
	AfterValidation   int `json:"after_validation"`
	DuplicatesRemoved int `json:"duplicates_removed"`
	InvalidRemoved    int `json:"invalid_removed"`
}

// RunResult is the accumulated output of one run. It is persisted whole
// after every batch.
type RunResult struct {
	RunID          string
	Icons          []IconRecord
	Errors         []ErrorRecord
	Timestamp      time.Time
	EmbeddingModel string
	VisionModel    string
	Info           RunInfo
}

// AddError records a failed item
func (r *RunResult) AddError(item SourceItem, err *ItemError, at time.Time) {
	r.Errors = append(r.Errors, ErrorRecord{
		IconData:  item,
		Error:     err.Err.Error(),
		Step:      err.Stage,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
}

// SearchResult is a single icon match with relevance information
type SearchResult struct {
	IconID int64
	Rank   int // Position in result set (1-based)

	// Combined score from vector + BM25 + RRF
	RelevanceScore float64

	Name           string
	Description    string
	SearchableText string
	LocalPath      string
	Filename       string
}

// Validate checks that a result refers to a stored, named row. Scores are
// not range checked since BM25 and cosine scores pass through as computed.
func (sr *SearchResult) Validate() error {
	if sr.IconID == 0 {
		return ErrInvalidIconID
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if math.IsNaN(sr.RelevanceScore) || math.IsInf(sr.RelevanceScore, 0) {
		return ErrInvalidRelevanceScore
	}

	if sr.Name == "" {
		return ErrMissingName
	}

	return nil
}
