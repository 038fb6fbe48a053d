package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/logging"
	"github.com/dshills/iconindex/internal/storage"
	"github.com/dshills/iconindex/pkg/types"
)

// Verification probes
const (
	verifyVectorK  = 5
	verifyTextTerm = "computer"
)

// Report summarizes one assembly
type Report struct {
	Path           string
	Attempted      int
	Invalid        int // Records dropped before insertion as incomplete
	Inserted       int
	Failed         int
	VectorsStored  int
	VectorsSkipped int // Records whose embedding was absent or the wrong width
	Counts         storage.Counts
	VectorProbe    int // Rows returned by the zero-vector query
	TextProbe      int // Rows returned by the full-text query
	VerifyErrors   []string
	SizeMB         float64
	Duration       time.Duration
}

// Verified reports whether every post-build check passed
func (r *Report) Verified() bool {
	return len(r.VerifyErrors) == 0
}

// Assembler builds and maintains artifact files
type Assembler struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates an assembler
func New(logger *zap.Logger) *Assembler {
	return &Assembler{logger: logging.OrNop(logger), now: time.Now}
}

// Assemble builds a new artifact at path from the records of run. Any
// existing file at path is replaced. Incomplete records are dropped and
// counted before the file is touched; when none remain nothing is written.
// Records that fail to insert are logged, counted and skipped. Verification
// failures are reported in the returned Report; they do not remove the
// artifact.
func (a *Assembler) Assemble(ctx context.Context, path string, run *types.RunResult, dims int) (*Report, error) {
	if run == nil || len(run.Icons) == 0 {
		return nil, fmt.Errorf("%w: no records to assemble", types.ErrConsistency)
	}

	records, invalid := a.consistentRecords(run.Icons)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: none of %d records is complete", types.ErrConsistency, len(run.Icons))
	}

	start := a.now()
	if err := removeArtifact(path); err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStorage(path, dims)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}
	defer func() { _ = store.Close() }()

	report := &Report{Path: path, Attempted: len(run.Icons), Invalid: invalid}
	if err := a.insertAll(ctx, store, records, report); err != nil {
		return nil, err
	}

	if err := a.writeMetadata(ctx, store, run, report.Inserted); err != nil {
		return nil, err
	}

	if err := store.Optimize(ctx); err != nil {
		return nil, fmt.Errorf("failed to optimize artifact: %w", err)
	}

	a.verify(ctx, store, report)

	if status, err := store.GetStatus(ctx); err == nil {
		report.SizeMB = status.SizeMB
	}
	report.Duration = a.now().Sub(start)

	a.logger.Info("artifact assembled",
		zap.String("path", path),
		zap.Int("inserted", report.Inserted),
		zap.Int("invalid", report.Invalid),
		zap.Int("failed", report.Failed),
		zap.Int("vectors", report.VectorsStored),
		zap.Int("vectors_skipped", report.VectorsSkipped),
		zap.Bool("verified", report.Verified()),
		zap.Float64("size_mb", report.SizeMB),
	)
	return report, nil
}

func (a *Assembler) insertAll(ctx context.Context, store storage.Storage, records []types.IconRecord, report *Report) error {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dims := store.Dimension()
	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		icon := IconFromRecord(records[i], dims)
		if icon.Embedding == nil {
			report.VectorsSkipped++
			if len(records[i].Embedding) > 0 {
				a.logger.Warn("embedding has wrong width, storing without vector",
					zap.String("name", icon.Name),
					zap.Int("got", len(records[i].Embedding)),
					zap.Int("want", dims),
				)
			}
		}

		vectorStored, err := tx.InsertRecord(ctx, icon)
		if err != nil {
			report.Failed++
			a.logger.Warn("skipping record", zap.String("name", icon.Name), zap.Error(err))
			continue
		}
		report.Inserted++
		if vectorStored {
			report.VectorsStored++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

func (a *Assembler) writeMetadata(ctx context.Context, store storage.Storage, run *types.RunResult, total int) error {
	extension := "none"
	if storage.VectorExtensionAvailable {
		extension = "sqlite-vec"
	}

	entries := []struct{ key, value string }{
		{storage.MetaTotalIcons, strconv.Itoa(total)},
		{storage.MetaBuildTimestamp, a.now().UTC().Format(time.RFC3339)},
		{storage.MetaEmbeddingModel, run.EmbeddingModel},
		{storage.MetaVisionModel, run.VisionModel},
		{storage.MetaEmbeddingDimensions, strconv.Itoa(store.Dimension())},
		{storage.MetaDatabaseVersion, storage.CurrentSchemaVersion},
		{storage.MetaVectorExtension, extension},
	}
	for _, e := range entries {
		if err := store.SetMetadata(ctx, e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// verify counts the three indexes and runs one query against each search
// index. Failures are collected, not returned.
func (a *Assembler) verify(ctx context.Context, store storage.Storage, report *Report) {
	fail := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		report.VerifyErrors = append(report.VerifyErrors, msg)
		a.logger.Error("verification failed", zap.String("check", msg))
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		fail("count rows: %v", err)
	} else {
		report.Counts = *counts
		if counts.Icons != report.Inserted {
			fail("icons table has %d rows, inserted %d", counts.Icons, report.Inserted)
		}
		if counts.Vectors != report.VectorsStored {
			fail("vector index has %d rows, stored %d", counts.Vectors, report.VectorsStored)
		}
		if counts.Texts != counts.Icons {
			fail("text index has %d documents for %d icons", counts.Texts, counts.Icons)
		}
	}

	n, err := store.VerifyVectorQuery(ctx, verifyVectorK)
	if err != nil {
		fail("vector query: %v", err)
	}
	report.VectorProbe = n

	results, err := store.SearchText(ctx, verifyTextTerm, verifyVectorK)
	if err != nil {
		fail("text query: %v", err)
	}
	report.TextProbe = len(results)
}

// checkConsistency rejects records that cannot become a searchable row: an
// artifact row needs a name and a description. The searchable text is
// derived from both when a record does not carry it.
func checkConsistency(rec types.IconRecord) error {
	switch {
	case rec.Name == "":
		return fmt.Errorf("%w: missing name", types.ErrConsistency)
	case rec.Description == "":
		return fmt.Errorf("%w: %s has no description", types.ErrConsistency, rec.Name)
	}
	return nil
}

// consistentRecords returns the records that pass checkConsistency and the
// number dropped
func (a *Assembler) consistentRecords(records []types.IconRecord) ([]types.IconRecord, int) {
	kept := make([]types.IconRecord, 0, len(records))
	dropped := 0
	for _, rec := range records {
		if err := checkConsistency(rec); err != nil {
			dropped++
			a.logger.Warn("dropping incomplete record", zap.String("local_path", rec.LocalPath), zap.Error(err))
			continue
		}
		kept = append(kept, rec)
	}
	return kept, dropped
}

// IconFromRecord maps a run record onto an artifact row. The embedding is
// kept only when it has exactly dims values.
func IconFromRecord(rec types.IconRecord, dims int) *storage.Icon {
	icon := &storage.Icon{
		Name:           rec.Name,
		Filename:       rec.Filename,
		LocalPath:      rec.LocalPath,
		Description:    rec.Description,
		SearchableText: rec.SearchableText,
		Width:          rec.Width,
		Height:         rec.Height,
		SourceURL:      rec.SourceData.Src,
		AltText:        rec.SourceData.Alt,
		ParentText:     rec.SourceData.ParentText,
	}
	if icon.SearchableText == "" {
		icon.SearchableText = types.SearchableText(rec.Name, rec.Description)
	}
	if types.ValidEmbedding(rec.Embedding, dims) {
		icon.Embedding = rec.Embedding
	}
	return icon
}

// removeArtifact deletes path and any journal left next to it
func removeArtifact(path string) error {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}
