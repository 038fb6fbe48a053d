package assembler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/storage"
	"github.com/dshills/iconindex/pkg/types"
)

// DefaultBackfillBatch is the number of rows embedded before each commit
const DefaultBackfillBatch = 20

// AddReport summarizes an AddRecords call
type AddReport struct {
	Added   int
	Skipped int // Names already in the artifact
	Invalid int // Incomplete records, never inserted
	Failed  int
	Vectors int
	Counts  storage.Counts
}

// BackfillReport summarizes a Backfill call
type BackfillReport struct {
	Missing   int
	Completed int
	Failed    int
	Counts    storage.Counts
}

// AddRecords inserts records into the existing artifact at path. Records
// whose name is already present are skipped, incomplete ones are dropped.
func (a *Assembler) AddRecords(ctx context.Context, path string, records []types.IconRecord) (*AddReport, error) {
	store, err := storage.OpenSQLiteStorage(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	// Existence is checked before the transaction takes the connection
	valid, invalid := a.consistentRecords(records)
	report := &AddReport{Invalid: invalid}
	pending := make([]types.IconRecord, 0, len(valid))
	seen := make(map[string]struct{}, len(valid))
	for _, rec := range valid {
		if _, dup := seen[rec.Name]; dup {
			report.Skipped++
			continue
		}
		seen[rec.Name] = struct{}{}

		exists, err := store.IconExists(ctx, rec.Name)
		if err != nil {
			return nil, err
		}
		if exists {
			report.Skipped++
			a.logger.Debug("already in artifact", zap.String("name", rec.Name))
			continue
		}
		pending = append(pending, rec)
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range pending {
		vectorStored, err := tx.InsertRecord(ctx, IconFromRecord(rec, store.Dimension()))
		if err != nil {
			report.Failed++
			a.logger.Warn("failed to add record", zap.String("name", rec.Name), zap.Error(err))
			continue
		}
		report.Added++
		if vectorStored {
			report.Vectors++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit records: %w", err)
	}

	counts, err := a.refreshTotal(ctx, store)
	if err != nil {
		return nil, err
	}
	report.Counts = *counts

	a.logger.Info("records added",
		zap.String("path", path),
		zap.Int("added", report.Added),
		zap.Int("skipped", report.Skipped),
		zap.Int("invalid", report.Invalid),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// Backfill embeds the searchable text of every row that has no embedding
// and writes the vector into the row and the vector index in place. Rows
// whose embedding fails are left untouched and counted.
func (a *Assembler) Backfill(ctx context.Context, path string, emb embedder.Embedder, batchSize int) (*BackfillReport, error) {
	store, err := storage.OpenSQLiteStorage(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	if emb.Dimension() != store.Dimension() {
		return nil, fmt.Errorf("%w: embedder produces %d, artifact stores %d",
			storage.ErrDimensionMismatch, emb.Dimension(), store.Dimension())
	}
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatch
	}

	missing, err := store.ListIconsMissingEmbedding(ctx)
	if err != nil {
		return nil, err
	}

	report := &BackfillReport{Missing: len(missing)}
	a.logger.Info("backfilling embeddings", zap.String("path", path), zap.Int("missing", len(missing)))

	for lo := 0; lo < len(missing); lo += batchSize {
		hi := min(lo+batchSize, len(missing))
		if err := a.backfillBatch(ctx, store, emb, missing[lo:hi], report); err != nil {
			return report, err
		}
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		return report, err
	}
	report.Counts = *counts

	a.logger.Info("backfill complete",
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("still_missing", counts.Missing),
	)
	return report, nil
}

func (a *Assembler) backfillBatch(ctx context.Context, store storage.Storage, emb embedder.Embedder,
	icons []*storage.Icon, report *BackfillReport) error {
	vectors := make([][]float32, len(icons))

	var g errgroup.Group
	for i, icon := range icons {
		g.Go(func() error {
			v, err := embedder.Embed(ctx, emb, icon.SearchableText)
			if err != nil {
				a.logger.Warn("failed to embed", zap.String("name", icon.Name), zap.Error(err))
				return nil
			}
			if !types.ValidEmbedding(v, store.Dimension()) {
				a.logger.Warn("embedding has wrong width", zap.String("name", icon.Name), zap.Int("got", len(v)))
				return nil
			}
			vectors[i] = v
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, icon := range icons {
		if vectors[i] == nil {
			report.Failed++
			continue
		}
		if err := tx.UpdateEmbedding(ctx, icon.ID, vectors[i]); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				a.logger.Debug("embedding already present", zap.String("name", icon.Name))
			} else {
				a.logger.Warn("failed to store embedding", zap.String("name", icon.Name), zap.Error(err))
			}
			report.Failed++
			continue
		}
		report.Completed++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit embeddings: %w", err)
	}
	return nil
}

// refreshTotal rewrites the total_icons metadata from the primary table
func (a *Assembler) refreshTotal(ctx context.Context, store storage.Storage) (*storage.Counts, error) {
	counts, err := store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.SetMetadata(ctx, storage.MetaTotalIcons, strconv.Itoa(counts.Icons)); err != nil {
		return nil, err
	}
	return counts, nil
}
