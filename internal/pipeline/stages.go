package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/pkg/types"
)

var errNoSearchableText = errors.New("record has no searchable text")

// processItem takes one source item through validation, image preparation
// and description, then embedding in full mode.
func (o *Orchestrator) processItem(ctx context.Context, item types.SourceItem) outcome {
	name := item.Name
	if name == "" {
		name = "unknown"
	}

	if err := o.validate.Struct(item); err != nil {
		return outcome{err: types.NewItemError(types.StageValidation, name, fmt.Errorf("invalid source item: %w", err))}
	}

	img, err := o.prepare(item.LocalPath, o.maxImageSize)
	if err != nil {
		return outcome{err: types.NewItemError(types.StageImagePreparation, name, err)}
	}

	description, err := o.describer.Generate(ctx, img.PNG, item.Name)
	if err != nil {
		var itemErr *types.ItemError
		if !errors.As(err, &itemErr) {
			itemErr = types.NewItemError(types.StageVisionAPI, name, err)
		}
		return outcome{err: itemErr}
	}

	rec := types.NewIconRecord(item, description, img.Width, img.Height)
	o.logger.Debug("described icon", zap.String("name", rec.Name), zap.String("description", description))

	if o.mode == ModeFull {
		if err := o.embedRecord(ctx, &rec); err != nil {
			return outcome{record: &rec, err: err}
		}
	}
	return outcome{record: &rec}
}

// embedRecord sets rec.Embedding from its searchable text. On failure the
// record is left without an embedding.
func (o *Orchestrator) embedRecord(ctx context.Context, rec *types.IconRecord) *types.ItemError {
	if rec.SearchableText == "" {
		return types.NewItemError(types.StageEmbedding, rec.Name, errNoSearchableText)
	}

	vector, err := embedder.Embed(ctx, o.embedder, rec.SearchableText)
	if err != nil {
		return types.NewItemError(types.StageEmbedding, rec.Name, err)
	}
	if !types.ValidEmbedding(vector, o.dimensions) {
		return types.NewItemError(types.StageEmbedding, rec.Name,
			fmt.Errorf("%w: got %d dimensions, want %d", embedder.ErrNoEmbedding, len(vector), o.dimensions))
	}

	rec.Embedding = vector
	return nil
}
