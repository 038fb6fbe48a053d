package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/iconindex/internal/describer"
	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/logging"
	"github.com/dshills/iconindex/internal/runstore"
	"github.com/dshills/iconindex/pkg/types"
)

var (
	// ErrRunInProgress is returned when a run is started on an orchestrator
	// that is already running one
	ErrRunInProgress = errors.New("a run is already in progress")

	// ErrNoEmbedder is returned when embedding is requested without an embedder
	ErrNoEmbedder = errors.New("no embedder configured")

	// ErrNoDescriber is returned when description is requested without a client
	ErrNoDescriber = errors.New("no describer configured")
)

// Default batching
const (
	DefaultBatchSize      = 20
	DefaultRetryBatchSize = 10
	DefaultPause          = 3 * time.Second
	DefaultRetryPause     = 2 * time.Second
)

// Mode selects what Process does with each source item
type Mode string

const (
	// ModeDescribe validates, prepares and describes each item
	ModeDescribe Mode = "describe"
	// ModeFull describes each item and then embeds the new record
	ModeFull Mode = "full"
)

// Describer produces a description for a prepared icon image
type Describer interface {
	Generate(ctx context.Context, image []byte, name string) (string, error)
	Model() string
}

// Checkpointer persists the whole accumulated run
type Checkpointer interface {
	Save(ctx context.Context, run *types.RunResult) error
}

// Options configures an Orchestrator
type Options struct {
	Mode           Mode
	Describer      Describer
	Embedder       embedder.Embedder
	EmbeddingModel string        // Recorded when no Embedder is set
	Dimensions     int           // Width every embedding must have
	MaxImageSize   int           // Bound for prepared images
	Pause          time.Duration // Sleep between batches
	Logger         *zap.Logger
}

// Statistics summarizes one run
type Statistics struct {
	Attempted int
	Succeeded int
	Failed    int
	Carried   int // Records passed through without work
	Batches   int
	Duration  time.Duration
}

// Orchestrator runs items through the pipeline in consecutive batches.
// Items within a batch run concurrently; the batch is awaited as a unit and
// the whole run is checkpointed before the next batch starts.
type Orchestrator struct {
	mode           Mode
	describer      Describer
	embedder       embedder.Embedder
	embeddingModel string
	dimensions     int
	maxImageSize   int
	pause          time.Duration
	store          Checkpointer
	validate       *validator.Validate
	logger         *zap.Logger
	lock           RunLock
	stats          Statistics

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	prepare func(path string, maxSize int) (*describer.PreparedImage, error)
	newID   func() string
}

// New creates an orchestrator writing checkpoints to store
func New(store Checkpointer, opts Options) *Orchestrator {
	if opts.Mode == "" {
		opts.Mode = ModeDescribe
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	return &Orchestrator{
		mode:           opts.Mode,
		describer:      opts.Describer,
		embedder:       opts.Embedder,
		embeddingModel: opts.EmbeddingModel,
		dimensions:     opts.Dimensions,
		maxImageSize:   opts.MaxImageSize,
		pause:          opts.Pause,
		store:          store,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logging.OrNop(opts.Logger),
		now:            time.Now,
		sleep:          sleepContext,
		prepare:        describer.PrepareImage,
		newID:          func() string { return uuid.NewString() },
	}
}

// Statistics returns the summary of the most recent run
func (o *Orchestrator) Statistics() Statistics {
	return o.stats
}

// Process describes (and in full mode embeds) every item, batchSize at a
// time. The returned run holds one record or error per item in input
// order. A checkpoint failure stops the run and is returned together with
// what had been accumulated; so is cancellation, after the last completed
// batch has been persisted.
func (o *Orchestrator) Process(ctx context.Context, items []types.SourceItem, batchSize int) (*types.RunResult, error) {
	return o.process(ctx, items, batchSize, types.RunInfo{})
}

// Retry reprocesses the items recorded in an error file
func (o *Orchestrator) Retry(ctx context.Context, errorFile string, batchSize int) (*types.RunResult, error) {
	records, err := runstore.ReadErrors(errorFile)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = DefaultRetryBatchSize
	}

	o.logger.Info("retrying failed items",
		zap.String("error_file", errorFile),
		zap.Int("items", len(records)),
	)
	return o.process(ctx, runstore.ErrorItems(records), batchSize, types.RunInfo{
		RetryRun:          true,
		OriginalErrorFile: errorFile,
	})
}

func (o *Orchestrator) process(ctx context.Context, items []types.SourceItem, batchSize int, info types.RunInfo) (*types.RunResult, error) {
	if o.describer == nil {
		return nil, ErrNoDescriber
	}
	if o.mode == ModeFull && o.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if !o.lock.TryAcquire() {
		return nil, ErrRunInProgress
	}
	defer o.lock.Release()

	run := o.newRun(info)
	run.VisionModel = o.describer.Model()

	err := o.runBatches(ctx, run, items, batchSize, func(ctx context.Context, i int) outcome {
		return o.processItem(ctx, items[i])
	})
	return run, err
}

// EmbedRecords embeds every record of input that lacks a valid embedding.
// Records that already have one are carried unchanged. A failed embedding
// is recorded as an error and the record is kept without an embedding.
func (o *Orchestrator) EmbedRecords(ctx context.Context, input *types.RunResult, batchSize int) (*types.RunResult, error) {
	if o.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if !o.lock.TryAcquire() {
		return nil, ErrRunInProgress
	}
	defer o.lock.Release()

	info := input.Info
	info.EmbeddingRun = true
	run := o.newRun(info)
	run.VisionModel = input.VisionModel

	records := input.Icons
	sources := make([]types.SourceItem, len(records))
	for i, rec := range records {
		sources[i] = sourceOf(rec)
	}
	err := o.runBatches(ctx, run, sources, batchSize, func(ctx context.Context, i int) outcome {
		rec := records[i]
		if rec.HasValidEmbedding(o.dimensions) {
			return outcome{record: &rec, carried: true}
		}
		rec.Embedding = nil
		if err := o.embedRecord(ctx, &rec); err != nil {
			return outcome{record: &rec, err: err}
		}
		return outcome{record: &rec}
	})
	return run, err
}

func (o *Orchestrator) newRun(info types.RunInfo) *types.RunResult {
	run := &types.RunResult{
		RunID:          o.newID(),
		Icons:          []types.IconRecord{},
		Errors:         []types.ErrorRecord{},
		Timestamp:      o.now(),
		EmbeddingModel: o.embeddingModel,
		Info:           info,
	}
	if o.embedder != nil {
		run.EmbeddingModel = o.embedder.Model()
	}
	return run
}

// outcome is the result of one item. A record and an error may both be
// set when the record survives a failed embedding.
type outcome struct {
	record  *types.IconRecord
	err     *types.ItemError
	carried bool
}

// runBatches runs work for each index of sources in consecutive batches and
// folds each batch's outcomes into run in index order before checkpointing
// it. sources[i] is what an error record for index i refers to.
func (o *Orchestrator) runBatches(ctx context.Context, run *types.RunResult, sources []types.SourceItem, batchSize int,
	work func(ctx context.Context, i int) outcome) error {
	n := len(sources)
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	start := o.now()
	o.stats = Statistics{}
	defer func() {
		o.stats.Duration = o.now().Sub(start)
		o.logger.Info("run finished",
			zap.String("run_id", run.RunID),
			zap.Int("attempted", o.stats.Attempted),
			zap.Int("succeeded", o.stats.Succeeded),
			zap.Int("failed", o.stats.Failed),
			zap.Int("carried", o.stats.Carried),
			zap.Int("batches", o.stats.Batches),
			zap.Duration("duration", o.stats.Duration),
		)
	}()

	batches := (n + batchSize - 1) / batchSize
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b > 0 && o.pause > 0 {
			if err := o.sleep(ctx, o.pause); err != nil {
				return err
			}
		}

		lo := b * batchSize
		hi := min(lo+batchSize, n)
		outcomes := make([]outcome, hi-lo)

		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				outcomes[i-lo] = o.safely(ctx, i, sources[i].Name, work)
				return nil
			})
		}
		_ = g.Wait()

		succeeded, failed, carried := o.fold(run, sources[lo:hi], outcomes)
		o.stats.Batches++
		o.stats.Attempted += len(outcomes) - carried
		o.stats.Succeeded += succeeded
		o.stats.Failed += failed
		o.stats.Carried += carried

		run.Timestamp = o.now()
		if err := o.store.Save(context.WithoutCancel(ctx), run); err != nil {
			o.logger.Error("checkpoint failed, stopping run", zap.Int("batch", b+1), zap.Error(err))
			return fmt.Errorf("batch %d: %w", b+1, err)
		}

		o.logger.Info("batch complete",
			zap.Int("batch", b+1),
			zap.Int("of", batches),
			zap.Int("attempted", len(outcomes)-carried),
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed),
			zap.Int("total_records", len(run.Icons)),
			zap.Int("total_errors", len(run.Errors)),
		)
	}
	return nil
}

// safely runs one unit of work, turning a panic into a failed outcome
func (o *Orchestrator) safely(ctx context.Context, i int, name string, work func(ctx context.Context, i int) outcome) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("item panicked", zap.String("name", name), zap.Any("panic", r))
			out = outcome{err: types.NewItemError(types.StageGeneralException, name, fmt.Errorf("panic: %v", r))}
		}
	}()
	return work(ctx, i)
}

func (o *Orchestrator) fold(run *types.RunResult, sources []types.SourceItem, outcomes []outcome) (succeeded, failed, carried int) {
	at := o.now()
	for i, out := range outcomes {
		if out.record != nil {
			run.Icons = append(run.Icons, *out.record)
		}
		switch {
		case out.err != nil:
			failed++
			run.AddError(sources[i], out.err, at)
		case out.carried:
			carried++
		default:
			succeeded++
		}
	}
	return succeeded, failed, carried
}

// sourceOf returns the scraper item behind a record, rebuilt from the
// record itself for files that did not keep it
func sourceOf(rec types.IconRecord) types.SourceItem {
	item := rec.SourceData
	if item.Name == "" {
		item.Name = rec.Name
		item.LocalPath = rec.LocalPath
		item.Filename = rec.Filename
	}
	return item
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
