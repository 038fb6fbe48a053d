package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/iconindex/internal/describer"
	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/runstore"
	"github.com/dshills/iconindex/pkg/types"
)

const testDims = 4

type fakeDescriber struct {
	maxDelay time.Duration
	fail     map[string]error
	panics   map[string]bool
	calls    atomic.Int32
}

func (f *fakeDescriber) Generate(ctx context.Context, image []byte, name string) (string, error) {
	f.calls.Add(1)
	if f.maxDelay > 0 {
		time.Sleep(rand.N(f.maxDelay))
	}
	if f.panics[name] {
		panic("vision client blew up")
	}
	if err, ok := f.fail[name]; ok {
		return "", types.NewItemError(types.StageVisionAPI, name, err)
	}
	return "A " + strings.ReplaceAll(name, "_", " ") + " icon", nil
}

func (f *fakeDescriber) Model() string { return "fake-vision" }

type fakeEmbedder struct {
	dims  int
	fail  map[string]bool // keyed by the first word of the text
	calls atomic.Int32
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	f.calls.Add(1)
	if f.fail[strings.Fields(req.Text)[0]] {
		return nil, embedder.ErrNoEmbedding
	}
	v := make([]float32, f.dims)
	for i := range v {
		v[i] = float32(len(req.Text))
	}
	return &embedder.Embedding{Vector: v, Dimension: f.dims, Provider: "fake", Model: f.Model()}, nil
}

func (f *fakeEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	resp := &embedder.BatchEmbeddingResponse{Provider: "fake", Model: f.Model()}
	for _, text := range req.Texts {
		emb, err := f.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		if err != nil {
			return nil, err
		}
		resp.Embeddings = append(resp.Embeddings, emb)
	}
	return resp, nil
}

func (f *fakeEmbedder) Dimension() int   { return f.dims }
func (f *fakeEmbedder) Provider() string { return "fake" }
func (f *fakeEmbedder) Model() string    { return "fake-embed" }
func (f *fakeEmbedder) Close() error     { return nil }

type snapshot struct {
	icons  int
	errors int
}

// memoryStore records the size of the run at every checkpoint
type memoryStore struct {
	mu     sync.Mutex
	saves  []snapshot
	failAt int // 1-based save that fails, 0 for never
	onSave func(n int)
}

func (m *memoryStore) Save(ctx context.Context, run *types.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.saves) + 1
	if n == m.failAt {
		return fmt.Errorf("%w: disk full", types.ErrPersistence)
	}
	m.saves = append(m.saves, snapshot{icons: len(run.Icons), errors: len(run.Errors)})
	if m.onSave != nil {
		m.onSave(n)
	}
	return nil
}

type testHarness struct {
	orch   *Orchestrator
	pauses []time.Duration
}

func newHarness(t *testing.T, store Checkpointer, opts Options) *testHarness {
	t.Helper()
	if opts.Dimensions == 0 {
		opts.Dimensions = testDims
	}
	if opts.Pause == 0 {
		opts.Pause = DefaultPause
	}
	opts.Logger = zaptest.NewLogger(t)

	h := &testHarness{orch: New(store, opts)}
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.pauses = append(h.pauses, d)
		return ctx.Err()
	}
	h.orch.prepare = func(path string, maxSize int) (*describer.PreparedImage, error) {
		if strings.Contains(path, "missing") {
			return nil, fmt.Errorf("failed to open image %s: no such file", path)
		}
		return &describer.PreparedImage{PNG: []byte("png"), Width: 32, Height: 32}, nil
	}
	return h
}

func sourceItems(n int) []types.SourceItem {
	items := make([]types.SourceItem, n)
	for i := range items {
		name := fmt.Sprintf("icon_%02d", i)
		items[i] = types.SourceItem{
			Name:      name,
			LocalPath: "icons/" + name + ".png",
			Filename:  name + ".png",
			Src:       "https://example.com/" + name + ".png",
		}
	}
	return items
}

func names(records []types.IconRecord) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Name
	}
	return out
}

func TestProcess_PreservesOrderUnderRandomLatency(t *testing.T) {
	items := sourceItems(23)
	store := &memoryStore{}
	desc := &fakeDescriber{maxDelay: 5 * time.Millisecond}
	h := newHarness(t, store, Options{Describer: desc})

	run, err := h.orch.Process(context.Background(), items, 5)
	require.NoError(t, err)

	want := make([]string, len(items))
	for i, item := range items {
		want[i] = item.Name
	}
	assert.Equal(t, want, names(run.Icons))
	assert.Empty(t, run.Errors)
	assert.Equal(t, "fake-vision", run.VisionModel)
	assert.NotEmpty(t, run.RunID)

	assert.Len(t, store.saves, 5, "one checkpoint per batch")
	assert.Equal(t, []time.Duration{DefaultPause, DefaultPause, DefaultPause, DefaultPause}, h.pauses)

	stats := h.orch.Statistics()
	assert.Equal(t, 23, stats.Attempted)
	assert.Equal(t, 23, stats.Succeeded)
	assert.Equal(t, 5, stats.Batches)
}

func TestProcess_BuildsCompleteRecords(t *testing.T) {
	item := types.SourceItem{Name: "recycle_bin", LocalPath: "icons/recycle_bin.png", Filename: "recycle_bin.png", Alt: "Recycle Bin"}
	h := newHarness(t, &memoryStore{}, Options{Describer: &fakeDescriber{}})

	run, err := h.orch.Process(context.Background(), []types.SourceItem{item}, 20)
	require.NoError(t, err)
	require.Len(t, run.Icons, 1)

	rec := run.Icons[0]
	assert.Equal(t, "A recycle bin icon", rec.Description)
	assert.Equal(t, "recycle bin A recycle bin icon", rec.SearchableText)
	assert.Equal(t, "recycle_bin.png", rec.Filename)
	require.NotNil(t, rec.Width)
	assert.Equal(t, 32, *rec.Width)
	assert.Equal(t, item, rec.SourceData)
	assert.Nil(t, rec.Embedding)
	assert.True(t, rec.IsComplete())
}

func TestProcess_StageFailuresAreIsolated(t *testing.T) {
	items := []types.SourceItem{
		{Name: "folder", LocalPath: "icons/folder.png"},
		{Name: "no_path"},
		{Name: "gone", LocalPath: "icons/missing.png"},
		{Name: "refused", LocalPath: "icons/refused.png"},
		{Name: "exploding", LocalPath: "icons/exploding.png"},
		{Name: "computer", LocalPath: "icons/computer.png"},
	}
	desc := &fakeDescriber{
		fail:   map[string]error{"refused": errors.New("content policy")},
		panics: map[string]bool{"exploding": true},
	}
	h := newHarness(t, &memoryStore{}, Options{Describer: desc})

	run, err := h.orch.Process(context.Background(), items, 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"folder", "computer"}, names(run.Icons))
	require.Len(t, run.Errors, 4)

	steps := map[string]types.Stage{}
	for _, rec := range run.Errors {
		steps[rec.IconData.Name] = rec.Step
		assert.NotEmpty(t, rec.Error)
		assert.NotEmpty(t, rec.Timestamp)
	}
	assert.Equal(t, map[string]types.Stage{
		"no_path":   types.StageValidation,
		"gone":      types.StageImagePreparation,
		"refused":   types.StageVisionAPI,
		"exploding": types.StageGeneralException,
	}, steps)

	// The failed item's original input is kept for retries
	assert.Equal(t, "icons/missing.png", run.Errors[1].IconData.LocalPath)
	assert.Contains(t, run.Errors[2].Error, "content policy")

	stats := h.orch.Statistics()
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 4, stats.Failed)
}

func TestProcess_CheckpointsGrowEveryBatch(t *testing.T) {
	store := &memoryStore{}
	desc := &fakeDescriber{fail: map[string]error{"icon_04": errors.New("boom")}}
	h := newHarness(t, store, Options{Describer: desc})

	_, err := h.orch.Process(context.Background(), sourceItems(7), 3)
	require.NoError(t, err)

	assert.Equal(t, []snapshot{
		{icons: 3, errors: 0},
		{icons: 5, errors: 1},
		{icons: 6, errors: 1},
	}, store.saves)
}

func TestProcess_PersistenceFailureStopsRun(t *testing.T) {
	store := &memoryStore{failAt: 2}
	desc := &fakeDescriber{}
	h := newHarness(t, store, Options{Describer: desc})

	run, err := h.orch.Process(context.Background(), sourceItems(6), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPersistence)

	assert.Equal(t, int32(4), desc.calls.Load(), "no batch may start after a failed checkpoint")
	require.NotNil(t, run)
	assert.Len(t, run.Icons, 4)
	assert.Len(t, store.saves, 1)
}

func TestProcess_CancelAfterFirstBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &memoryStore{onSave: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	desc := &fakeDescriber{}
	h := newHarness(t, store, Options{Describer: desc})

	run, err := h.orch.Process(ctx, sourceItems(9), 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, run.Icons, 3)
	assert.Len(t, store.saves, 1)
	assert.Equal(t, int32(3), desc.calls.Load())
}

func TestProcess_FullMode(t *testing.T) {
	emb := &fakeEmbedder{dims: testDims, fail: map[string]bool{"modem": true}}
	items := []types.SourceItem{
		{Name: "calculator", LocalPath: "icons/calculator.png"},
		{Name: "modem", LocalPath: "icons/modem.png"},
	}
	h := newHarness(t, &memoryStore{}, Options{Mode: ModeFull, Describer: &fakeDescriber{}, Embedder: emb})

	run, err := h.orch.Process(context.Background(), items, 10)
	require.NoError(t, err)
	assert.Equal(t, "fake-embed", run.EmbeddingModel)

	require.Len(t, run.Icons, 2)
	assert.True(t, run.Icons[0].HasValidEmbedding(testDims))
	assert.False(t, run.Icons[1].HasValidEmbedding(testDims), "record survives without an embedding")
	assert.True(t, run.Icons[1].IsComplete())

	require.Len(t, run.Errors, 1)
	assert.Equal(t, types.StageEmbedding, run.Errors[0].Step)
	assert.Equal(t, "modem", run.Errors[0].IconData.Name)
}

func TestProcess_FullModeRejectsWrongWidth(t *testing.T) {
	emb := &fakeEmbedder{dims: testDims + 1}
	h := newHarness(t, &memoryStore{}, Options{Mode: ModeFull, Describer: &fakeDescriber{}, Embedder: emb})

	run, err := h.orch.Process(context.Background(), sourceItems(2), 10)
	require.NoError(t, err)
	for _, rec := range run.Icons {
		assert.Nil(t, rec.Embedding)
	}
	assert.Len(t, run.Errors, 2)
}

func TestProcess_Preconditions(t *testing.T) {
	ctx := context.Background()

	_, err := New(&memoryStore{}, Options{}).Process(ctx, sourceItems(1), 1)
	assert.ErrorIs(t, err, ErrNoDescriber)

	_, err = New(&memoryStore{}, Options{Mode: ModeFull, Describer: &fakeDescriber{}}).Process(ctx, sourceItems(1), 1)
	assert.ErrorIs(t, err, ErrNoEmbedder)

	_, err = New(&memoryStore{}, Options{}).EmbedRecords(ctx, &types.RunResult{}, 1)
	assert.ErrorIs(t, err, ErrNoEmbedder)

	h := newHarness(t, &memoryStore{}, Options{Describer: &fakeDescriber{}})
	require.True(t, h.orch.lock.TryAcquire())
	_, err = h.orch.Process(ctx, sourceItems(1), 1)
	assert.ErrorIs(t, err, ErrRunInProgress)
	h.orch.lock.Release()

	_, err = h.orch.Process(ctx, sourceItems(1), 1)
	assert.NoError(t, err)
}

func TestProcess_EmptyInput(t *testing.T) {
	store := &memoryStore{}
	h := newHarness(t, store, Options{Describer: &fakeDescriber{}})

	run, err := h.orch.Process(context.Background(), nil, 5)
	require.NoError(t, err)
	assert.Empty(t, run.Icons)
	assert.Empty(t, store.saves)
}

func embeddedRecord(name string, embedding []float32) types.IconRecord {
	item := types.SourceItem{Name: name, LocalPath: "icons/" + name + ".png"}
	rec := types.NewIconRecord(item, "A "+name, 32, 32)
	rec.Embedding = embedding
	return rec
}

func TestEmbedRecords(t *testing.T) {
	valid := []float32{9, 9, 9, 9}
	input := &types.RunResult{
		VisionModel: "gpt-4o-mini",
		Icons: []types.IconRecord{
			embeddedRecord("already", valid),
			embeddedRecord("short", []float32{1, 2}),
			embeddedRecord("none", nil),
			embeddedRecord("broken", nil),
		},
	}
	emb := &fakeEmbedder{dims: testDims, fail: map[string]bool{"broken": true}}
	store := &memoryStore{}
	h := newHarness(t, store, Options{Embedder: emb, Pause: DefaultRetryPause})

	run, err := h.orch.EmbedRecords(context.Background(), input, 2)
	require.NoError(t, err)

	assert.True(t, run.Info.EmbeddingRun)
	assert.Equal(t, "gpt-4o-mini", run.VisionModel)
	assert.Equal(t, "fake-embed", run.EmbeddingModel)
	assert.Equal(t, []string{"already", "short", "none", "broken"}, names(run.Icons))

	assert.Equal(t, valid, []float32(run.Icons[0].Embedding), "valid embeddings are carried unchanged")
	assert.True(t, run.Icons[1].HasValidEmbedding(testDims), "wrong-width embeddings are replaced")
	assert.True(t, run.Icons[2].HasValidEmbedding(testDims))
	assert.Nil(t, run.Icons[3].Embedding)

	require.Len(t, run.Errors, 1)
	assert.Equal(t, types.StageEmbedding, run.Errors[0].Step)
	assert.Equal(t, "broken", run.Errors[0].IconData.Name)

	assert.Equal(t, int32(3), emb.calls.Load())
	assert.Len(t, store.saves, 2)
	assert.Equal(t, []time.Duration{DefaultRetryPause}, h.pauses)

	stats := h.orch.Statistics()
	assert.Equal(t, 1, stats.Carried)
	assert.Equal(t, 3, stats.Attempted)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
}

func TestRetry(t *testing.T) {
	dir := t.TempDir()
	errorFile := filepath.Join(dir, runstore.ErrorFileName)

	failed := &types.RunResult{Timestamp: time.Now()}
	at := time.Now()
	for _, item := range sourceItems(3) {
		failed.AddError(item, types.NewItemError(types.StageVisionAPI, item.Name, errors.New("rate limited")), at)
	}
	require.NoError(t, runstore.WriteErrors(errorFile, failed))

	store := runstore.NewStore(filepath.Join(dir, "retry"), runstore.RetryProcessedFileName, runstore.RetryErrorFileName)
	h := newHarness(t, store, Options{Describer: &fakeDescriber{}, Pause: DefaultRetryPause})

	run, err := h.orch.Retry(context.Background(), errorFile, 0)
	require.NoError(t, err)
	assert.True(t, run.Info.RetryRun)
	assert.Equal(t, errorFile, run.Info.OriginalErrorFile)
	assert.Equal(t, []string{"icon_00", "icon_01", "icon_02"}, names(run.Icons))

	saved, err := runstore.ReadCheckpoint(store.ProcessedPath)
	require.NoError(t, err)
	assert.True(t, saved.Info.RetryRun)
	assert.Len(t, saved.Icons, 3)

	_, err = h.orch.Retry(context.Background(), filepath.Join(dir, "nope.json"), 0)
	assert.Error(t, err)
}

func TestRunLock(t *testing.T) {
	var l RunLock
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	l.Release()
	assert.True(t, l.TryAcquire())
}
