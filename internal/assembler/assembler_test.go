package assembler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/storage"
	"github.com/dshills/iconindex/pkg/types"
)

const testDims = 4

// stubEmbedder returns a constant vector, or no embedding for texts
// starting with one of the fail prefixes
type stubEmbedder struct {
	dims  int
	value float32
	fail  []string
}

func (s *stubEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	for _, prefix := range s.fail {
		if strings.HasPrefix(req.Text, prefix) {
			return nil, embedder.ErrNoEmbedding
		}
	}
	v := make([]float32, s.dims)
	for i := range v {
		v[i] = s.value
	}
	return &embedder.Embedding{Vector: v, Dimension: s.dims, Provider: "stub", Model: s.Model()}, nil
}

func (s *stubEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	resp := &embedder.BatchEmbeddingResponse{Provider: "stub", Model: s.Model()}
	for _, text := range req.Texts {
		emb, err := s.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		if err != nil {
			return nil, err
		}
		resp.Embeddings = append(resp.Embeddings, emb)
	}
	return resp, nil
}

func (s *stubEmbedder) Dimension() int   { return s.dims }
func (s *stubEmbedder) Provider() string { return "stub" }
func (s *stubEmbedder) Model() string    { return "stub-model" }
func (s *stubEmbedder) Close() error     { return nil }

func record(name, description string, embedding []float32) types.IconRecord {
	item := types.SourceItem{
		Name:      name,
		LocalPath: "icons/" + name + ".png",
		Filename:  name + ".png",
		Src:       "https://example.com/" + name + ".png",
		Alt:       strings.ReplaceAll(name, "_", " "),
	}
	rec := types.NewIconRecord(item, description, 32, 32)
	rec.Embedding = embedding
	return rec
}

func testRun(records ...types.IconRecord) *types.RunResult {
	return &types.RunResult{
		Icons:          records,
		EmbeddingModel: "Xenova/bge-base-en-v1.5",
		VisionModel:    "gpt-4o-mini",
	}
}

func artifactPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "icons.db")
}

func TestAssemble_ZeroRecords(t *testing.T) {
	a := New(zaptest.NewLogger(t))
	_, err := a.Assemble(context.Background(), artifactPath(t), testRun(), testDims)
	assert.ErrorIs(t, err, types.ErrConsistency)

	_, err = a.Assemble(context.Background(), artifactPath(t), nil, testDims)
	assert.ErrorIs(t, err, types.ErrConsistency)
}

func TestAssemble_NoCompleteRecords(t *testing.T) {
	path := artifactPath(t)
	run := testRun(
		types.IconRecord{LocalPath: "a.png"},
		types.IconRecord{Name: "nodesc", LocalPath: "b.png"},
	)

	report, err := New(zaptest.NewLogger(t)).Assemble(context.Background(), path, run, testDims)
	assert.ErrorIs(t, err, types.ErrConsistency)
	assert.Nil(t, report)

	// Nothing is written when the gate rejects every record
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAssemble_DropsIncompleteRecords(t *testing.T) {
	ctx := context.Background()
	path := artifactPath(t)

	nameless := record("", "A record without a name", []float32{1, 1, 1, 1})
	undescribed := record("disk", "", []float32{1, 1, 1, 1})
	undescribed.SearchableText = "disk"
	run := testRun(
		record("folder", "A folder", []float32{1, 1, 1, 1}),
		nameless,
		undescribed,
	)

	report, err := New(zaptest.NewLogger(t)).Assemble(ctx, path, run, testDims)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Invalid)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, storage.Counts{Icons: 1, Vectors: 1, Texts: 1}, report.Counts)
	assert.True(t, report.Verified(), report.VerifyErrors)

	store, err := storage.OpenSQLiteStorage(path)
	require.NoError(t, err)
	defer store.Close()

	for _, name := range []string{"", "disk"} {
		exists, err := store.IconExists(ctx, name)
		require.NoError(t, err)
		assert.False(t, exists, "%q should not be stored", name)
	}
}

func TestAssemble_EmbeddingWidthGate(t *testing.T) {
	ctx := context.Background()
	path := artifactPath(t)

	cases := map[string][]float32{
		"exact_width":   {1, 0, 0, 0},
		"one_short":     make([]float32, testDims-1),
		"empty_vector":  {},
		"too_long":      make([]float32, testDims+1),
		"no_embedding":  nil,
		"partial_width": {1, 2},
	}

	var records []types.IconRecord
	for name, vec := range cases {
		records = append(records, record(name, "An icon named "+name, vec))
	}

	report, err := New(zaptest.NewLogger(t)).Assemble(ctx, path, testRun(records...), testDims)
	require.NoError(t, err)
	assert.Equal(t, len(cases), report.Inserted)
	assert.Equal(t, 1, report.VectorsStored)
	assert.Equal(t, len(cases)-1, report.VectorsSkipped)
	assert.Equal(t, storage.Counts{Icons: len(cases), Vectors: 1, Texts: len(cases), Missing: len(cases) - 1}, report.Counts)

	store, err := storage.OpenSQLiteStorage(path)
	require.NoError(t, err)
	defer store.Close()

	// Every record keeps its primary row whatever its embedding
	for name := range cases {
		exists, err := store.IconExists(ctx, name)
		require.NoError(t, err)
		assert.True(t, exists, name)
	}
}

func TestAssemble_BuildsConsistentIndexes(t *testing.T) {
	ctx := context.Background()
	path := artifactPath(t)
	a := New(zaptest.NewLogger(t))

	run := testRun(
		record("my_computer", "A computer for browsing the system", []float32{1, 0, 0, 0}),
		record("folder", "A folder for organizing files", []float32{1, 2}),
		record("printer", "A printer for printing documents", nil),
	)

	report, err := a.Assemble(ctx, path, run, testDims)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Inserted)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.VectorsStored)
	assert.Equal(t, 2, report.VectorsSkipped)
	assert.Equal(t, storage.Counts{Icons: 3, Vectors: 1, Texts: 3, Missing: 2}, report.Counts)
	assert.True(t, report.Verified(), report.VerifyErrors)
	assert.Equal(t, 1, report.VectorProbe)
	assert.Equal(t, 1, report.TextProbe)
	assert.Positive(t, report.SizeMB)

	store, err := storage.OpenSQLiteStorage(path)
	require.NoError(t, err)
	defer store.Close()

	meta, err := store.GetMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", meta[storage.MetaTotalIcons])
	assert.Equal(t, "4", meta[storage.MetaEmbeddingDimensions])
	assert.Equal(t, "Xenova/bge-base-en-v1.5", meta[storage.MetaEmbeddingModel])
	assert.Equal(t, "gpt-4o-mini", meta[storage.MetaVisionModel])
	assert.Equal(t, storage.CurrentSchemaVersion, meta[storage.MetaDatabaseVersion])
	assert.NotEmpty(t, meta[storage.MetaBuildTimestamp])
	assert.NotEmpty(t, meta[storage.MetaVectorExtension])

	// Single file artifact
	_, err = os.Stat(path + "-journal")
	assert.True(t, os.IsNotExist(err))
}

func TestAssemble_ReplacesExistingFile(t *testing.T) {
	path := artifactPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o644))

	report, err := New(nil).Assemble(context.Background(), path, testRun(record("modem", "A modem", nil)), testDims)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
}

func TestAssemble_SkipsFailedRecords(t *testing.T) {
	run := testRun(
		record("folder", "A folder", []float32{1, 1, 1, 1}),
		record("folder", "Another folder", []float32{2, 2, 2, 2}),
		record("disk", "A disk", []float32{3, 3, 3, 3}),
	)

	report, err := New(zaptest.NewLogger(t)).Assemble(context.Background(), artifactPath(t), run, testDims)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.VectorsStored)
	assert.Equal(t, storage.Counts{Icons: 2, Vectors: 2, Texts: 2}, report.Counts)
	assert.True(t, report.Verified(), report.VerifyErrors)
}

func TestAddRecords(t *testing.T) {
	ctx := context.Background()
	path := artifactPath(t)
	a := New(zaptest.NewLogger(t))

	_, err := a.Assemble(ctx, path, testRun(
		record("folder", "A folder", []float32{1, 1, 1, 1}),
		record("disk", "A disk", nil),
	), testDims)
	require.NoError(t, err)

	report, err := a.AddRecords(ctx, path, []types.IconRecord{
		record("folder", "A second folder", nil),
		record("modem", "A modem", []float32{2, 2, 2, 2}),
		record("mouse", "A mouse", nil),
		record("mouse", "A mouse again", nil),
		record("speaker", "", nil),
		{LocalPath: "icons/unnamed.png", Description: "No name"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 2, report.Invalid)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.Vectors)
	assert.Equal(t, storage.Counts{Icons: 4, Vectors: 2, Texts: 4, Missing: 2}, report.Counts)

	store, err := storage.OpenSQLiteStorage(path)
	require.NoError(t, err)
	defer store.Close()
	meta, err := store.GetMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4", meta[storage.MetaTotalIcons])

	_, err = a.AddRecords(ctx, filepath.Join(t.TempDir(), "missing.db"), nil)
	assert.Error(t, err)
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	path := artifactPath(t)
	a := New(zaptest.NewLogger(t))

	_, err := a.Assemble(ctx, path, testRun(
		record("folder", "A folder", []float32{1, 1, 1, 1}),
		record("disk", "A disk", nil),
		record("modem", "A modem", nil),
		record("mouse", "A mouse", nil),
	), testDims)
	require.NoError(t, err)

	emb := &stubEmbedder{dims: testDims, value: 0.5, fail: []string{"modem"}}
	report, err := a.Backfill(ctx, path, emb, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Missing)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, storage.Counts{Icons: 4, Vectors: 3, Texts: 4, Missing: 1}, report.Counts)

	// A second pass only sees the row that failed
	report, err = a.Backfill(ctx, path, &stubEmbedder{dims: testDims, value: 0.5}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Completed)
	assert.Zero(t, report.Counts.Missing)
}

func TestBackfill_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	path := artifactPath(t)
	a := New(nil)

	_, err := a.Assemble(ctx, path, testRun(record("disk", "A disk", nil)), testDims)
	require.NoError(t, err)

	_, err = a.Backfill(ctx, path, &stubEmbedder{dims: testDims * 2}, 0)
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestIconFromRecord(t *testing.T) {
	rec := record("recycle_bin", "A bin for deleted files", []float32{1, 2, 3, 4})
	rec.SourceData.ParentText = "System icons"

	icon := IconFromRecord(rec, testDims)
	assert.Equal(t, "recycle_bin", icon.Name)
	assert.Equal(t, "recycle bin A bin for deleted files", icon.SearchableText)
	assert.Equal(t, "https://example.com/recycle_bin.png", icon.SourceURL)
	assert.Equal(t, "recycle bin", icon.AltText)
	assert.Equal(t, "System icons", icon.ParentText)
	assert.Equal(t, []float32{1, 2, 3, 4}, icon.Embedding)

	assert.Nil(t, IconFromRecord(rec, 8).Embedding)

	rec.SearchableText = ""
	assert.Equal(t, "recycle bin A bin for deleted files", IconFromRecord(rec, testDims).SearchableText)
}
