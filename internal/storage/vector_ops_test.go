package storage

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedIcons inserts icons whose vectors point in distinct directions
func seedIcons(tb testing.TB, s *SQLiteStorage) []*Icon {
	tb.Helper()
	ctx := context.Background()

	icons := []*Icon{
		testIcon("calculator", "A calculator for mathematical calculations", []float32{1, 0, 0, 0}),
		testIcon("folder", "A folder for organizing files and directories", []float32{0, 1, 0, 0}),
		testIcon("monitor", "A computer monitor for system or hardware settings", []float32{0, 0, 1, 0}),
		testIcon("abacus", "A counting frame for arithmetic", []float32{0.9, 0.1, 0, 0}),
		testIcon("trash", "A recycle bin for deleted files", nil),
	}
	for _, icon := range icons {
		_, err := s.InsertRecord(ctx, icon)
		require.NoError(tb, err)
	}
	return icons
}

func TestSearchVector(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()
	icons := seedIcons(t, storage)

	results, err := storage.SearchVector(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, icons[0].ID, results[0].IconID)
	assert.InDelta(t, 1.0, results[0].SimilarityScore, 1e-5)
	assert.Equal(t, icons[3].ID, results[1].IconID)
	assert.GreaterOrEqual(t, results[0].SimilarityScore, results[1].SimilarityScore)
}

func TestSearchVector_EdgeCases(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	t.Run("empty artifact", func(t *testing.T) {
		results, err := storage.SearchVector(ctx, []float32{1, 0, 0, 0}, 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("zero limit", func(t *testing.T) {
		results, err := storage.SearchVector(ctx, []float32{1, 0, 0, 0}, 0)
		require.NoError(t, err)
		assert.NotNil(t, results)
		assert.Empty(t, results)
	})

	t.Run("wrong width", func(t *testing.T) {
		_, err := storage.SearchVector(ctx, []float32{1, 0}, 10)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestSearchVectorFallbackMatchesOptimized(t *testing.T) {
	if !VectorExtensionAvailable {
		t.Skip("Skipping test: sqlite-vec extension not available")
	}

	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()
	seedIcons(t, storage)

	query := []float32{0.5, 0.5, 0.1, 0}
	optimized, err := searchVectorOptimized(ctx, storage.db, query, 10)
	require.NoError(t, err)

	// The fallback decodes the stored blobs directly, which vec0 also exposes
	rows, err := storage.db.QueryContext(ctx, "SELECT icon_id, embedding FROM icon_embeddings")
	require.NoError(t, err)
	candidates, err := computeSimilarityScores(rows, query)
	require.NoError(t, err)
	_ = rows.Close()
	sortCandidates(candidates)
	fallback := buildVectorResults(candidates, 10)

	require.Equal(t, len(fallback), len(optimized))
	for i := range optimized {
		assert.InDelta(t, fallback[i].SimilarityScore, optimized[i].SimilarityScore, 1e-4)
	}
}

func TestVerifyVectorQuery(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()
	seedIcons(t, storage)

	n, err := storage.VerifyVectorQuery(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSearchText(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()
	icons := seedIcons(t, storage)

	results, err := storage.SearchText(ctx, "calculator", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, icons[0].ID, results[0].IconID)
	for _, r := range results {
		assert.Greater(t, r.BM25Score, 0.0)
		assert.LessOrEqual(t, r.BM25Score, 1.0)
	}

	// Icons without an embedding are still lexically searchable
	results, err = storage.SearchText(ctx, "recycle", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, icons[4].ID, results[0].IconID)
}

func TestSearchText_OperatorsAreLiteral(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()
	seedIcons(t, storage)

	for _, q := range []string{`files AND NOT`, `"folder`, `monitor*`, `(trash) NEAR`, `col:umn`} {
		_, err := storage.SearchText(ctx, q, 10)
		assert.NoError(t, err, q)
	}

	_, err := storage.SearchText(ctx, "  ?!  ", 10)
	assert.Error(t, err)
}

func TestBuildFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"calculator", `"calculator"`},
		{"file folder", `"file" OR "folder"`},
		{`say "hi" AND bye*`, `"say" OR "hi" OR "AND" OR "bye"`},
		{"--", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, buildFTSQuery(tt.in), tt.in)
	}
}

func TestVectorSerialization(t *testing.T) {
	vector := []float32{0, 1.5, -2.25, float32(math.Pi)}
	blob := SerializeVector(vector)
	assert.Len(t, blob, 16)
	assert.Equal(t, vector, DeserializeVector(blob))

	// Little-endian layout of 1.0
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, SerializeVector([]float32{1}))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 0}))
}

func BenchmarkSearchVector(b *testing.B) {
	storage, err := NewSQLiteStorage(":memory:", testDims)
	require.NoError(b, err)
	defer storage.Close()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		f := float32(i)
		icon := testIcon(fmt.Sprintf("icon-%d", i), "benchmark icon", []float32{f, f + 1, f + 2, 1})
		_, err := storage.InsertRecord(ctx, icon)
		require.NoError(b, err)
	}

	query := []float32{1, 2, 3, 4}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := storage.SearchVector(ctx, query, 10); err != nil {
			b.Fatal(err)
		}
	}
}
