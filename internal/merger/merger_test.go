package merger

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/iconindex/internal/runstore"
	"github.com/dshills/iconindex/pkg/types"
)

func record(name, description string, embedding []float32) types.IconRecord {
	item := types.SourceItem{Name: name, LocalPath: "icons/" + name + ".png"}
	rec := types.NewIconRecord(item, description, 32, 32)
	rec.Embedding = embedding
	return rec
}

func names(records []types.IconRecord) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Name
	}
	return out
}

func TestMerge_FirstOccurrenceWins(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	vec := []float32{1, 2, 3}

	first := &types.RunResult{
		EmbeddingModel: "Xenova/bge-base-en-v1.5",
		VisionModel:    "gpt-4o-mini",
		Icons: []types.IconRecord{
			record("printer", "A printer from the first run", vec),
			record("folder", "A folder from the first run", vec),
		},
	}
	second := &types.RunResult{
		Icons: []types.IconRecord{
			record("folder", "A folder from the second run", vec),
			record("calculator", "A calculator", vec),
			record("no_embedding", "Described but never embedded", nil),
		},
	}

	run, err := m.Merge([]Input{{Path: "a/first.json", Run: first}, {Path: "b/second.json", Run: second}})
	require.NoError(t, err)

	assert.Equal(t, []string{"calculator", "folder", "printer"}, names(run.Icons))
	assert.Equal(t, "A folder from the first run", run.Icons[1].Description)

	assert.True(t, run.Info.CombinedRun)
	assert.Equal(t, []string{"a/first.json", "b/second.json"}, run.Info.SourceFiles)
	assert.Equal(t, map[string]int{"a/first.json": 2, "b/second.json": 3}, run.Info.FileStats)
	assert.Equal(t, &types.DeduplicationStats{
		TotalLoaded:       5,
		AfterDedup:        4,
		AfterValidation:   3,
		DuplicatesRemoved: 1,
		InvalidRemoved:    1,
	}, run.Info.Deduplication)
	assert.Equal(t, "Xenova/bge-base-en-v1.5", run.EmbeddingModel)
	assert.Equal(t, "gpt-4o-mini", run.VisionModel)
}

func TestMerge_OutputBoundedByDistinctNames(t *testing.T) {
	m := New(nil)
	rng := rand.New(rand.NewPCG(1, 2))

	var inputs []Input
	distinct := map[string]string{} // name -> description of first occurrence
	for f := 0; f < 4; f++ {
		run := &types.RunResult{}
		for i := 0; i < 25; i++ {
			name := fmt.Sprintf("icon_%02d", rng.IntN(30))
			desc := fmt.Sprintf("from file %d item %d", f, i)
			if _, ok := distinct[name]; !ok {
				distinct[name] = desc
			}
			run.Icons = append(run.Icons, record(name, desc, []float32{1}))
		}
		inputs = append(inputs, Input{Path: fmt.Sprintf("run_%d.json", f), Run: run})
	}

	run, err := m.Merge(inputs)
	require.NoError(t, err)
	assert.Len(t, run.Icons, len(distinct))
	for _, rec := range run.Icons {
		assert.Equal(t, distinct[rec.Name], rec.Description, rec.Name)
	}
}

func TestMerge_Failures(t *testing.T) {
	m := New(nil)

	_, err := m.Merge(nil)
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = m.Merge([]Input{{Path: "x.json", Run: &types.RunResult{
		Icons: []types.IconRecord{record("a", "", []float32{1}), record("b", "desc", nil)},
	}}})
	assert.ErrorIs(t, err, ErrNothingValid)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(record("ok", "desc", []float32{0.1})))

	err := Validate(types.IconRecord{})
	assert.ErrorIs(t, err, types.ErrConsistency)
	assert.Contains(t, err.Error(), "name")
	assert.Contains(t, err.Error(), "local_path")
}

func TestDeduplicate_DropsUnnamed(t *testing.T) {
	out := Deduplicate([]types.IconRecord{{Name: ""}, {Name: "a"}, {Name: "a", Description: "later"}})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Description)
}

func TestMergeFiles_SameFileNameInSeveralRuns(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "run1", runstore.ProcessedFileName)
	second := filepath.Join(dir, "run2", runstore.ProcessedFileName)
	require.NoError(t, runstore.WriteCheckpoint(first, &types.RunResult{
		Icons: []types.IconRecord{record("modem", "A modem", []float32{1, 1})},
	}))
	require.NoError(t, runstore.WriteCheckpoint(second, &types.RunResult{
		Icons: []types.IconRecord{
			record("mouse", "A mouse", []float32{1, 1}),
			record("disk", "A disk", []float32{1, 1}),
		},
	}))

	run, err := New(zaptest.NewLogger(t)).MergeFiles([]string{first, second})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{first: 1, second: 2}, run.Info.FileStats)
	assert.Equal(t, []string{first, second}, run.Info.SourceFiles)
}

func TestMergeFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "run1", runstore.EmbeddedFileName)
	require.NoError(t, runstore.WriteCheckpoint(first, &types.RunResult{
		Icons: []types.IconRecord{record("modem", "A modem", []float32{1, 1})},
	}))

	// Embeddings that are not numeric arrays load as absent
	second := filepath.Join(dir, "run2.json")
	require.NoError(t, os.WriteFile(second, []byte(`{
		"processed_icons": [
			{"name": "mouse", "description": "A mouse", "local_path": "icons/mouse.png", "embedding": "oops"},
			{"name": "disk", "description": "A disk", "local_path": "icons/disk.png", "embedding": [0.5, 0.25]}
		],
		"total_count": 2
	}`), 0o644))

	m := New(zaptest.NewLogger(t))
	run, err := m.MergeFiles([]string{first, filepath.Join(dir, "missing.json"), second})
	require.NoError(t, err)

	assert.Equal(t, []string{"disk", "modem"}, names(run.Icons))
	assert.Equal(t, map[string]int{first: 1, filepath.Join(dir, "missing.json"): 0, second: 2}, run.Info.FileStats)
	assert.Equal(t, 1, run.Info.Deduplication.InvalidRemoved)

	_, err = m.MergeFiles([]string{filepath.Join(dir, "nope.json")})
	assert.ErrorIs(t, err, ErrNoInput)
}
