// Package types provides the shared record shapes of the icon index pipeline.
//
// # Core Types
//
// SourceItem is one downloaded asset as reported by the scraper. Unknown
// scraper fields survive a decode/encode round trip untouched:
//
//	item := types.SourceItem{Name: "calculator", LocalPath: "icons/calc.png"}
//
// IconRecord accumulates fields as it moves through the pipeline: a
// description and searchable text after the vision step, then an embedding:
//
//	rec := types.NewIconRecord(item, "A calculator for mathematical calculations", 64, 64)
//	rec.Embedding = vector
//	rec.HasValidEmbedding(768) // true only when len(vector) == 768
//
// RunResult is the accumulated output of a run; it is what gets checkpointed.
//
// # Errors
//
// Per-item failures are *ItemError values tagged with the Stage that failed.
// Each matches one kind sentinel through errors.Is:
//
//	var itemErr *types.ItemError
//	if errors.As(err, &itemErr) && errors.Is(err, types.ErrGeneration) {
//	    // vision or embedding call failed for itemErr.Name
//	}
//
// ErrPersistence and ErrConsistency are raised by the run store, merger and
// assembler rather than per item.
package types
