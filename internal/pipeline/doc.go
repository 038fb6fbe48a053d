// Package pipeline turns scraped icon items into described and embedded
// records in checkpointed batches.
//
// # Basic Usage
//
//	store := runstore.NewStore(runDir, runstore.ProcessedFileName, runstore.ErrorFileName)
//	orch := pipeline.New(store, pipeline.Options{
//	    Mode:         pipeline.ModeDescribe,
//	    Describer:    client,
//	    Dimensions:   cfg.Embedding.Dimensions,
//	    MaxImageSize: cfg.Vision.MaxImageSize,
//	    Pause:        pipeline.DefaultPause,
//	    Logger:       logger,
//	})
//
//	run, err := orch.Process(ctx, items, pipeline.DefaultBatchSize)
//	stats := orch.Statistics()
//
// # Stages
//
// Each item passes through, in order:
//
//  1. Validation: name and local_path are required
//  2. Image preparation: decode, flatten onto white, fit within the size bound
//  3. Description: one call through the rate-limited vision client
//  4. Embedding (full mode only): the record's searchable text
//
// A failure at any stage becomes an error record tagged with the stage
// name; the other items of the batch are unaffected. A failed embedding
// keeps the described record (without an embedding) and also records the
// error, so a later embed run can fill it in.
//
// # Batches and Checkpoints
//
// Items run concurrently within a batch and the batch is awaited as a unit.
// Outcomes are folded into the run in input order, so the output order
// equals the input order regardless of completion order. After every batch
// the whole run is written through the Checkpointer; if that write fails
// the run stops and the error is returned. A fixed pause separates batches.
//
// Nothing is retried within a run. Retry reads an error file and processes
// its items again as a new run.
//
// # Embedding Runs
//
// EmbedRecords takes an existing run, carries records that already have an
// embedding of the configured width, and embeds the rest.
package pipeline
