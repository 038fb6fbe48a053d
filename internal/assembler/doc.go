// Package assembler packages run records into the single-file SQLite
// artifact served to the front end, and maintains artifacts in place.
//
// Assemble always starts from an empty file:
//
//	report, err := assembler.New(logger).Assemble(ctx, "icons.db", run, 768)
//	if err != nil {
//	    return err
//	}
//	if !report.Verified() {
//	    logger.Warn("artifact failed verification", zap.Strings("errors", report.VerifyErrors))
//	}
//
// Every record gets a primary row and a full-text row sharing one row ID.
// A vector row is added only when the embedding has exactly the configured
// width. After inserting, the builder writes metadata, compacts the file
// and verifies row counts, a zero-vector nearest-neighbour query and a
// full-text query.
//
// AddRecords appends to an existing artifact, skipping names it already
// holds. Backfill embeds rows that were stored without an embedding.
package assembler
