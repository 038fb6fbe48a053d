// Package storage provides the SQLite artifact that the icon search front
// end loads.
//
// The artifact holds three structures keyed by the same row ID:
//   - icons: one primary row per icon with its description, searchable
//     text, optional dimensions and the raw embedding blob
//   - icon_embeddings: the vector index, one row per icon with a valid
//     embedding
//   - icons_fts: an FTS5 lexical index over name, description and
//     searchable_text, backed by the icons table
//
// A metadata table records build facts (total_icons, build_timestamp,
// embedding_model, vision_model, embedding_dimensions, database_version,
// vector_extension).
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("icons.db", 768)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	for _, icon := range icons {
//	    if _, err := tx.InsertRecord(ctx, icon); err != nil {
//	        // the record's rows were undone, the transaction is still usable
//	        continue
//	    }
//	}
//	return tx.Commit()
//
// InsertRecord wraps each icon in a savepoint, so a failure never leaves a
// primary row without its lexical row.
//
// # Vectors
//
// Vectors are stored as little-endian float32 blobs. The vector width is
// fixed when the artifact is created and recorded as embedding_dimensions;
// reopening with another width fails with ErrDimensionMismatch.
//
// # Build Tags
//
// CGO Build (sqlite_vec tag):
//
//   - Uses github.com/mattn/go-sqlite3 with the sqlite-vec extension
//
//   - icon_embeddings is a vec0 virtual table
//
//     CGO_ENABLED=1 go build -tags "sqlite_vec,sqlite_fts5"
//
// Pure Go Build (default or purego tag):
//
//   - Uses modernc.org/sqlite
//
//   - icon_embeddings is a plain table and similarity is computed in Go
//
//     CGO_ENABLED=0 go build -tags "purego"
package storage
