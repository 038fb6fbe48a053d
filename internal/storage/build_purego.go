//go:build purego || !sqlite_vec
// +build purego !sqlite_vec

package storage

// This file is compiled when building without CGO or with the purego tag.
// It uses a pure Go SQLite implementation without the sqlite-vec extension;
// the vector index is a plain table of little-endian float32 blobs and
// similarity is computed in Go.
//
// Build command:
//   CGO_ENABLED=0 go build -tags "purego" ./...
//
// Artifacts built this way are fine for local search and tests. The static
// front end needs the vec0 table from the sqlite_vec build.
//
// Driver used: modernc.org/sqlite

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// VectorExtensionAvailable indicates if vector extension is available
	VectorExtensionAvailable = false

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

// vectorTableDDL creates the vector index. Width is enforced on insert.
const vectorTableDDL = `
CREATE TABLE IF NOT EXISTS icon_embeddings (
    icon_id INTEGER PRIMARY KEY,
    embedding BLOB NOT NULL,
    FOREIGN KEY (icon_id) REFERENCES icons(id) ON DELETE CASCADE
);
`
