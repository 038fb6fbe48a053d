//go:build sqlite_vec && !purego
// +build sqlite_vec,!purego

package storage

// This file is compiled when building with CGO and the sqlite_vec tag.
// The vector index is a sqlite-vec vec0 virtual table, which is what the
// static front end queries.
//
// Build command:
//   CGO_ENABLED=1 go build -tags "sqlite_vec,sqlite_fts5" ./...
//
// Driver used: github.com/mattn/go-sqlite3

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Registers sqlite-vec on every connection opened by go-sqlite3
	vec.Auto()
}

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// VectorExtensionAvailable indicates if vector extension is available
	VectorExtensionAvailable = true

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

// vectorTableDDL creates the vector index. The width is fixed at creation.
const vectorTableDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS icon_embeddings USING vec0(
    icon_id INTEGER PRIMARY KEY,
    embedding FLOAT[{{dimensions}}]
);
`
