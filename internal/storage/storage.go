package storage

import (
	"context"
	"time"
)

// Writer holds the mutating artifact operations. Both Storage and Tx
// implement it.
type Writer interface {
	// InsertRecord inserts the primary row, the vector row when the
	// embedding has the artifact's width, and the lexical row, all or nothing.
	InsertRecord(ctx context.Context, icon *Icon) (vectorStored bool, err error)
	// UpdateEmbedding fills in a missing embedding for an existing row
	UpdateEmbedding(ctx context.Context, iconID int64, vector []float32) error
	// SetMetadata upserts a metadata key
	SetMetadata(ctx context.Context, key, value string) error
}

// Storage defines the operations on an assembled icon database
type Storage interface {
	Writer

	// Icon queries
	GetIcon(ctx context.Context, iconID int64) (*Icon, error)
	IconExists(ctx context.Context, name string) (bool, error)
	ListIconsMissingEmbedding(ctx context.Context) ([]*Icon, error)

	// Metadata
	GetMetadata(ctx context.Context) (map[string]string, error)

	// Search operations
	SearchVector(ctx context.Context, vector []float32, limit int) ([]VectorResult, error)
	SearchText(ctx context.Context, query string, limit int) ([]TextResult, error)
	// VerifyVectorQuery issues a nearest-neighbour query with a zero vector
	// and returns the number of rows it produced
	VerifyVectorQuery(ctx context.Context, k int) (int, error)

	// Status operations
	Counts(ctx context.Context) (*Counts, error)
	GetStatus(ctx context.Context) (*ArtifactStatus, error)
	// DataVersion changes whenever another connection commits to the file
	DataVersion(ctx context.Context) (int64, error)

	// Maintenance
	Optimize(ctx context.Context) error

	// Database operations
	Dimension() int
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Writer
}

// Icon is one row of the primary table
type Icon struct {
	ID             int64
	Name           string
	Filename       string
	LocalPath      string
	Description    string
	SearchableText string
	Width          *int
	Height         *int
	Embedding      []float32 // Nil when the record has no valid embedding
	SourceURL      string
	AltText        string
	ParentText     string
	CreatedAt      time.Time
}

// Metadata keys written by the assembler
const (
	MetaTotalIcons          = "total_icons"
	MetaBuildTimestamp      = "build_timestamp"
	MetaEmbeddingModel      = "embedding_model"
	MetaVisionModel         = "vision_model"
	MetaEmbeddingDimensions = "embedding_dimensions"
	MetaDatabaseVersion     = "database_version"
	MetaVectorExtension     = "vector_extension"
)

// Counts holds the row counts of the three indexed structures
type Counts struct {
	Icons   int // Primary table rows
	Vectors int // Vector index rows
	Texts   int // Lexical index documents
	Missing int // Primary rows with no embedding
}

// ArtifactStatus describes an opened artifact
type ArtifactStatus struct {
	Counts        Counts
	Metadata      map[string]string
	SchemaVersion string
	SizeMB        float64
	BuildMode     string
}

// VectorResult represents a vector similarity search result
type VectorResult struct {
	IconID          int64
	SimilarityScore float64
}

// TextResult represents a full-text search result
type TextResult struct {
	IconID    int64
	BM25Score float64
}
