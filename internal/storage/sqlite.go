package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
	// ErrDimensionMismatch is returned when a vector does not have the artifact's width
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db        *sql.DB
	dimension int
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Rollback journal keeps the artifact a single self-contained file
	if _, err := db.Exec("PRAGMA journal_mode=DELETE"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens (creating if needed) an artifact whose vector
// index holds vectors of the given width. An existing artifact built with
// a different width is rejected.
func NewSQLiteStorage(dbPath string, dimension int) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()
	if err := ApplyMigrations(ctx, db, dimension); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &SQLiteStorage{db: db, dimension: dimension}

	stored, err := s.storedDimension(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if stored > 0 && stored != dimension {
		_ = db.Close()
		return nil, fmt.Errorf("%w: artifact has %d, requested %d", ErrDimensionMismatch, stored, dimension)
	}
	if stored == 0 {
		if err := s.SetMetadata(ctx, MetaEmbeddingDimensions, strconv.Itoa(dimension)); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

// OpenSQLiteStorage opens an existing artifact using the vector width
// recorded in its metadata.
func OpenSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var value string
	err = db.QueryRow("SELECT value FROM metadata WHERE key = ?", MetaEmbeddingDimensions).Scan(&value)
	_ = db.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", MetaEmbeddingDimensions, dbPath, err)
	}

	dimension, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", MetaEmbeddingDimensions, value, err)
	}
	return NewSQLiteStorage(dbPath, dimension)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Dimension returns the vector width of the artifact
func (s *SQLiteStorage) Dimension() int {
	return s.dimension
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// Icon operations

func (s *SQLiteStorage) insertIconWithQuerier(ctx context.Context, q querier, icon *Icon) error {
	query := `
		INSERT INTO icons (name, filename, local_path, description, searchable_text,
		                   width, height, embedding, source_url, alt_text, parent_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var embedding interface{}
	if len(icon.Embedding) == s.dimension {
		embedding = serializeVector(icon.Embedding)
	}

	now := time.Now().UTC()
	result, err := q.ExecContext(ctx, query,
		icon.Name, icon.Filename, icon.LocalPath, icon.Description, icon.SearchableText,
		nullInt(icon.Width), nullInt(icon.Height), embedding,
		icon.SourceURL, icon.AltText, icon.ParentText, now)
	if err != nil {
		return fmt.Errorf("failed to insert icon %s: %w", icon.Name, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	icon.ID = id
	icon.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) insertVectorWithQuerier(ctx context.Context, q querier, iconID int64, vector []float32) error {
	if len(vector) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dimension)
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO icon_embeddings (icon_id, embedding) VALUES (?, ?)",
		iconID, serializeVector(vector))
	if err != nil {
		return fmt.Errorf("failed to insert vector for icon %d: %w", iconID, err)
	}
	return nil
}

func (s *SQLiteStorage) insertTextWithQuerier(ctx context.Context, q querier, icon *Icon) error {
	if icon.ID == 0 {
		return fmt.Errorf("icon %s has no row ID", icon.Name)
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO icons_fts (rowid, name, description, searchable_text) VALUES (?, ?, ?, ?)",
		icon.ID, icon.Name, icon.Description, icon.SearchableText)
	if err != nil {
		return fmt.Errorf("failed to index text for icon %s: %w", icon.Name, err)
	}
	return nil
}

func (s *SQLiteStorage) insertRecordWithQuerier(ctx context.Context, q querier, icon *Icon) (bool, error) {
	vectorStored := false
	err := withSavepoint(ctx, q, func() error {
		if err := s.insertIconWithQuerier(ctx, q, icon); err != nil {
			return err
		}
		if len(icon.Embedding) == s.dimension {
			if err := s.insertVectorWithQuerier(ctx, q, icon.ID, icon.Embedding); err != nil {
				return err
			}
			vectorStored = true
		}
		return s.insertTextWithQuerier(ctx, q, icon)
	})
	if err != nil {
		icon.ID = 0
		return false, err
	}
	return vectorStored, nil
}

func (s *SQLiteStorage) updateEmbeddingWithQuerier(ctx context.Context, q querier, iconID int64, vector []float32) error {
	if len(vector) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dimension)
	}

	return withSavepoint(ctx, q, func() error {
		result, err := q.ExecContext(ctx,
			"UPDATE icons SET embedding = ? WHERE id = ? AND embedding IS NULL",
			serializeVector(vector), iconID)
		if err != nil {
			return fmt.Errorf("failed to update embedding for icon %d: %w", iconID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var exists int
			err := q.QueryRowContext(ctx, "SELECT 1 FROM icons WHERE id = ?", iconID).Scan(&exists)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("icon %d embedding: %w", iconID, ErrAlreadyExists)
		}
		return s.insertVectorWithQuerier(ctx, q, iconID, vector)
	})
}

func (s *SQLiteStorage) setMetadataWithQuerier(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) InsertRecord(ctx context.Context, icon *Icon) (bool, error) {
	return s.insertRecordWithQuerier(ctx, s.querier(), icon)
}

func (s *SQLiteStorage) UpdateEmbedding(ctx context.Context, iconID int64, vector []float32) error {
	return s.updateEmbeddingWithQuerier(ctx, s.querier(), iconID, vector)
}

func (s *SQLiteStorage) SetMetadata(ctx context.Context, key, value string) error {
	return s.setMetadataWithQuerier(ctx, s.querier(), key, value)
}

const iconColumns = `id, name, filename, local_path, description, searchable_text,
	width, height, embedding, source_url, alt_text, parent_text, created_at`

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIcon(row scanner) (*Icon, error) {
	var icon Icon
	var filename, localPath, description, sourceURL, altText, parentText sql.NullString
	var width, height sql.NullInt64
	var embedding []byte
	var createdAt sql.NullTime

	err := row.Scan(&icon.ID, &icon.Name, &filename, &localPath, &description, &icon.SearchableText,
		&width, &height, &embedding, &sourceURL, &altText, &parentText, &createdAt)
	if err != nil {
		return nil, err
	}

	icon.Filename = filename.String
	icon.LocalPath = localPath.String
	icon.Description = description.String
	icon.SourceURL = sourceURL.String
	icon.AltText = altText.String
	icon.ParentText = parentText.String
	icon.Width = intPtr(width)
	icon.Height = intPtr(height)
	if len(embedding) > 0 {
		icon.Embedding = deserializeVector(embedding)
	}
	if createdAt.Valid {
		icon.CreatedAt = createdAt.Time
	}
	return &icon, nil
}

func (s *SQLiteStorage) GetIcon(ctx context.Context, iconID int64) (*Icon, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+iconColumns+" FROM icons WHERE id = ?", iconID)
	icon, err := scanIcon(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get icon %d: %w", iconID, err)
	}
	return icon, nil
}

func (s *SQLiteStorage) IconExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM icons WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check icon %s: %w", name, err)
	}
	return true, nil
}

func (s *SQLiteStorage) ListIconsMissingEmbedding(ctx context.Context) ([]*Icon, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+iconColumns+" FROM icons WHERE embedding IS NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list icons missing embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var icons []*Icon
	for rows.Next() {
		icon, err := scanIcon(rows)
		if err != nil {
			return nil, err
		}
		icons = append(icons, icon)
	}
	return icons, rows.Err()
}

// Metadata operations

func (s *SQLiteStorage) GetMetadata(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	meta := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		meta[key] = value.String
	}
	return meta, rows.Err()
}

// storedDimension returns the width recorded in metadata, or 0 if none
func (s *SQLiteStorage) storedDimension(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", MetaEmbeddingDimensions).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", MetaEmbeddingDimensions, err)
	}
	dims, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", MetaEmbeddingDimensions, value, err)
	}
	return dims, nil
}

// Search operations

func (s *SQLiteStorage) SearchVector(ctx context.Context, vector []float32, limit int) ([]VectorResult, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dimension)
	}
	return searchVector(ctx, s.db, vector, limit)
}

func (s *SQLiteStorage) SearchText(ctx context.Context, query string, limit int) ([]TextResult, error) {
	return searchText(ctx, s.db, query, limit)
}

func (s *SQLiteStorage) VerifyVectorQuery(ctx context.Context, k int) (int, error) {
	return verifyVectorQuery(ctx, s.db, s.dimension, k)
}

// Status operations

func (s *SQLiteStorage) DataVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read data version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStorage) Counts(ctx context.Context) (*Counts, error) {
	var counts Counts

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM icons", &counts.Icons},
		{"SELECT COUNT(*) FROM icon_embeddings", &counts.Vectors},
		// The content table backs SELECTs on icons_fts, so count indexed documents
		{"SELECT COUNT(*) FROM icons_fts_docsize", &counts.Texts},
		{"SELECT COUNT(*) FROM icons WHERE embedding IS NULL", &counts.Missing},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("failed to count (%s): %w", q.sql, err)
		}
	}
	return &counts, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*ArtifactStatus, error) {
	counts, err := s.Counts(ctx)
	if err != nil {
		return nil, err
	}

	meta, err := s.GetMetadata(ctx)
	if err != nil {
		return nil, err
	}

	version, err := currentSchemaVersion(ctx, s.db)
	if err != nil {
		return nil, err
	}

	status := &ArtifactStatus{
		Counts:        *counts,
		Metadata:      meta,
		SchemaVersion: version.String(),
		BuildMode:     BuildMode,
	}

	// Calculate database size
	var pageCount, pageSize int
	err = s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.SizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	return status, nil
}

// Optimize merges the lexical index segments, reclaims free pages and
// refreshes query planner statistics. It must not run inside a transaction.
func (s *SQLiteStorage) Optimize(ctx context.Context) error {
	steps := []string{
		"INSERT INTO icons_fts (icons_fts) VALUES ('optimize')",
		"VACUUM",
		"ANALYZE",
	}
	for _, stmt := range steps {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run %s: %w", stmt, err)
		}
	}
	return nil
}

// withSavepoint runs fn inside a savepoint, undoing its writes on error
func withSavepoint(ctx context.Context, q querier, fn func() error) error {
	if _, err := q.ExecContext(ctx, "SAVEPOINT icon_record"); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	if err := fn(); err != nil {
		_, _ = q.ExecContext(ctx, "ROLLBACK TO icon_record")
		_, _ = q.ExecContext(ctx, "RELEASE icon_record")
		return err
	}
	if _, err := q.ExecContext(ctx, "RELEASE icon_record"); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// Transaction implementations delegate to the storage helpers with the
// transaction querier.

func (t *sqliteTx) InsertRecord(ctx context.Context, icon *Icon) (bool, error) {
	return t.storage.insertRecordWithQuerier(ctx, t.querier(), icon)
}

func (t *sqliteTx) UpdateEmbedding(ctx context.Context, iconID int64, vector []float32) error {
	return t.storage.updateEmbeddingWithQuerier(ctx, t.querier(), iconID, vector)
}

func (t *sqliteTx) SetMetadata(ctx context.Context, key, value string) error {
	return t.storage.setMetadataWithQuerier(ctx, t.querier(), key, value)
}
