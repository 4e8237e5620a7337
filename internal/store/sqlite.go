package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore implements ChunkStore backed by a single SQLite database.
// It holds documents, chunks, the corpus generation counter, and the
// durable embedding cache tier.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Verify interface implementation at compile time
var _ ChunkStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path.
// If path is empty, an in-memory database is used.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates tables on first open.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		source     TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		ordinal     INTEGER NOT NULL,
		seq         INTEGER NOT NULL,
		content     TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		embedding   BLOB,
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		deleted_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_seq ON chunks(seq);

	-- Generation counter: bumped on every mutation of the active corpus
	CREATE TABLE IF NOT EXISTS corpus_state (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		generation INTEGER NOT NULL DEFAULT 0,
		next_seq   INTEGER NOT NULL DEFAULT 1
	);
	INSERT OR IGNORE INTO corpus_state (id, generation, next_seq) VALUES (1, 0, 1);

	-- Durable embedding cache tier with access accounting
	CREATE TABLE IF NOT EXISTS embedding_cache (
		text_hash     TEXT PRIMARY KEY,
		model         TEXT NOT NULL,
		vector        BLOB NOT NULL,
		created_at    INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		access_count  INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveDocument inserts or updates a document.
func (s *SQLiteStore) SaveDocument(ctx context.Context, doc *Document) error {
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, source, metadata, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`,
		doc.ID, doc.Source, meta, doc.CreatedAt.Unix(), doc.UpdatedAt.Unix(), nullableUnix(doc.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// GetDocument returns a document by ID, including soft-deleted ones.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, metadata, created_at, updated_at, deleted_at
		FROM documents WHERE id = ?`, id)

	doc := &Document{}
	var meta string
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	if err := row.Scan(&doc.ID, &doc.Source, &meta, &createdAt, &updatedAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	m, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	doc.Metadata = m
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	doc.DeletedAt = unixPtr(deletedAt)

	return doc, nil
}

// SaveChunks inserts or updates chunks in one transaction and bumps the
// corpus generation. New chunks are assigned monotonically increasing
// corpus sequence numbers.
func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM corpus_state WHERE id = 1`).Scan(&nextSeq); err != nil {
		return fmt.Errorf("failed to read corpus state: %w", err)
	}

	now := time.Now()
	for _, c := range chunks {
		if c.Seq == 0 {
			c.Seq = nextSeq
			nextSeq++
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now

		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, ordinal, seq, content, token_count, embedding, metadata, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				document_id = excluded.document_id,
				ordinal = excluded.ordinal,
				content = excluded.content,
				token_count = excluded.token_count,
				embedding = excluded.embedding,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at,
				deleted_at = excluded.deleted_at`,
			c.ID, c.DocumentID, c.Ordinal, c.Seq, c.Content, c.TokenCount,
			encodeVector(c.Embedding), meta, c.CreatedAt.Unix(), c.UpdatedAt.Unix(), nullableUnix(c.DeletedAt))
		if err != nil {
			return fmt.Errorf("failed to save chunk %s: %w", c.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE corpus_state SET generation = generation + 1, next_seq = ? WHERE id = 1`, nextSeq); err != nil {
		return fmt.Errorf("failed to update corpus state: %w", err)
	}

	return tx.Commit()
}

// GetChunk returns a chunk by ID, including soft-deleted ones.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	chunks, err := s.queryChunks(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

// GetChunks returns chunks by ID in the order requested.
// Missing IDs are skipped.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	chunks, err := s.queryChunks(ctx, `WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	ordered := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// ListActive returns all active chunks in corpus insertion order.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Chunk, error) {
	return s.queryChunks(ctx, `WHERE deleted_at IS NULL ORDER BY seq`)
}

// ListByDocument returns a document's chunks in ordinal order.
func (s *SQLiteStore) ListByDocument(ctx context.Context, docID string, includeDeleted bool) ([]*Chunk, error) {
	if includeDeleted {
		return s.queryChunks(ctx, `WHERE document_id = ? ORDER BY ordinal`, docID)
	}
	return s.queryChunks(ctx, `WHERE document_id = ? AND deleted_at IS NULL ORDER BY ordinal`, docID)
}

// MatchingIDs returns IDs of active chunks whose metadata contains
// every key-value pair in filter.
func (s *SQLiteStore) MatchingIDs(ctx context.Context, filter map[string]string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata FROM chunks WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id, meta string
		if err := rows.Scan(&id, &meta); err != nil {
			return nil, err
		}
		if len(filter) > 0 {
			m, err := decodeMetadata(meta)
			if err != nil {
				return nil, err
			}
			if !metadataMatches(m, filter) {
				continue
			}
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// metadataMatches reports whether m contains every pair in filter.
func metadataMatches(m, filter map[string]string) bool {
	for k, v := range filter {
		if m[k] != v {
			return false
		}
	}
	return true
}

// SoftDeleteDocument marks a document and its chunks deleted and bumps
// the corpus generation. Returns the affected chunk IDs.
func (s *SQLiteStore) SoftDeleteDocument(ctx context.Context, docID string) ([]string, error) {
	return s.setDeleted(ctx, docID, true)
}

// RestoreDocument clears the soft-delete marker on a document and its
// chunks and bumps the corpus generation. Returns the restored chunks.
func (s *SQLiteStore) RestoreDocument(ctx context.Context, docID string) ([]*Chunk, error) {
	if _, err := s.setDeleted(ctx, docID, false); err != nil {
		return nil, err
	}
	return s.ListByDocument(ctx, docID, false)
}

// setDeleted toggles the soft-delete marker on a document and its chunks.
func (s *SQLiteStore) setDeleted(ctx context.Context, docID string, deleted bool) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deletedAt any
	if deleted {
		deletedAt = time.Now().Unix()
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE chunks SET deleted_at = ?, updated_at = ? WHERE document_id = ?`,
		deletedAt, now, docID); err != nil {
		return nil, fmt.Errorf("failed to update chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		deletedAt, now, docID); err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE corpus_state SET generation = generation + 1 WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("failed to bump generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeDocument permanently removes a document and its chunks.
// Returns the removed chunk IDs.
func (s *SQLiteStore) PurgeDocument(ctx context.Context, docID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return nil, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
		return nil, fmt.Errorf("failed to delete document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE corpus_state SET generation = generation + 1 WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("failed to bump generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Generation returns the corpus generation counter.
func (s *SQLiteStore) Generation(ctx context.Context) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, `SELECT generation FROM corpus_state WHERE id = 1`).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return gen, nil
}

// Stats summarizes the active corpus.
func (s *SQLiteStore) Stats(ctx context.Context) (*CorpusStats, error) {
	stats := &CorpusStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE deleted_at IS NULL`).Scan(&stats.DocumentCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE deleted_at IS NULL`).Scan(&stats.ChunkCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	gen, err := s.Generation(ctx)
	if err != nil {
		return nil, err
	}
	stats.Generation = gen
	return stats, nil
}

// CacheGet looks up a durable cache entry and updates its access
// accounting on hit.
func (s *SQLiteStore) CacheGet(ctx context.Context, textHash string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embedding_cache WHERE text_hash = ?`, textHash).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE embedding_cache
		SET last_accessed = ?, access_count = access_count + 1
		WHERE text_hash = ?`, time.Now().Unix(), textHash); err != nil {
		return nil, false, fmt.Errorf("failed to update cache accounting: %w", err)
	}

	return decodeVector(blob), true, nil
}

// CachePut inserts or updates a durable cache entry.
func (s *SQLiteStore) CachePut(ctx context.Context, entry *CacheEntry) error {
	now := time.Now()
	created := entry.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (text_hash, model, vector, created_at, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(text_hash) DO UPDATE SET
			model = excluded.model,
			vector = excluded.vector,
			last_accessed = excluded.last_accessed`,
		entry.TextHash, entry.Model, encodeVector(entry.Vector), created.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// PruneCache removes cache entries not accessed since olderThan and
// with an access count below maxAccessCount. Returns the number of
// removed entries.
func (s *SQLiteStore) PruneCache(ctx context.Context, olderThan time.Time, maxAccessCount int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM embedding_cache
		WHERE last_accessed < ? AND access_count < ?`,
		olderThan.Unix(), maxAccessCount)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// queryChunks runs a SELECT over the chunks table with the given suffix.
func (s *SQLiteStore) queryChunks(ctx context.Context, suffix string, args ...any) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, ordinal, seq, content, token_count, embedding, metadata, created_at, updated_at, deleted_at
		FROM chunks `+suffix, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c := &Chunk{}
		var embedding []byte
		var meta string
		var createdAt, updatedAt int64
		var deletedAt sql.NullInt64

		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Seq, &c.Content, &c.TokenCount,
			&embedding, &meta, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, err
		}

		m, err := decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		c.Embedding = decodeVector(embedding)
		c.Metadata = m
		c.CreatedAt = time.Unix(createdAt, 0)
		c.UpdatedAt = time.Unix(updatedAt, 0)
		c.DeletedAt = unixPtr(deletedAt)

		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// encodeVector encodes a float32 slice as little-endian bytes.
// Returns nil for an empty vector.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector decodes little-endian bytes into a float32 slice.
func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// encodeMetadata serializes metadata to JSON.
func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

// decodeMetadata parses metadata JSON.
func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

// nullableUnix converts an optional time to a driver value.
func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// unixPtr converts a nullable integer column to an optional time.
func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
