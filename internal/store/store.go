// Package store is the relational persistence layer (C9/C12): file and
// chunk DAOs backed by Postgres with the pgvector extension for
// search_chunks_by_embedding. It retargets the teacher-adjacent corpus's
// SQLite-backed store.go pattern (connection pool, struct-scan query
// helpers, one package per storage concern) onto Postgres + pgvector,
// since embedding similarity search needs native vector column support the
// teacher's own on-disk HNSW graph (internal/hnsw) does not offer
// server-side.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fenwick-ai/emberd/internal/apperr"
)

// File mirrors the files table (spec §3's File record).
type File struct {
	ID        uuid.UUID
	Applicant string
	Filename  string
	FileType  string
	CreatedAt time.Time
	Processed bool
}

// FileChunk mirrors the file_chunks table.
type FileChunk struct {
	ID         uuid.UUID
	FileID     uuid.UUID
	ChunkIndex int
	ContentMD  string
	Embedding  []float32
	TokenCount int
}

// defaultPoolMaxConns matches the teacher's connection-pool sizing
// rationale: a handful of concurrent statements is plenty for a
// single-process ingestion/serving core, and keeping it small avoids
// exhausting the database's own connection limit under a burst.
const defaultPoolMaxConns = 5

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and applies the default pool sizing.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "parsing DATABASE_URL", err)
	}
	// pgxpool.ParseConfig fills in its own MaxConns when the URL sets no
	// pool_max_conns, so the URL itself decides whether our default applies.
	if !strings.Contains(databaseURL, "pool_max_conns") {
		cfg.MaxConns = defaultPoolMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "opening database pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.StorageUnavailable, "pinging database", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// GetUnprocessedFiles returns every file row with processed=false.
func (s *Store) GetUnprocessedFiles(ctx context.Context) ([]File, error) {
	return s.queryFiles(ctx, `SELECT file_id, applicant, filename, file_type, created_at, processed
		FROM files WHERE processed = false ORDER BY created_at`)
}

// GetAllFiles returns every file row.
func (s *Store) GetAllFiles(ctx context.Context) ([]File, error) {
	return s.queryFiles(ctx, `SELECT file_id, applicant, filename, file_type, created_at, processed
		FROM files ORDER BY created_at`)
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]File, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "querying files", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.Applicant, &f.Filename, &f.FileType, &f.CreatedAt, &f.Processed); err != nil {
			return nil, apperr.Wrap(apperr.StorageUnavailable, "scanning file row", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CreateFile inserts a new file row, idempotent by filename: a unique
// violation on filename is treated as success and the existing row is
// returned (spec §4.7's reconciliation idempotency requirement).
func (s *Store) CreateFile(ctx context.Context, applicant, filename, fileType string) (File, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO files (file_id, applicant, filename, file_type, created_at, processed)
		VALUES ($1, $2, $3, $4, now(), false)
		ON CONFLICT (filename) DO UPDATE SET filename = EXCLUDED.filename
		RETURNING file_id, applicant, filename, file_type, created_at, processed`,
		uuid.New(), applicant, filename, fileType)

	var f File
	if err := row.Scan(&f.ID, &f.Applicant, &f.Filename, &f.FileType, &f.CreatedAt, &f.Processed); err != nil {
		return File{}, apperr.Wrap(apperr.StorageUnavailable, "create_file", err)
	}
	return f, nil
}

// UpdateFile sets the given optional fields on fileID.
func (s *Store) UpdateFile(ctx context.Context, fileID uuid.UUID, filename *string, processed *bool) (File, error) {
	row := s.pool.QueryRow(ctx, `UPDATE files SET
		filename = COALESCE($2, filename),
		processed = COALESCE($3, processed)
		WHERE file_id = $1
		RETURNING file_id, applicant, filename, file_type, created_at, processed`,
		fileID, filename, processed)

	var f File
	if err := row.Scan(&f.ID, &f.Applicant, &f.Filename, &f.FileType, &f.CreatedAt, &f.Processed); err != nil {
		return File{}, apperr.Wrap(apperr.StorageUnavailable, "update_file", err)
	}
	return f, nil
}

// DeleteFile removes fileID, cascading to its chunks via the schema's FK.
func (s *Store) DeleteFile(ctx context.Context, fileID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM files WHERE file_id = $1`, fileID)
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageUnavailable, "delete_file", err)
	}
	return tag.RowsAffected(), nil
}

// CreateChunk inserts a single chunk row. Callers ingesting a whole file
// should issue these within a transaction via WithTx.
func (s *Store) CreateChunk(ctx context.Context, q Querier, fileID uuid.UUID, chunkIndex int, contentMD string, embedding []float32, tokenCount int) (FileChunk, error) {
	var vec *pgvector.Vector
	if embedding != nil {
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	row := q.QueryRow(ctx, `INSERT INTO file_chunks (chunk_id, file_id, chunk_index, content_md, embedding, token_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING chunk_id, file_id, chunk_index, content_md, token_count`,
		uuid.New(), fileID, chunkIndex, contentMD, vec, tokenCount)

	var c FileChunk
	if err := row.Scan(&c.ID, &c.FileID, &c.ChunkIndex, &c.ContentMD, &c.TokenCount); err != nil {
		return FileChunk{}, apperr.Wrap(apperr.StorageUnavailable, "create_chunk", err)
	}
	c.Embedding = embedding
	return c, nil
}

// SearchChunksByKeyword does a simple ILIKE search over content_md. It
// exists to support the external retrieval use case described in spec
// §4.9; the core does not call it itself.
func (s *Store) SearchChunksByKeyword(ctx context.Context, pattern string, limit int) ([]FileChunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT chunk_id, file_id, chunk_index, content_md, token_count
		FROM file_chunks WHERE content_md ILIKE '%' || $1 || '%' LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "search_chunks_by_keyword", err)
	}
	defer rows.Close()

	var out []FileChunk
	for rows.Next() {
		var c FileChunk
		if err := rows.Scan(&c.ID, &c.FileID, &c.ChunkIndex, &c.ContentMD, &c.TokenCount); err != nil {
			return nil, apperr.Wrap(apperr.StorageUnavailable, "scanning chunk row", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchChunksByEmbedding does an approximate nearest-neighbor search
// using pgvector's cosine-distance operator.
func (s *Store) SearchChunksByEmbedding(ctx context.Context, vector []float32, limit int) ([]FileChunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT chunk_id, file_id, chunk_index, content_md, token_count
		FROM file_chunks WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1 LIMIT $2`, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "search_chunks_by_embedding", err)
	}
	defer rows.Close()

	var out []FileChunk
	for rows.Next() {
		var c FileChunk
		if err := rows.Scan(&c.ID, &c.FileID, &c.ChunkIndex, &c.ContentMD, &c.TokenCount); err != nil {
			return nil, apperr.Wrap(apperr.StorageUnavailable, "scanning chunk row", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// CreateChunk run either standalone or inside a transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error — the atomicity spec §4.7 requires for a file's
// chunk inserts plus its processed=true flip.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "commit transaction", err)
	}
	return nil
}

// UpdateFileTx sets processed within an existing transaction, used by the
// ingestion driver's per-file commit.
func (s *Store) UpdateFileTx(ctx context.Context, tx pgx.Tx, fileID uuid.UUID, processed bool) error {
	_, err := tx.Exec(ctx, `UPDATE files SET processed = $2 WHERE file_id = $1`, fileID, processed)
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "update_file (tx)", err)
	}
	return nil
}
