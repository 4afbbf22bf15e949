// Package postgres provides a PostgreSQL-backed [history.Store]. Transcripts
// live in a single table with a GIN full-text index and a pgvector HNSW index
// on the optional embedding column.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//	svc := history.NewService(store, history.WithEmbedder(emb))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlTranscripts returns the DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlTranscripts(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcripts (
    id            TEXT         PRIMARY KEY,
    recording_id  TEXT         NOT NULL DEFAULT '',
    text          TEXT         NOT NULL,
    raw_text      TEXT         NOT NULL DEFAULT '',
    language      TEXT         NOT NULL DEFAULT '',
    duration_ns   BIGINT       NOT NULL DEFAULT 0,
    polished      BOOLEAN      NOT NULL DEFAULT false,
    provider      TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding     vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_transcripts_created_at
    ON transcripts (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_transcripts_fts
    ON transcripts USING GIN (to_tsvector('simple', text));

CREATE INDEX IF NOT EXISTS idx_transcripts_embedding
    ON transcripts USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the transcripts table and its indexes. It is idempotent and
// safe to call on every start.
//
// embeddingDimensions must match the embedding model in use (e.g., 1536 for
// OpenAI text-embedding-3-small, 768 for nomic-embed-text). Changing it after
// the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	if _, err := pool.Exec(ctx, ddlTranscripts(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
