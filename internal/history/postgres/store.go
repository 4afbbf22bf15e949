package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/dictum/internal/history"
)

var _ history.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [history.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, registers
// pgvector types on every connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Add implements [history.Store]. An entry with an existing ID is replaced.
func (s *Store) Add(ctx context.Context, e history.Entry) error {
	const q = `
		INSERT INTO transcripts
		    (id, recording_id, text, raw_text, language, duration_ns, polished, provider, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    recording_id = EXCLUDED.recording_id,
		    text         = EXCLUDED.text,
		    raw_text     = EXCLUDED.raw_text,
		    language     = EXCLUDED.language,
		    duration_ns  = EXCLUDED.duration_ns,
		    polished     = EXCLUDED.polished,
		    provider     = EXCLUDED.provider,
		    created_at   = EXCLUDED.created_at,
		    embedding    = EXCLUDED.embedding`

	var vec *pgvector.Vector
	if len(e.Embedding) > 0 {
		v := pgvector.NewVector(e.Embedding)
		vec = &v
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		e.ID,
		e.RecordingID,
		e.Text,
		e.RawText,
		e.Language,
		e.Duration.Nanoseconds(),
		e.Polished,
		e.Provider,
		created,
		vec,
	)
	if err != nil {
		return fmt.Errorf("history postgres: add: %w", err)
	}
	return nil
}

const entryColumns = `id, recording_id, text, raw_text, language, duration_ns, polished, provider, created_at, embedding`

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, id string) (history.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM transcripts WHERE id = $1`, id)
	if err != nil {
		return history.Entry{}, fmt.Errorf("history postgres: get: %w", err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Entry{}, history.ErrNotFound
	}
	if err != nil {
		return history.Entry{}, fmt.Errorf("history postgres: get: %w", err)
	}
	return e, nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context, limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = history.DefaultLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM transcripts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history postgres: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}

// Search implements [history.Store]. With an embedding it ranks by cosine
// similarity; otherwise it runs a full-text search with plainto_tsquery so no
// operator syntax is required.
func (s *Store) Search(ctx context.Context, opts history.SearchOpts) ([]history.Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = history.DefaultLimit
	}

	var (
		args       []any
		conditions []string
		scoreExpr  string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch {
	case len(opts.Embedding) > 0:
		p := next(pgvector.NewVector(opts.Embedding))
		scoreExpr = "1 - (embedding <=> " + p + ")"
		conditions = append(conditions, "embedding IS NOT NULL")
	case strings.TrimSpace(opts.Query) != "":
		p := next(opts.Query)
		scoreExpr = "ts_rank(to_tsvector('simple', text), plainto_tsquery('simple', " + p + "))::float8"
		conditions = append(conditions, "to_tsvector('simple', text) @@ plainto_tsquery('simple', "+p+")")
	default:
		return []history.Hit{}, nil
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(opts.Before))
	}
	limitArg := next(limit)

	q := fmt.Sprintf(`
		SELECT %s, %s AS score
		FROM   transcripts
		WHERE  %s
		ORDER  BY score DESC, created_at DESC
		LIMIT  %s`, entryColumns, scoreExpr, strings.Join(conditions, "\n\t\t  AND  "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history postgres: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Hit, error) {
		var h history.Hit
		var score float64
		e, err := scanEntryWith(row, &score)
		if err != nil {
			return h, err
		}
		h.Entry, h.Score = e, score
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if hits == nil {
		hits = []history.Hit{}
	}
	return hits, nil
}

// Prune implements [history.Store].
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	const q = `
		DELETE FROM transcripts
		WHERE id IN (
		    SELECT id FROM transcripts
		    ORDER  BY created_at DESC
		    OFFSET $1
		)`
	tag, err := s.pool.Exec(ctx, q, keep)
	if err != nil {
		return 0, fmt.Errorf("history postgres: prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanEntry(row pgx.CollectableRow) (history.Entry, error) {
	return scanEntryWith(row)
}

// scanEntryWith scans the entry columns followed by extra destinations.
func scanEntryWith(row pgx.CollectableRow, extra ...any) (history.Entry, error) {
	var (
		e   history.Entry
		ns  int64
		vec *pgvector.Vector
	)
	dest := append([]any{
		&e.ID,
		&e.RecordingID,
		&e.Text,
		&e.RawText,
		&e.Language,
		&ns,
		&e.Polished,
		&e.Provider,
		&e.CreatedAt,
		&vec,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return history.Entry{}, err
	}
	e.Duration = time.Duration(ns)
	if vec != nil {
		e.Embedding = vec.Slice()
	}
	return e, nil
}
