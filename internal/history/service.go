package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/dictum/internal/pipeline"
	"github.com/MrWong99/dictum/pkg/provider/embeddings"
)

// Service records completed transcripts into a [Store] and answers history
// queries, using semantic search when an embeddings provider is configured.
type Service struct {
	store      Store
	embedder   embeddings.Provider
	maxEntries int
	log        *slog.Logger
	newID      func() string
}

// ServiceOption configures a [Service].
type ServiceOption func(*Service)

// WithEmbedder enables semantic search. Entries are embedded on record and
// queries are embedded on search.
func WithEmbedder(p embeddings.Provider) ServiceOption {
	return func(s *Service) { s.embedder = p }
}

// WithMaxEntries prunes the store to the newest n entries after every
// record. Zero keeps everything.
func WithMaxEntries(n int) ServiceOption {
	return func(s *Service) { s.maxEntries = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// WithIDGenerator replaces the entry ID generator. Defaults to UUIDv4.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) { s.newID = fn }
}

// NewService returns a Service backed by store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		log:   slog.Default(),
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Semantic reports whether searches are ranked by embedding similarity.
func (s *Service) Semantic() bool { return s.embedder != nil }

// Record stores t. Blank transcripts are skipped and return a zero Entry.
// An embedding failure is logged and the entry is stored without a vector.
func (s *Service) Record(ctx context.Context, t pipeline.Transcript) (Entry, error) {
	if strings.TrimSpace(t.Text) == "" {
		return Entry{}, nil
	}
	e := FromTranscript(t)
	e.ID = s.newID()

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, e.Text)
		if err != nil {
			s.log.Warn("history: embed transcript failed, storing without vector",
				"recording_id", e.RecordingID, "model", s.embedder.ModelID(), "err", err)
		} else {
			e.Embedding = vec
		}
	}

	if err := s.store.Add(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("history: add: %w", err)
	}
	if s.maxEntries > 0 {
		n, err := s.store.Prune(ctx, s.maxEntries)
		if err != nil {
			s.log.Warn("history: prune failed", "keep", s.maxEntries, "err", err)
		} else if n > 0 {
			s.log.Debug("history: pruned entries", "removed", n, "keep", s.maxEntries)
		}
	}
	return e, nil
}

// OnComplete adapts Record to the pipeline completion hook.
func (s *Service) OnComplete(ctx context.Context, t pipeline.Transcript) {
	e, err := s.Record(ctx, t)
	if err != nil {
		s.log.Error("history: record transcript", "recording_id", t.RecordingID, "err", err)
		return
	}
	if e.ID != "" {
		s.log.Debug("history: recorded transcript", "id", e.ID, "recording_id", e.RecordingID)
	}
}

// Get returns a single entry.
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	return s.store.Get(ctx, id)
}

// List returns the newest entries.
func (s *Service) List(ctx context.Context, limit int) ([]Entry, error) {
	entries, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return entries, nil
}

// Search looks up query. With an embedder the query is embedded and ranked by
// similarity; if embedding fails the search degrades to keyword matching.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Hit{}, nil
	}
	opts := SearchOpts{Query: query, Limit: limit}
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.log.Warn("history: embed query failed, using keyword search", "err", err)
		} else {
			opts.Embedding = vec
		}
	}
	hits, err := s.store.Search(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	return hits, nil
}
