// Package history keeps completed dictation transcripts so they can be listed
// and searched after the fact.
//
// A [Store] persists [Entry] values. Two implementations exist: [MemStore]
// for single-process use and tests, and the PostgreSQL/pgvector store in the
// postgres subpackage. [Service] sits in front of a store, embeds transcripts
// when an embeddings provider is configured and enforces the retention limit.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/dictum/internal/pipeline"
)

// ErrNotFound is returned by [Store.Get] for unknown entry IDs.
var ErrNotFound = errors.New("history: entry not found")

// DefaultLimit is applied when a List or Search call asks for zero entries.
const DefaultLimit = 50

// Entry is one stored transcript.
type Entry struct {
	ID          string        `json:"id"`
	RecordingID string        `json:"recording_id"`
	Text        string        `json:"text"`
	RawText     string        `json:"raw_text"`
	Language    string        `json:"language,omitempty"`
	Duration    time.Duration `json:"duration"`
	Polished    bool          `json:"polished"`
	Provider    string        `json:"provider,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`

	// Embedding is the vector of Text. Nil when no embeddings provider is
	// configured or embedding failed.
	Embedding []float32 `json:"-"`
}

// FromTranscript converts a completed pipeline transcript into an Entry
// without ID or embedding.
func FromTranscript(t pipeline.Transcript) Entry {
	created := t.CompletedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Entry{
		RecordingID: t.RecordingID,
		Text:        t.Text,
		RawText:     t.RawText,
		Language:    t.Language,
		Duration:    t.Duration,
		Polished:    t.Polished,
		Provider:    t.Provider,
		CreatedAt:   created.UTC(),
	}
}

// SearchOpts configures a history search. All non-zero fields are applied as
// AND conditions.
type SearchOpts struct {
	// Query is matched word by word against the entry text. Ignored when
	// Embedding is set.
	Query string

	// Embedding switches to semantic search ranked by cosine similarity.
	Embedding []float32

	// After and Before bound CreatedAt (exclusive). Zero disables a bound.
	After  time.Time
	Before time.Time

	// Limit caps the number of hits. Zero means DefaultLimit.
	Limit int
}

// Hit is a search result.
type Hit struct {
	Entry Entry `json:"entry"`

	// Score ranks hits, higher is better. For semantic search it is the
	// cosine similarity; for keyword search the fraction of query words found.
	Score float64 `json:"score"`
}

// Store persists transcript entries.
type Store interface {
	// Add stores e. The caller assigns e.ID.
	Add(ctx context.Context, e Entry) error

	// Get returns the entry with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (Entry, error)

	// List returns up to limit entries, newest first.
	List(ctx context.Context, limit int) ([]Entry, error)

	// Search returns hits ordered by descending score, newest first on ties.
	Search(ctx context.Context, opts SearchOpts) ([]Hit, error)

	// Prune deletes all but the newest keep entries and reports how many were
	// removed.
	Prune(ctx context.Context, keep int) (int, error)
}
