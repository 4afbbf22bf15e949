package history

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. Entries are kept in insertion order and
// lost on restart.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int)}
}

// Add implements [Store].
func (s *MemStore) Add(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[e.ID]; ok {
		s.entries[i] = e
		return nil
	}
	s.byID[e.ID] = len(s.entries)
	s.entries = append(s.entries, e)
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return s.entries[i], nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Search implements [Store]. Keyword search is case-insensitive; an entry
// matches when it contains at least one query word.
func (s *MemStore) Search(_ context.Context, opts SearchOpts) ([]Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	words := strings.Fields(strings.ToLower(opts.Query))
	if len(opts.Embedding) == 0 && len(words) == 0 {
		return []Hit{}, nil
	}

	s.mu.RLock()
	var hits []Hit
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !opts.After.IsZero() && !e.CreatedAt.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !e.CreatedAt.Before(opts.Before) {
			continue
		}
		var score float64
		if len(opts.Embedding) > 0 {
			if len(e.Embedding) != len(opts.Embedding) {
				continue
			}
			score = cosine(opts.Embedding, e.Embedding)
		} else {
			score = keywordScore(strings.ToLower(e.Text), words)
			if score == 0 {
				continue
			}
		}
		hits = append(hits, Hit{Entry: e, Score: score})
	}
	s.mu.RUnlock()

	// Stable sort keeps newest-first order among equal scores.
	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

// Prune implements [Store].
func (s *MemStore) Prune(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := len(s.entries) - keep
	if drop <= 0 {
		return 0, nil
	}
	for _, e := range s.entries[:drop] {
		delete(s.byID, e.ID)
	}
	s.entries = slices.Clone(s.entries[drop:])
	for i, e := range s.entries {
		s.byID[e.ID] = i
	}
	return drop, nil
}

// Len returns the number of stored entries.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func keywordScore(text string, words []string) float64 {
	found := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			found++
		}
	}
	return float64(found) / float64(len(words))
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
