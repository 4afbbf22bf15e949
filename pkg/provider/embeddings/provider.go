// Package embeddings defines the Provider interface for vector embedding
// backends. Transcript history uses embeddings for semantic search: every
// stored transcript is embedded once and queries are ranked by cosine
// distance in the same vector space.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the dimensionality reported
// by Dimensions. Vectors from different models must not be compared.
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed length of every embedding vector.
	Dimensions() int

	// ModelID returns the provider-specific model identifier
	// (e.g., "text-embedding-3-small").
	ModelID() string
}
