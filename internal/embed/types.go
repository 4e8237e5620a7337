// Package embed turns text into vectors. A Provider speaks to the
// embedding backend; Client layers caching, batching, retries, and a
// circuit breaker on top; Manager runs large jobs asynchronously.
package embed

import "context"

// Provider is a raw embedding backend.
type Provider interface {
	// EmbedBatch embeds texts in order. The returned slice has one
	// vector per input text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the model identifier.
	Model() string

	// Dimensions returns the vector width this provider produces.
	Dimensions() int
}
