package setu

import "context"

// EmbeddingProvider generates vector embeddings for catalog texts and
// resolution queries. Implementations must be safe for concurrent use.
//
// The built-in providers (OpenAI, Ollama) cover most deployments; supply a
// custom one via WithEmbeddingProvider when the hospital runs its own
// embedding service.
type EmbeddingProvider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}
