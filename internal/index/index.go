// Package index provides approximate-nearest-neighbor search over embedded
// target-code texts.
//
// Two implementations share the Index interface: Flat, an exact in-memory
// L2 scan built wholesale at startup or loaded from a setu-index snapshot,
// and Qdrant, a remote ANN collection for large catalogs. Both are
// immutable from the resolver's point of view: the resolver only searches,
// and rebuilds replace the index as a whole.
package index

import "context"

// Hit is one nearest-neighbor result. Distance is non-negative; an exact
// duplicate of an indexed text has distance 0.
type Hit struct {
	Code     string
	Distance float64
}

// Entry is one target code to be indexed.
type Entry struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Index searches embedded code texts by query vector. The caller embeds the
// query (resolver composes an embedding provider with an Index); this keeps
// implementations free of HTTP concerns and lets one embedding call serve
// several consumers. Implementations must be safe for unlimited concurrent
// reads.
type Index interface {
	// Search returns up to k entries nearest to the query embedding,
	// ordered by ascending distance.
	Search(ctx context.Context, embedding []float32, k int) ([]Hit, error)

	// Len returns the number of indexed entries.
	Len() int
}
