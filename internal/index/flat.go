package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"

	"github.com/caresync-health/setu/internal/service/embedding"
)

// Flat is an exact L2 nearest-neighbor index held in memory. For catalogs
// of tens of thousands of codes a full scan is a few milliseconds, which
// beats maintaining an ANN structure for the common single-clinic
// deployment. Build it once, then only Search; the struct is immutable
// after Build/Load returns.
type Flat struct {
	codes   []string
	vectors [][]float32
	dims    int
}

// BuildFlat embeds every entry's text and constructs the index. Entries
// whose embedding is all zeros (noop provider) are rejected wholesale: a
// zero index would rank every code at identical distance, which is worse
// than no vector tier at all.
func BuildFlat(ctx context.Context, entries []Entry, provider embedding.Provider, logger *slog.Logger) (*Flat, error) {
	if len(entries) == 0 {
		return &Flat{dims: provider.Dimensions()}, nil
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}

	vecs, err := provider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("index: embed catalog: %w", err)
	}

	f := &Flat{
		codes:   make([]string, 0, len(entries)),
		vectors: make([][]float32, 0, len(entries)),
		dims:    provider.Dimensions(),
	}
	allZero := true
	for i, e := range entries {
		v := vecs[i].Slice()
		for _, x := range v {
			if x != 0 {
				allZero = false
				break
			}
		}
		f.codes = append(f.codes, e.Code)
		f.vectors = append(f.vectors, v)
	}
	if allZero {
		logger.Warn("index: all embeddings are zero vectors, vector tier disabled")
		return &Flat{dims: provider.Dimensions()}, nil
	}

	logger.Info("index: built flat index", "entries", len(f.codes), "dims", f.dims)
	return f, nil
}

// flatSnapshot is the on-disk format written by setu-index.
type flatSnapshot struct {
	Dims    int         `json:"dims"`
	Codes   []string    `json:"codes"`
	Vectors [][]float32 `json:"vectors"`
}

// LoadFlat reads a prebuilt index snapshot written by SaveFlat.
func LoadFlat(path string) (*Flat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("index: read snapshot %s: %w", path, err)
	}
	var snap flatSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("index: parse snapshot %s: %w", path, err)
	}
	if len(snap.Codes) != len(snap.Vectors) {
		return nil, fmt.Errorf("index: snapshot %s: %d codes but %d vectors", path, len(snap.Codes), len(snap.Vectors))
	}
	for i, v := range snap.Vectors {
		if len(v) != snap.Dims {
			return nil, fmt.Errorf("index: snapshot %s: vector %d has %d dims, want %d", path, i, len(v), snap.Dims)
		}
	}
	return &Flat{codes: snap.Codes, vectors: snap.Vectors, dims: snap.Dims}, nil
}

// SaveFlat writes the index to path as a JSON snapshot.
func (f *Flat) SaveFlat(path string) error {
	data, err := json.Marshal(flatSnapshot{Dims: f.dims, Codes: f.codes, Vectors: f.vectors})
	if err != nil {
		return fmt.Errorf("index: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("index: write snapshot %s: %w", path, err)
	}
	return nil
}

// Search scans all vectors and returns the k nearest by L2 distance.
func (f *Flat) Search(_ context.Context, query []float32, k int) ([]Hit, error) {
	if len(f.vectors) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != f.dims {
		return nil, fmt.Errorf("index: query has %d dims, index has %d", len(query), f.dims)
	}

	hits := make([]Hit, len(f.vectors))
	for i, v := range f.vectors {
		hits[i] = Hit{Code: f.codes[i], Distance: l2(query, v)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of indexed entries.
func (f *Flat) Len() int { return len(f.codes) }

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
