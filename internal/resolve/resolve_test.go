package resolve

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresync-health/setu/internal/catalog"
	"github.com/caresync-health/setu/internal/index"
	"github.com/caresync-health/setu/internal/lookup"
	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/internal/rerank"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeProvider embeds known texts to fixed unit vectors; unknown texts get
// a distinct vector so they land far from everything.
type fakeProvider struct {
	vectors map[string][]float32
}

func (p *fakeProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	if v, ok := p.vectors[text]; ok {
		return pgvector.NewVector(v), nil
	}
	return pgvector.NewVector([]float32{0, 0, 0, 1}), nil
}

func (p *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (p *fakeProvider) Dimensions() int { return 4 }

func testCatalogs() (*catalog.TermCatalog, *catalog.CodeCatalog) {
	terms := catalog.NewTermCatalog([]catalog.TermEntry{
		{Term: "Jwara", Code: "AYU-001", LinkedCode: "R50.9", Definition: "fever"},
		{Term: "Navaroga", Code: "AYU-900"}, // registered, not yet curated
	})
	codes := catalog.NewCodeCatalog([]catalog.CodeEntry{
		{Code: "R50.9", Title: "Fever, unspecified"},
		{Code: "J20.9", Title: "Acute bronchitis, unspecified"},
		{Code: "K21.0", Title: "Gastro-oesophageal reflux disease with oesophagitis"},
	})
	return terms, codes
}

func newTestResolver(t *testing.T, m *rerank.Model, external *lookup.Client) *Resolver {
	t.Helper()
	terms, codes := testCatalogs()
	provider := &fakeProvider{vectors: map[string][]float32{
		"fever":  {1, 0, 0, 0},
		"reflux": {0, 1, 0, 0},
		catalog.CodeEntry{Code: "R50.9", Title: "Fever, unspecified"}.SearchText():                                        {1, 0, 0, 0},
		catalog.CodeEntry{Code: "J20.9", Title: "Acute bronchitis, unspecified"}.SearchText():                            {0.9, 0.1, 0, 0},
		catalog.CodeEntry{Code: "K21.0", Title: "Gastro-oesophageal reflux disease with oesophagitis"}.SearchText():      {0, 1, 0, 0},
	}}

	entries := make([]index.Entry, 0, codes.Len())
	for _, ce := range codes.Entries() {
		entries = append(entries, index.Entry{Code: ce.Code, Text: ce.SearchText()})
	}
	idx, err := index.BuildFlat(context.Background(), entries, provider, testLogger())
	require.NoError(t, err)

	return New(terms, codes, provider, idx, m, external, testLogger())
}

func TestResolveExactTier(t *testing.T) {
	r := newTestResolver(t, nil, nil)

	t.Run("linked term", func(t *testing.T) {
		out := r.Resolve(context.Background(), Request{Term: "jwara"})
		require.Equal(t, model.MethodExact, out.Tier)
		best, ok := out.Best()
		require.True(t, ok)
		assert.Equal(t, "R50.9", best.TargetCode)
		assert.Equal(t, "Fever, unspecified", best.Title)
		assert.Equal(t, 0.99, best.Confidence)
		assert.Equal(t, model.MethodExact, best.Method)
	})

	t.Run("case and whitespace insensitive", func(t *testing.T) {
		out := r.Resolve(context.Background(), Request{Term: "  JWARA  "})
		best, ok := out.Best()
		require.True(t, ok)
		assert.Equal(t, "R50.9", best.TargetCode)
	})

	t.Run("lookup by source code", func(t *testing.T) {
		out := r.Resolve(context.Background(), Request{Term: "AYU-001"})
		best, ok := out.Best()
		require.True(t, ok)
		assert.Equal(t, "R50.9", best.TargetCode)
	})

	t.Run("uncurated term surfaces source code", func(t *testing.T) {
		out := r.Resolve(context.Background(), Request{Term: "navaroga"})
		require.Equal(t, model.MethodExact, out.Tier)
		best, ok := out.Best()
		require.True(t, ok)
		assert.Equal(t, "AYU-900", best.TargetCode)
		assert.Equal(t, "Navaroga", best.Title)
	})
}

func TestResolveRuleTier(t *testing.T) {
	r := newTestResolver(t, nil, nil)

	t.Run("keyword substring match", func(t *testing.T) {
		// Not an exact catalog entry, but contains the jwara keyword.
		out := r.Resolve(context.Background(), Request{Term: "vishama jwara with chills"})
		require.Equal(t, model.MethodRule, out.Tier)
		best, ok := out.Best()
		require.True(t, ok)
		assert.Equal(t, "R50.9", best.TargetCode)
		// 0.6*1.0 + 0.4*(1/1.1)
		assert.InDelta(t, 0.9636, best.Confidence, 0.001)
		assert.Equal(t, model.MethodRule, best.Method)
	})

	t.Run("rule order takes first keyword", func(t *testing.T) {
		out := r.Resolve(context.Background(), Request{Term: "chronic amlapitta burning"})
		best, ok := out.Best()
		require.True(t, ok)
		assert.Equal(t, "K21.0", best.TargetCode)
	})

	t.Run("rule skipped when target code unknown", func(t *testing.T) {
		// prameha maps to E11.9, which is not in the test code catalog, so
		// resolution falls through to the vector tier.
		out := r.Resolve(context.Background(), Request{Term: "madhumeha prameha"})
		assert.Equal(t, model.MethodVector, out.Tier)
	})
}

func TestResolveVectorTier(t *testing.T) {
	t.Run("distance-based confidence without reranker", func(t *testing.T) {
		r := newTestResolver(t, nil, nil)
		out := r.Resolve(context.Background(), Request{Term: "fever", K: 2})
		require.Equal(t, model.MethodVector, out.Tier)
		require.Len(t, out.Results, 2)

		best := out.Results[0]
		assert.Equal(t, "R50.9", best.TargetCode)
		assert.Equal(t, model.MethodVector, best.Method)
		// Exact embedding match: distance 0, confidence 0.4*1/(1+0).
		assert.InDelta(t, 0.4, best.Confidence, 1e-9)
		assert.Greater(t, best.Confidence, out.Results[1].Confidence)
	})

	t.Run("reranker adjusts confidence and method", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "reranker.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"coefficients": [-1.0, 2.0, 0, 0], "intercept": 0}`), 0o644))
		m, err := rerank.Load(path, testLogger())
		require.NoError(t, err)

		r := newTestResolver(t, m, nil)
		out := r.Resolve(context.Background(), Request{Term: "fever", K: 2})
		require.NotEmpty(t, out.Results)
		best := out.Results[0]
		assert.Equal(t, model.MethodReranked, best.Method)
		assert.LessOrEqual(t, best.Confidence, 1.0)
		assert.GreaterOrEqual(t, best.Confidence, 0.0)
	})

	t.Run("nearest code wins", func(t *testing.T) {
		r := newTestResolver(t, nil, nil)
		out := r.Resolve(context.Background(), Request{Term: "reflux", K: 1})
		require.Len(t, out.Results, 1)
		assert.Equal(t, "K21.0", out.Results[0].TargetCode)
	})

	t.Run("truncates to k", func(t *testing.T) {
		r := newTestResolver(t, nil, nil)
		out := r.Resolve(context.Background(), Request{Term: "fever", K: 1})
		assert.Len(t, out.Results, 1)
	})
}

func TestResolveExternalFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"destinationEntities": [
			{"theCode": "1C62", "title": "Dengue <em class='found'>fever</em>"}
		]}`))
	}))
	defer server.Close()

	terms := catalog.NewTermCatalog(nil)
	codes := catalog.NewCodeCatalog(nil)
	provider := &fakeProvider{}
	idx, err := index.BuildFlat(context.Background(), nil, provider, testLogger())
	require.NoError(t, err)

	external := lookup.NewClient(lookup.Config{BaseURL: server.URL}, testLogger())
	r := New(terms, codes, provider, idx, nil, external, testLogger())

	out := r.Resolve(context.Background(), Request{Term: "unknown haemorrhagic fever"})
	require.Equal(t, model.MethodVector, out.Tier)
	require.Len(t, out.Results, 1)
	best := out.Results[0]
	assert.Equal(t, "1C62", best.TargetCode)
	assert.Equal(t, "Dengue fever", best.Title)
	assert.Equal(t, 0.8, best.Confidence)
	require.NotEmpty(t, best.Provenance)
	assert.Equal(t, "external_fallback", best.Provenance[0].Step)
}

func TestResolveEmptyOutcome(t *testing.T) {
	terms := catalog.NewTermCatalog(nil)
	codes := catalog.NewCodeCatalog(nil)
	provider := &fakeProvider{}
	idx, err := index.BuildFlat(context.Background(), nil, provider, testLogger())
	require.NoError(t, err)

	r := New(terms, codes, provider, idx, nil, nil, testLogger())
	out := r.Resolve(context.Background(), Request{Term: "completely unknown"})
	assert.Equal(t, model.MethodVector, out.Tier)
	assert.Empty(t, out.Results)
	_, ok := out.Best()
	assert.False(t, ok)
}

func TestResolveIdempotent(t *testing.T) {
	r := newTestResolver(t, nil, nil)
	first := r.Resolve(context.Background(), Request{Term: "fever", K: 3})
	second := r.Resolve(context.Background(), Request{Term: "fever", K: 3})
	assert.Equal(t, first, second)
}

func TestConfidence(t *testing.T) {
	t.Run("rule tier value", func(t *testing.T) {
		assert.InDelta(t, 0.963636, confidence(1.0, ruleTierDistance, nil), 1e-6)
	})

	t.Run("pure distance", func(t *testing.T) {
		assert.InDelta(t, 0.4, confidence(0, 0, nil), 1e-9)
		assert.InDelta(t, 0.2, confidence(0, 1, nil), 1e-9)
	})

	t.Run("reranker blend", func(t *testing.T) {
		p := 1.0
		// 0.7*0.4 + 0.3*1.0
		assert.InDelta(t, 0.58, confidence(0, 0, &p), 1e-9)
	})

	t.Run("clamped", func(t *testing.T) {
		p := 5.0
		assert.Equal(t, 1.0, confidence(1.0, 0, &p))
	})
}

func TestMatchRule(t *testing.T) {
	tests := []struct {
		term string
		code string
		ok   bool
	}{
		{"kasa", "J20.9", true},
		{"chronic KASA cough", "J20.9", true},
		{"timira vision", "H53.1", true},
		{"no keywords here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			rule, ok := matchRule(tt.term)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.code, rule.Code)
			}
		})
	}
}
