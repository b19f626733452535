package rerank

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reranker.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("valid model", func(t *testing.T) {
		path := writeModel(t, `{"coefficients": [-2.0, 1.5, 0.8, 0.3], "intercept": 0.1}`)
		m, err := Load(path, testLogger())
		require.NoError(t, err)
		require.NotNil(t, m)
	})

	t.Run("missing file disables reranking", func(t *testing.T) {
		m, err := Load(filepath.Join(t.TempDir(), "absent.json"), testLogger())
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("wrong coefficient count", func(t *testing.T) {
		path := writeModel(t, `{"coefficients": [1.0, 2.0], "intercept": 0}`)
		_, err := Load(path, testLogger())
		require.Error(t, err)
	})

	t.Run("corrupt json", func(t *testing.T) {
		path := writeModel(t, `{not json`)
		_, err := Load(path, testLogger())
		require.Error(t, err)
	})
}

func TestPredict(t *testing.T) {
	path := writeModel(t, `{"coefficients": [-2.0, 1.0, 0.5, 0.5], "intercept": 0}`)
	m, err := Load(path, testLogger())
	require.NoError(t, err)

	t.Run("zero input yields sigmoid of intercept", func(t *testing.T) {
		p := m.Predict(Features{})
		assert.InDelta(t, 0.5, p, 1e-9)
	})

	t.Run("closer candidates score higher", func(t *testing.T) {
		near := m.Predict(Features{Distance: 0.1, LexicalOverlap: 0.5})
		far := m.Predict(Features{Distance: 2.0, LexicalOverlap: 0.5})
		assert.Greater(t, near, far)
	})

	t.Run("bounded", func(t *testing.T) {
		p := m.Predict(Features{Distance: -100, LexicalOverlap: 100, RuleMatched: true, SeedMatch: true})
		assert.LessOrEqual(t, p, 1.0)
		assert.GreaterOrEqual(t, p, 0.0)
	})

	t.Run("matches closed form", func(t *testing.T) {
		f := Features{Distance: 0.4, LexicalOverlap: 0.25, RuleMatched: true, SeedMatch: false}
		z := -2.0*0.4 + 1.0*0.25 + 0.5*1 + 0.5*0
		want := 1 / (1 + math.Exp(-z))
		assert.InDelta(t, want, m.Predict(f), 1e-12)
	})
}

func TestLexicalOverlap(t *testing.T) {
	tests := []struct {
		name  string
		query string
		text  string
		want  float64
	}{
		{"full overlap", "jwara fever", "fever jwara pyrexia", 1.0},
		{"half overlap", "jwara fever", "jwara cough", 0.5},
		{"no overlap", "jwara", "cough bronchitis", 0},
		{"case insensitive", "JWARA", "jwara", 1.0},
		{"empty query", "", "anything", 0},
		{"empty text", "jwara", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, LexicalOverlap(tt.query, tt.text), 1e-9)
		})
	}
}
