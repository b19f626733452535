// Package rerank scores vector-tier candidates with a small logistic model
// trained offline on reviewed mappings.
//
// The model weights live in a JSON file exported by the training job. When
// the file is absent the resolver runs without reranking; raw similarity
// ordering is a reasonable fallback and the review queue catches the rest.
package rerank

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strings"
)

// Feature vector layout fed to the model, in order:
// distance, lexical overlap, rule matched, seed match.
const numFeatures = 4

// Model is a logistic regression over candidate features. The zero value is
// unusable; obtain one via Load.
type Model struct {
	coefficients [numFeatures]float64
	intercept    float64
}

type modelFile struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
}

// Load reads model weights from a JSON file. A missing file is not an
// error: it returns (nil, nil) and logs a warning so deployments without a
// trained model start cleanly.
func Load(path string, logger *slog.Logger) (*Model, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("rerank: model file not found, reranking disabled", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rerank: read model %s: %w", path, err)
	}

	var mf modelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("rerank: parse model %s: %w", path, err)
	}
	if len(mf.Coefficients) != numFeatures {
		return nil, fmt.Errorf("rerank: model %s has %d coefficients, want %d", path, len(mf.Coefficients), numFeatures)
	}

	m := &Model{intercept: mf.Intercept}
	copy(m.coefficients[:], mf.Coefficients)
	logger.Info("rerank: loaded model", "path", path)
	return m, nil
}

// Features holds the inputs for one candidate.
type Features struct {
	Distance       float64
	LexicalOverlap float64
	RuleMatched    bool
	SeedMatch      bool
}

// Predict returns the model's probability that the candidate is a correct
// mapping, in [0, 1].
func (m *Model) Predict(f Features) float64 {
	x := [numFeatures]float64{f.Distance, f.LexicalOverlap, b2f(f.RuleMatched), b2f(f.SeedMatch)}
	z := m.intercept
	for i := range x {
		z += m.coefficients[i] * x[i]
	}
	return 1 / (1 + math.Exp(-z))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// LexicalOverlap returns the fraction of query tokens that also appear in
// the candidate text, in [0, 1]. Token comparison is case-insensitive.
func LexicalOverlap(query, text string) float64 {
	queryTokens := strings.Fields(strings.ToLower(query))
	if len(queryTokens) == 0 {
		return 0
	}

	textTokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		textTokens[tok] = struct{}{}
	}

	matched := 0
	for _, tok := range queryTokens {
		if _, ok := textTokens[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
