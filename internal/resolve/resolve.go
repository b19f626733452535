// Package resolve implements the tiered term-resolution pipeline: exact
// catalog lookup, curated keyword rules, vector search with optional
// reranking, and an external WHO API fallback when the local index comes up
// empty.
//
// Resolution never returns an error to the caller. Tier failures degrade to
// the next tier, and a term nothing can place yields an empty outcome that
// the mapping service escalates to the review queue.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/caresync-health/setu/internal/catalog"
	"github.com/caresync-health/setu/internal/index"
	"github.com/caresync-health/setu/internal/lookup"
	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/internal/rerank"
	"github.com/caresync-health/setu/internal/service/embedding"
)

// DefaultK is the number of candidates returned when the request does not
// specify one.
const DefaultK = 3

// externalFallbackConfidence is the nominal confidence assigned to
// candidates sourced from the WHO API. The external endpoint returns no
// distance, so candidates get a fixed score below the exact and rule tiers.
const externalFallbackConfidence = 0.8

// Request is one term to resolve. Context carries free-text symptoms or
// clinical notes that sharpen the vector query; K bounds the result count.
type Request struct {
	Term    string
	Context string
	K       int
}

// Resolver runs the resolution pipeline. All fields are read-only after
// construction, so a single Resolver serves concurrent requests.
type Resolver struct {
	terms    *catalog.TermCatalog
	codes    *catalog.CodeCatalog
	provider embedding.Provider
	index    index.Index
	model    *rerank.Model
	external *lookup.Client
	logger   *slog.Logger
}

// New assembles a resolver. model and external may be nil/disabled; the
// corresponding stages are skipped.
func New(terms *catalog.TermCatalog, codes *catalog.CodeCatalog, provider embedding.Provider, idx index.Index, m *rerank.Model, external *lookup.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		terms:    terms,
		codes:    codes,
		provider: provider,
		index:    idx,
		model:    m,
		external: external,
		logger:   logger,
	}
}

// Resolve runs the pipeline for one term. It does not return errors:
// internal failures are logged and the pipeline degrades, ending in an
// empty outcome at worst. Resolution is read-only and idempotent.
func (r *Resolver) Resolve(ctx context.Context, req Request) model.Outcome {
	term := strings.TrimSpace(req.Term)
	k := req.K
	if k <= 0 {
		k = DefaultK
	}

	if out, ok := r.exactTier(term); ok {
		return out
	}
	if out, ok := r.ruleTier(term); ok {
		return out
	}
	return r.vectorTier(ctx, term, req.Context, k)
}

// exactTier looks the term up in the source-term catalog.
func (r *Resolver) exactTier(term string) (model.Outcome, bool) {
	entry, ok := r.terms.Lookup(term)
	if !ok {
		return model.Outcome{}, false
	}

	cand := model.Candidate{
		Confidence: 0.99,
		Method:     model.MethodExact,
		Provenance: []model.ProvenanceStep{
			{Step: "exact", Detail: "source term " + entry.Term},
		},
	}

	switch {
	case entry.LinkedCode != "":
		cand.TargetCode = entry.LinkedCode
		if ce, found := r.codes.Get(entry.LinkedCode); found {
			cand.Title = ce.Title
		} else if entry.WHOTerm != "" {
			cand.Title = entry.WHOTerm
		} else {
			cand.Title = entry.LinkedCode
		}
	default:
		// Newly registered term with no curated target yet. Surface the
		// source code itself so the caller sees the term is known.
		cand.TargetCode = entry.Code
		cand.Title = entry.Term
	}

	return model.Outcome{Term: term, Tier: model.MethodExact, Results: []model.Candidate{cand}}, true
}

// ruleTier applies the curated keyword table. A rule only fires when its
// target code exists in the code catalog; otherwise the pipeline falls
// through to the vector tier.
func (r *Resolver) ruleTier(term string) (model.Outcome, bool) {
	rule, ok := matchRule(term)
	if !ok {
		return model.Outcome{}, false
	}
	ce, found := r.codes.Get(rule.Code)
	if !found {
		r.logger.Debug("resolve: rule target missing from code catalog", "keyword", rule.Keyword, "code", rule.Code)
		return model.Outcome{}, false
	}

	cand := model.Candidate{
		TargetCode: rule.Code,
		Title:      ce.Title,
		Confidence: confidence(1.0, ruleTierDistance, nil),
		Method:     model.MethodRule,
		Provenance: []model.ProvenanceStep{
			{Step: "rule", Detail: fmt.Sprintf("keyword rule: %s -> %s", rule.Keyword, rule.Code)},
		},
	}
	return model.Outcome{Term: term, Tier: model.MethodRule, Results: []model.Candidate{cand}}, true
}

// scored is an intermediate vector-tier candidate before confidence scoring.
type scored struct {
	code     string
	title    string
	distance float64
	external bool
}

// vectorTier embeds the query and searches the index, overfetching 2k for
// the reranker. When the index yields nothing the WHO API fallback is
// consulted.
func (r *Resolver) vectorTier(ctx context.Context, term, extra string, k int) model.Outcome {
	out := model.Outcome{Term: term, Tier: model.MethodVector}

	queryText := term
	if extra != "" {
		queryText = term + " " + extra
	}

	candidates := r.localCandidates(ctx, queryText, k)
	if len(candidates) == 0 && r.external.Enabled() {
		candidates = r.externalCandidates(ctx, queryText, k)
	}
	if len(candidates) == 0 {
		return out
	}

	results := r.score(term, candidates)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Confidence > results[j].Confidence })
	if len(results) > k {
		results = results[:k]
	}
	out.Results = results
	return out
}

func (r *Resolver) localCandidates(ctx context.Context, queryText string, k int) []scored {
	if r.index == nil || r.index.Len() == 0 {
		return nil
	}

	vec, err := r.provider.Embed(ctx, queryText)
	if err != nil {
		r.logger.Warn("resolve: embed query failed", "error", err)
		return nil
	}

	hits, err := r.index.Search(ctx, vec.Slice(), k*2)
	if err != nil {
		r.logger.Warn("resolve: index search failed", "error", err)
		return nil
	}

	candidates := make([]scored, 0, len(hits))
	for _, h := range hits {
		ce, found := r.codes.Get(h.Code)
		if !found {
			r.logger.Warn("resolve: indexed code missing from catalog", "code", h.Code)
			continue
		}
		candidates = append(candidates, scored{code: h.Code, title: ce.Title, distance: h.Distance})
	}
	return candidates
}

func (r *Resolver) externalCandidates(ctx context.Context, queryText string, k int) []scored {
	results, err := r.external.Search(ctx, queryText, k)
	if err != nil {
		r.logger.Warn("resolve: external fallback failed", "error", err)
		return nil
	}
	candidates := make([]scored, 0, len(results))
	for _, res := range results {
		candidates = append(candidates, scored{code: res.Code, title: res.Title, external: true})
	}
	return candidates
}

// score converts candidates to ranked results. Local hits run through the
// reranker when a model is loaded; external hits carry a fixed nominal
// confidence since the WHO endpoint returns no comparable distance.
func (r *Resolver) score(term string, candidates []scored) []model.Candidate {
	results := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.external {
			results = append(results, model.Candidate{
				TargetCode: c.code,
				Title:      c.title,
				Confidence: externalFallbackConfidence,
				Method:     model.MethodVector,
				Provenance: []model.ProvenanceStep{
					{Step: "external_fallback", Detail: "who_icd11_api"},
				},
			})
			continue
		}

		cand := model.Candidate{
			TargetCode: c.code,
			Title:      c.title,
			Method:     model.MethodVector,
			Provenance: []model.ProvenanceStep{
				{Step: "vector", Detail: fmt.Sprintf("distance %.4f", c.distance)},
			},
		}
		if r.model != nil {
			p := r.model.Predict(rerank.Features{
				Distance:       c.distance,
				LexicalOverlap: rerank.LexicalOverlap(term, c.title),
			})
			cand.Confidence = confidence(0, c.distance, &p)
			cand.Method = model.MethodReranked
			cand.Provenance = append(cand.Provenance, model.ProvenanceStep{
				Step: "rerank", Detail: fmt.Sprintf("probability %.4f", p),
			})
		} else {
			cand.Confidence = confidence(0, c.distance, nil)
		}
		results = append(results, cand)
	}
	return results
}
