// Package model defines the core domain types shared across Setu packages.
// Types here are plain data (no behavior beyond small helpers) so that
// catalog, resolver, storage, and server packages can exchange them without
// import cycles.
package model

// Method identifies which resolution tier produced a candidate.
type Method string

// Resolution tiers, in pipeline order.
const (
	MethodExact    Method = "exact"
	MethodRule     Method = "rule"
	MethodVector   Method = "vector"
	MethodReranked Method = "reranked"
)

// ProvenanceStep records one step of how a candidate was produced.
// Steps are ordered: earlier entries happened first.
type ProvenanceStep struct {
	Step   string `json:"step"`
	Detail string `json:"detail,omitempty"`
}

// Candidate is one ranked mapping suggestion for a source term.
type Candidate struct {
	TargetCode string           `json:"target_code"`
	Title      string           `json:"title"`
	Confidence float64          `json:"confidence"` // always in [0,1]
	Method     Method           `json:"method"`
	Provenance []ProvenanceStep `json:"provenance,omitempty"`
}

// Outcome is the result of resolving a single term.
// An empty Results slice is a valid outcome (no candidates), not an error.
type Outcome struct {
	Term    string      `json:"term"`
	Tier    Method      `json:"tier"`
	Results []Candidate `json:"results"`
}

// Best returns the highest-confidence candidate, or false when empty.
// Results are already sorted descending by confidence, so this is Results[0].
func (o Outcome) Best() (Candidate, bool) {
	if len(o.Results) == 0 {
		return Candidate{}, false
	}
	return o.Results[0], true
}
