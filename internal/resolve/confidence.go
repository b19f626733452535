package resolve

// ruleTierDistance is the nominal distance assigned to rule-tier matches so
// they score just below exact matches.
const ruleTierDistance = 0.1

// confidence combines a rule score and an embedding distance into a single
// score in [0, 1]. Distance is converted to a similarity via 1/(1+d), then
// blended 60/40 with the rule score. When a reranker probability is
// supplied the blend is further mixed 70/30 with it.
func confidence(ruleScore, distance float64, rerankerProb *float64) float64 {
	similarity := 1.0 / (1.0 + distance)
	combined := 0.6*ruleScore + 0.4*similarity
	if rerankerProb != nil {
		combined = 0.7*combined + 0.3**rerankerProb
	}
	if combined < 0 {
		return 0
	}
	if combined > 1 {
		return 1
	}
	return combined
}
