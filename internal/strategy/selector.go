package strategy

// Scorer turns metrics into the value the selector and ranker compare.
type Scorer func(Metrics) float64

// NewScorer returns the scorer for policy. weight scales the cushion term of
// ScoreROICushion and is ignored otherwise.
func NewScorer(policy ScoringPolicy, weight float64) Scorer {
	if policy == ScoreROICushion {
		return func(m Metrics) float64 {
			return m.AnnualizedROI + m.SafetyCushionPct*weight
		}
	}
	return func(m Metrics) float64 {
		return m.AnnualizedROI
	}
}

// BestOf keeps the highest-scoring candidate offered to it. A later candidate
// replaces the current one only with a strictly higher score, so ties keep
// the first encountered.
type BestOf struct {
	best  ScoredCandidate
	found bool
}

// Offer considers c.
func (b *BestOf) Offer(c ScoredCandidate) {
	if !b.found || c.Score > b.best.Score {
		b.best = c
		b.found = true
	}
}

// Best returns the retained candidate.
func (b *BestOf) Best() (ScoredCandidate, bool) {
	return b.best, b.found
}

// SelectBest returns the strictly highest-scoring candidate, first one on ties.
func SelectBest(candidates []ScoredCandidate) (ScoredCandidate, bool) {
	var b BestOf
	for _, c := range candidates {
		b.Offer(c)
	}
	return b.Best()
}
