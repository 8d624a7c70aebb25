package strategy

import (
	"slices"
	"sync"
)

// Aggregator accumulates selected candidates from concurrent ticker workers.
// It is the only shared mutable state of a scan and is safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	groups map[GroupKey][]ScoredCandidate
	count  int
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{groups: make(map[GroupKey][]ScoredCandidate)}
}

// Add records candidates selected for one ticker.
func (a *Aggregator) Add(candidates ...ScoredCandidate) {
	if len(candidates) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range candidates {
		a.groups[c.Key] = append(a.groups[c.Key], c)
		a.count++
	}
}

// Len returns the number of candidates recorded so far.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Result builds the presentation view: each group sorted best first and
// capped at topK (no cap when topK <= 0). The aggregator is not modified.
func (a *Aggregator) Result(topK int) BucketResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(BucketResult, len(a.groups))
	for k, cs := range a.groups {
		ranked := Ranked(cs)
		if topK > 0 && len(ranked) > topK {
			ranked = ranked[:topK]
		}
		out[k] = ranked
	}
	return out
}

// Candidates returns every recorded candidate in discovery order. Ranked views
// are built from this uncapped list so a group cap never hides a segment winner.
func (a *Aggregator) Candidates() []ScoredCandidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ScoredCandidate, 0, a.count)
	for _, cs := range a.groups {
		out = append(out, cs...)
	}
	slices.SortFunc(out, func(x, y ScoredCandidate) int {
		switch {
		case x.Seq.Before(y.Seq):
			return -1
		case y.Seq.Before(x.Seq):
			return 1
		}
		return 0
	})
	return out
}
