package strategy

import (
	"slices"
	"sort"
)

// BucketResult maps each group to its candidates, best first.
type BucketResult map[GroupKey][]ScoredCandidate

// Keys returns the groups in presentation order: bucket index, then expiration date.
func (r BucketResult) Keys() []GroupKey {
	keys := make([]GroupKey, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Bucket != keys[j].Bucket {
			return keys[i].Bucket < keys[j].Bucket
		}
		return keys[i].Expiration < keys[j].Expiration
	})
	return keys
}

// Len returns the number of candidates across all groups.
func (r BucketResult) Len() int {
	n := 0
	for _, cs := range r {
		n += len(cs)
	}
	return n
}

// compareCandidates orders by score descending, then by discovery order.
func compareCandidates(a, b ScoredCandidate) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	case a.Seq.Before(b.Seq):
		return -1
	case b.Seq.Before(a.Seq):
		return 1
	}
	return 0
}

// Ranked returns a sorted copy of candidates: score descending, discovery order on ties.
func Ranked(candidates []ScoredCandidate) []ScoredCandidate {
	out := slices.Clone(candidates)
	slices.SortStableFunc(out, compareCandidates)
	return out
}

// Flatten concatenates all groups in Keys order into a new slice.
func Flatten(r BucketResult) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, r.Len())
	for _, k := range r.Keys() {
		out = append(out, r[k]...)
	}
	return out
}

// TopN returns the n best candidates. The input is not modified.
func TopN(candidates []ScoredCandidate, n int) []ScoredCandidate {
	if n <= 0 {
		return nil
	}
	ranked := Ranked(candidates)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// TopNUnder returns the n best candidates whose underlying trades below ceiling.
func TopNUnder(candidates []ScoredCandidate, n int, ceiling float64) []ScoredCandidate {
	var under []ScoredCandidate
	for _, c := range candidates {
		if c.Underlying.Price < ceiling {
			under = append(under, c)
		}
	}
	return TopN(under, n)
}

// GroupSummary describes a group for tab headers and tables.
type GroupSummary struct {
	Key              GroupKey
	Label            string
	Count            int
	CommonExpiration string
	AvgDTE           int
}

// Summarize describes every bucket of the table (empty ones included) in
// bucket mode, or every populated expiration in per-expiration mode.
func Summarize(r BucketResult, buckets []Bucket, mode SelectionMode) []GroupSummary {
	var keys []GroupKey
	labels := make(map[GroupKey]string)
	if mode == SelectByExpiration {
		keys = r.Keys()
		for _, k := range keys {
			labels[k] = k.Expiration
		}
	} else {
		for i, b := range buckets {
			k := GroupKey{Bucket: i}
			keys = append(keys, k)
			labels[k] = b.Label
		}
	}

	out := make([]GroupSummary, 0, len(keys))
	for _, k := range keys {
		cs := r[k]
		s := GroupSummary{Key: k, Label: labels[k], Count: len(cs)}
		if len(cs) > 0 {
			counts := make(map[string]int)
			total := 0
			for _, c := range cs {
				counts[c.Contract.Expiration]++
				total += c.DTE
			}
			for exp, n := range counts {
				if n > counts[s.CommonExpiration] || (n == counts[s.CommonExpiration] && exp < s.CommonExpiration) {
					s.CommonExpiration = exp
				}
			}
			s.AvgDTE = total / len(cs)
		}
		out = append(out, s)
	}
	return out
}
