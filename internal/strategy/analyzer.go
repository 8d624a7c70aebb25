package strategy

import (
	"fmt"
	"time"
)

// Analyzer applies the engine to one ticker at a time. It holds no mutable
// state and may be shared by concurrent workers.
type Analyzer struct {
	cfg      Config
	chain    *FilterChain
	bucketer *Bucketer
	score    Scorer
}

// NewAnalyzer validates cfg and builds the engine around a private copy of it.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy config: %w", err)
	}
	bucketer, err := NewBucketer(cfg.Buckets)
	if err != nil {
		return nil, err
	}
	cfg.Buckets = bucketer.Buckets()
	cfg.Location = cfg.location()
	return &Analyzer{
		cfg:      cfg,
		chain:    NewFilterChain(cfg),
		bucketer: bucketer,
		score:    NewScorer(cfg.ScoringPolicy, cfg.CushionWeight),
	}, nil
}

// Config returns a copy of the engine configuration.
func (a *Analyzer) Config() Config {
	cfg := a.cfg
	cfg.Buckets = a.bucketer.Buckets()
	return cfg
}

// Buckets returns the bucket table.
func (a *Analyzer) Buckets() []Bucket {
	return a.bucketer.Buckets()
}

// NeedsTechnicals reports whether underlyings must carry trend or RSI data.
func (a *Analyzer) NeedsTechnicals() bool {
	return a.cfg.RequireTrend || a.cfg.rsiBandEnabled()
}

// AdmitUnderlying applies the ticker-level gates. Unknown average volume
// passes; unknown trend or RSI fails when the gate is enabled.
func (a *Analyzer) AdmitUnderlying(u Underlying) (Stage, bool) {
	if u.Price < a.cfg.MinPrice {
		return StageMinPrice, false
	}
	if a.cfg.MinVolume > 0 && u.AverageVolume > 0 && u.AverageVolume < a.cfg.MinVolume {
		return StageMinVolume, false
	}
	if a.cfg.RequireTrend && (u.TrendStable == nil || !*u.TrendStable) {
		return StageTrend, false
	}
	if a.cfg.rsiBandEnabled() {
		if u.RSI == nil {
			return StageRSI, false
		}
		if a.cfg.RSIMin > 0 && *u.RSI < a.cfg.RSIMin {
			return StageRSI, false
		}
		if a.cfg.RSIMax > 0 && *u.RSI > a.cfg.RSIMax {
			return StageRSI, false
		}
	}
	return "", true
}

// Plan turns raw expiration dates into the targets whose chains must be
// fetched, according to the selection mode.
func (a *Analyzer) Plan(asOf time.Time, expirations []string) []Target {
	exps := ParseExpirations(asOf, a.cfg.Location, expirations)
	if a.cfg.SelectionMode == SelectByExpiration {
		return a.bucketer.PlanByExpiration(exps)
	}
	return a.bucketer.PlanByBucket(exps)
}

// Evaluate scores one contract. It is the filter chain plus the scoring policy.
func (a *Analyzer) Evaluate(u Underlying, c Contract, dte int) (Metrics, float64, Stage, bool) {
	m, stage, ok := a.chain.Evaluate(u, c, dte)
	if !ok {
		return Metrics{}, 0, stage, false
	}
	return m, a.score(m), "", true
}

// SelectFromChain runs every contract of target's chain through the filter
// chain and keeps the best admitted one. seq locates the target; the contract
// position is filled in.
func (a *Analyzer) SelectFromChain(u Underlying, target Target, chain []Contract, seq Seq) (ScoredCandidate, ChainStats, bool) {
	var (
		stats ChainStats
		best  BestOf
	)
	label := target.Label()
	for i, c := range chain {
		stats.Evaluated++
		m, score, stage, ok := a.Evaluate(u, c, target.Expiration.DTE)
		if !ok {
			stats.reject(stage)
			continue
		}
		stats.Admitted++
		if c.Expiration == "" {
			c.Expiration = target.Expiration.Date
		}
		best.Offer(ScoredCandidate{
			Underlying:  u,
			Contract:    c,
			Key:         target.Key,
			BucketLabel: label,
			DTE:         target.Expiration.DTE,
			Metrics:     m,
			Score:       score,
			Seq:         Seq{Ticker: seq.Ticker, Group: seq.Group, Contract: i},
		})
	}
	cand, ok := best.Best()
	return cand, stats, ok
}
