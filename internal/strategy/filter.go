package strategy

import (
	"github.com/eddiefleurent/csp-scanner/internal/pricing"
)

// Stage names a gate of the filter chain or of the underlying check.
type Stage string

// Contract stages, in evaluation order.
const (
	StageOptionType    Stage = "option_type"
	StageInvalidQuote  Stage = "invalid_quote"
	StageOTM           Stage = "otm"
	StagePremium       Stage = "premium"
	StageLiquidity     Stage = "liquidity"
	StageCushion       Stage = "cushion"
	StageProbability   Stage = "probability"
	StageAnnualizedROI Stage = "annualized_roi"
)

// Underlying stages.
const (
	StageMinPrice  Stage = "min_price"
	StageMinVolume Stage = "min_volume"
	StageTrend     Stage = "trend"
	StageRSI       Stage = "rsi"
)

// evaluation carries one contract through the chain. Metrics are filled in
// lazily by the stages that need them.
type evaluation struct {
	underlying Underlying
	contract   Contract
	dte        int
	metrics    Metrics
}

// Filter is a named predicate of the chain.
type Filter struct {
	Stage Stage
	admit func(*evaluation) bool
}

// FilterChain evaluates contracts against ordered, short-circuiting gates.
type FilterChain struct {
	filters []Filter
}

// NewFilterChain builds the chain for cfg. Cheap checks run first.
func NewFilterChain(cfg Config) *FilterChain {
	filters := []Filter{
		{StageOptionType, func(e *evaluation) bool {
			return e.contract.Type == OptionTypePut
		}},
		{StageInvalidQuote, func(e *evaluation) bool {
			return e.contract.ValidateQuote() == nil
		}},
		{StageOTM, func(e *evaluation) bool {
			return e.contract.Strike < e.underlying.Price
		}},
		{StagePremium, func(e *evaluation) bool {
			return e.contract.Bid != nil && *e.contract.Bid >= cfg.MinPremium
		}},
		{StageLiquidity, func(e *evaluation) bool {
			return e.contract.Volume > 0 || e.contract.OpenInterest > 0
		}},
		{StageCushion, func(e *evaluation) bool {
			e.metrics.SafetyCushionPct = pricing.SafetyCushionPct(e.underlying.Price, e.contract.Strike)
			return e.metrics.SafetyCushionPct >= cfg.MinCushion && e.metrics.SafetyCushionPct <= cfg.MaxCushion
		}},
		{StageProbability, func(e *evaluation) bool {
			e.metrics.ProbabilityOfWin = pricing.ProbabilityOfWin(cfg.ProbabilityPolicy, pricing.Inputs{
				Spot:         e.underlying.Price,
				Strike:       e.contract.Strike,
				Days:         e.dte,
				Volatility:   e.contract.Volatility,
				RiskFreeRate: cfg.RiskFreeRate,
			})
			if cfg.ProbabilityPolicy == pricing.PolicyNone || cfg.MinProbWin <= 0 {
				return true
			}
			return e.metrics.ProbabilityOfWin >= cfg.MinProbWin
		}},
		{StageAnnualizedROI, func(e *evaluation) bool {
			e.metrics.RawROI = pricing.RawROI(e.contract.BidValue(), e.contract.Strike)
			ann, ok := pricing.AnnualizedROI(e.metrics.RawROI, e.dte)
			if !ok {
				return false
			}
			e.metrics.AnnualizedROI = ann
			return ann >= cfg.MinAnnROI
		}},
	}
	return &FilterChain{filters: filters}
}

// Stages returns the contract stages in evaluation order.
func (fc *FilterChain) Stages() []Stage {
	out := make([]Stage, len(fc.filters))
	for i, f := range fc.filters {
		out[i] = f.Stage
	}
	return out
}

// Evaluate runs one contract through the chain. On rejection it returns the
// failing stage; rejection is not an error.
func (fc *FilterChain) Evaluate(u Underlying, c Contract, dte int) (Metrics, Stage, bool) {
	e := evaluation{underlying: u, contract: c, dte: dte}
	for _, f := range fc.filters {
		if !f.admit(&e) {
			return Metrics{}, f.Stage, false
		}
	}
	return e.metrics, "", true
}

// ChainStats tallies what happened to the contracts of one chain.
type ChainStats struct {
	Evaluated int
	Admitted  int
	Rejected  map[Stage]int
}

func (s *ChainStats) reject(stage Stage) {
	if s.Rejected == nil {
		s.Rejected = make(map[Stage]int)
	}
	s.Rejected[stage]++
}

// Merge adds o's counts into s.
func (s *ChainStats) Merge(o ChainStats) {
	s.Evaluated += o.Evaluated
	s.Admitted += o.Admitted
	for stage, n := range o.Rejected {
		if s.Rejected == nil {
			s.Rejected = make(map[Stage]int)
		}
		s.Rejected[stage] += n
	}
}
