// Package strategy implements the cash-secured put decision engine: contract
// filtering, expiration bucketing, best-of selection and ranking.
//
// Everything in this package works on data local to one ticker's analysis
// pass and needs no locking, except Aggregator which collects results from
// concurrent workers.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Error taxonomy shared by the engine and the scan driver.
var (
	// ErrDataUnavailable marks a missing price, expiration list or option chain.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrInvalidQuote marks a contract with an absent bid or a non-positive strike.
	ErrInvalidQuote = errors.New("invalid quote")
	// ErrComputationGuard marks σ ≤ 0, T ≤ 0 or DTE ≤ 0. It is never returned to
	// callers: guarded metrics are zero and the contract is excluded.
	ErrComputationGuard = errors.New("computation guard")
	// ErrUpstream marks a network or API failure of an external collaborator.
	ErrUpstream = errors.New("upstream error")
)

// UpstreamUnavailable reclassifies an upstream failure as missing data while
// keeping the original cause in the chain.
func UpstreamUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w: %w", op, ErrDataUnavailable, ErrUpstream, err)
}

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// Underlying is the equity a put is written on.
type Underlying struct {
	Symbol        string
	Price         float64
	AverageVolume int64    // 0 when unknown
	TrendStable   *bool    // close above SMA200 for the hold window; nil when unknown
	RSI           *float64 // RSI(14); nil when unknown
}

// Contract is a normalized option quote.
type Contract struct {
	Symbol       string
	Type         OptionType
	Strike       float64
	Bid          *float64 // nil when the provider did not quote a bid
	Ask          float64
	Volatility   float64 // implied volatility, annualized decimal
	Delta        float64
	Volume       int64
	OpenInterest int64
	Expiration   string // YYYY-MM-DD
}

// BidValue returns the quoted bid or 0 when absent.
func (c Contract) BidValue() float64 {
	if c.Bid == nil {
		return 0
	}
	return *c.Bid
}

// ValidateQuote reports ErrInvalidQuote for an absent or negative bid or a non-positive strike.
func (c Contract) ValidateQuote() error {
	if c.Bid == nil {
		return fmt.Errorf("%s: bid absent: %w", c.Symbol, ErrInvalidQuote)
	}
	if b := *c.Bid; b < 0 || math.IsNaN(b) || math.IsInf(b, 0) {
		return fmt.Errorf("%s: bid %v: %w", c.Symbol, b, ErrInvalidQuote)
	}
	if c.Strike <= 0 || math.IsNaN(c.Strike) || math.IsInf(c.Strike, 0) {
		return fmt.Errorf("%s: strike %v: %w", c.Symbol, c.Strike, ErrInvalidQuote)
	}
	return nil
}

// Metrics are the derived risk/reward figures of one contract.
type Metrics struct {
	ProbabilityOfWin float64 // [0,1]
	SafetyCushionPct float64 // percent
	RawROI           float64 // fraction of collateral
	AnnualizedROI    float64 // percent
}

// GroupKey identifies the group a candidate was selected for: a bucket index
// in bucket mode, an expiration date in per-expiration mode.
type GroupKey struct {
	Bucket     int
	Expiration string
}

// Seq records where a candidate was discovered. It orders ties deterministically
// regardless of how tickers were scheduled across workers.
type Seq struct {
	Ticker   int // position of the ticker in the scan list
	Group    int // position of the target within the ticker's plan
	Contract int // position of the contract within the chain
}

// Before reports whether s was discovered before o.
func (s Seq) Before(o Seq) bool {
	if s.Ticker != o.Ticker {
		return s.Ticker < o.Ticker
	}
	if s.Group != o.Group {
		return s.Group < o.Group
	}
	return s.Contract < o.Contract
}

// ScoredCandidate is an admitted contract with its metrics. It is created once
// per (ticker, contract) during a scan and treated as immutable.
type ScoredCandidate struct {
	Underlying  Underlying
	Contract    Contract
	Key         GroupKey
	BucketLabel string
	DTE         int
	Metrics
	Score float64
	Seq   Seq
}

// Expiration returns the contract's expiration as a date in UTC.
func (c ScoredCandidate) Expiration() time.Time {
	t, err := time.Parse(dateLayout, c.Contract.Expiration)
	if err != nil {
		return time.Time{}
	}
	return t
}
