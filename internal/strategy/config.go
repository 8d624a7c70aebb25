package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/csp-scanner/internal/pricing"
)

// ScoringPolicy selects how admitted contracts are compared.
type ScoringPolicy string

const (
	// ScoreROI ranks by annualized ROI alone.
	ScoreROI ScoringPolicy = "roi"
	// ScoreROICushion adds the weighted safety cushion to annualized ROI.
	ScoreROICushion ScoringPolicy = "roi_cushion"
)

// SelectionMode selects the grouping used by the best-of selector.
type SelectionMode string

const (
	// SelectByBucket keeps one contract per (ticker, bucket).
	SelectByBucket SelectionMode = "bucket"
	// SelectByExpiration keeps one contract per (ticker, expiration).
	SelectByExpiration SelectionMode = "expiration"
)

// Config is the immutable engine configuration. Build it once and pass it to
// NewAnalyzer; the analyzer keeps its own copy.
type Config struct {
	MinPrice   float64 // underlying floor, dollars
	MinVolume  int64   // underlying average daily volume floor; ignored when unknown
	MinPremium float64 // bid floor, dollars per share
	MinProbWin float64 // [0,1]
	MinAnnROI  float64 // percent
	MinCushion float64 // percent
	MaxCushion float64 // percent

	RiskFreeRate      float64
	ProbabilityPolicy pricing.ProbabilityPolicy
	ScoringPolicy     ScoringPolicy
	CushionWeight     float64

	SelectionMode SelectionMode
	Buckets       []Bucket

	TopK         int     // candidates kept per group
	TopN         int     // size of the ranked views
	PriceCeiling float64 // segment bound of the "under" view

	RequireTrend bool
	RSIMin       float64 // 0 disables the lower bound
	RSIMax       float64 // 0 disables the upper bound

	Location *time.Location // market timezone used to date DTE
}

// DefaultBuckets returns the weekly windows out to ten weeks.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{MinDays: 4, MaxDays: 10, Label: "1 Week"},
		{MinDays: 11, MaxDays: 17, Label: "2 Weeks"},
		{MinDays: 18, MaxDays: 24, Label: "3 Weeks"},
		{MinDays: 25, MaxDays: 31, Label: "4 Weeks"},
		{MinDays: 32, MaxDays: 38, Label: "5 Weeks"},
		{MinDays: 39, MaxDays: 45, Label: "6 Weeks"},
		{MinDays: 46, MaxDays: 55, Label: "7 Weeks (45+ Day Target)"},
		{MinDays: 56, MaxDays: 70, Label: "8 Weeks (60+ Day Target)"},
	}
}

// DefaultConfig returns the thresholds of the daily scanner.
func DefaultConfig() Config {
	return Config{
		MinPrice:          10,
		MinPremium:        0.15,
		MinProbWin:        0.60,
		MinAnnROI:         15,
		MinCushion:        1,
		MaxCushion:        20,
		RiskFreeRate:      0.045,
		ProbabilityPolicy: pricing.PolicyDirect,
		ScoringPolicy:     ScoreROI,
		CushionWeight:     1,
		SelectionMode:     SelectByBucket,
		Buckets:           DefaultBuckets(),
		TopK:              10,
		TopN:              3,
		PriceCeiling:      40,
		RequireTrend:      true,
		Location:          time.UTC,
	}
}

// ParseScoringPolicy converts a config string. Empty selects ScoreROI.
func ParseScoringPolicy(s string) (ScoringPolicy, error) {
	switch p := ScoringPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ScoreROI, nil
	case ScoreROI, ScoreROICushion:
		return p, nil
	default:
		return "", fmt.Errorf("unknown scoring policy %q (want roi or roi_cushion)", s)
	}
}

// ParseSelectionMode converts a config string. Empty selects SelectByBucket.
func ParseSelectionMode(s string) (SelectionMode, error) {
	switch m := SelectionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return SelectByBucket, nil
	case SelectByBucket, SelectByExpiration:
		return m, nil
	default:
		return "", fmt.Errorf("unknown selection mode %q (want bucket or expiration)", s)
	}
}

// Validate checks thresholds and policies for consistency.
func (c Config) Validate() error {
	var errs []error
	if c.MinPrice < 0 {
		errs = append(errs, errors.New("min_price must be >= 0"))
	}
	if c.MinVolume < 0 {
		errs = append(errs, errors.New("min_volume must be >= 0"))
	}
	if c.MinPremium < 0 {
		errs = append(errs, errors.New("min_premium must be >= 0"))
	}
	if c.MinProbWin < 0 || c.MinProbWin > 1 {
		errs = append(errs, errors.New("min_prob_win must be within [0,1]"))
	}
	if c.MinCushion > c.MaxCushion {
		errs = append(errs, fmt.Errorf("min_cushion (%.2f) must be <= max_cushion (%.2f)", c.MinCushion, c.MaxCushion))
	}
	if _, err := pricing.ParseProbabilityPolicy(string(c.ProbabilityPolicy)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseScoringPolicy(string(c.ScoringPolicy)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseSelectionMode(string(c.SelectionMode)); err != nil {
		errs = append(errs, err)
	}
	if c.CushionWeight < 0 {
		errs = append(errs, errors.New("cushion_weight must be >= 0"))
	}
	if c.TopK <= 0 {
		errs = append(errs, errors.New("top_k must be > 0"))
	}
	if c.TopN <= 0 {
		errs = append(errs, errors.New("top_n must be > 0"))
	}
	if c.RSIMin < 0 || c.RSIMax < 0 || (c.RSIMax > 0 && c.RSIMin > c.RSIMax) {
		errs = append(errs, errors.New("rsi band must satisfy 0 <= rsi_min <= rsi_max"))
	}
	if err := validateBuckets(c.Buckets); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c Config) rsiBandEnabled() bool {
	return c.RSIMin > 0 || c.RSIMax > 0
}
