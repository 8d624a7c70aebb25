// Package screener produces the ticker universe of a scan and computes the
// technical gates (SMA200 trend hold, RSI) applied to each underlying.
package screener

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultMaxTickers caps the merged universe.
const DefaultMaxTickers = 100

// Criteria are the coarse screening predicates a candidate source applies.
type Criteria struct {
	MinAvgVolume      int64
	MinPrice          float64
	AboveSMA200       bool
	PositiveEPSGrowth bool
	Optionable        bool
	RSIMin            float64 // 0 disables
	RSIMax            float64 // 0 disables
}

// DefaultCriteria mirrors the daily scan: optionable, over 1M average volume,
// over $10, above SMA200 with positive quarterly EPS growth.
func DefaultCriteria() Criteria {
	return Criteria{
		MinAvgVolume:      1_000_000,
		MinPrice:          10,
		AboveSMA200:       true,
		PositiveEPSGrowth: true,
		Optionable:        true,
	}
}

// CandidateSource yields ticker symbols matching the criteria.
type CandidateSource interface {
	Fetch(ctx context.Context, c Criteria) ([]string, error)
}

// DefaultLiquidTickers are always scanned, whatever the screener returns.
func DefaultLiquidTickers() []string {
	return []string{
		"SPY", "QQQ", "IWM", "AAPL", "MSFT", "TSLA", "AMD", "NVDA", "AMZN",
		"GOOGL", "META", "NFLX", "BAC", "JPM", "DIS", "COIN", "MARA", "PLTR",
		"UBER", "INTC", "F", "T", "VZ", "CSCO", "CMCSA", "PFE", "XOM", "CVX",
	}
}

// StaticSource returns a fixed list and ignores the criteria.
type StaticSource []string

// Fetch returns a copy of the list.
func (s StaticSource) Fetch(ctx context.Context, _ Criteria) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), s...), nil
}

// MergedSource concatenates sources in order, normalizes symbols to upper
// case, drops duplicates (first occurrence wins) and caps the result.
// A failing source is logged and skipped.
type MergedSource struct {
	Sources []CandidateSource
	Limit   int // 0 means DefaultMaxTickers; negative disables the cap
	Logger  *logrus.Logger
}

// Fetch merges every source. It fails only when all sources failed.
func (m *MergedSource) Fetch(ctx context.Context, c Criteria) ([]string, error) {
	logger := m.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limit := m.Limit
	if limit == 0 {
		limit = DefaultMaxTickers
	}

	var (
		out    []string
		errs   []error
		failed int
	)
	seen := make(map[string]bool)
	for i, src := range m.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		symbols, err := src.Fetch(ctx, c)
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("source %d: %w", i, err))
			logger.WithError(err).WithField("source", fmt.Sprintf("%T", src)).Warn("Candidate source failed, continuing")
			continue
		}
		for _, s := range symbols {
			s = NormalizeSymbol(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}

	if failed > 0 && failed == len(m.Sources) {
		return nil, errors.Join(errs...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NormalizeSymbol trims and upper-cases a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
