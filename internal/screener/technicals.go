package screener

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
)

// HistorySource is the slice of broker.MarketData the technical gates need.
type HistorySource interface {
	GetHistoricalDataCtx(ctx context.Context, symbol, interval string, startDate, endDate time.Time) ([]broker.HistoricalDataPoint, error)
}

// TrendConfig parameterizes the strict trend check.
type TrendConfig struct {
	SMAPeriod int // moving-average length
	HoldDays  int // sessions the close must stay above the average
	MinBars   int // history required before the check can pass
	RSIPeriod int
	Lookback  time.Duration
}

// DefaultTrendConfig holds SMA200 for 30 sessions over at least 230 bars of a
// two-year daily history, with RSI(14).
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		SMAPeriod: 200,
		HoldDays:  30,
		MinBars:   230,
		RSIPeriod: 14,
		Lookback:  2 * 365 * 24 * time.Hour,
	}
}

// Validate checks that the windows fit inside the minimum history.
func (c TrendConfig) Validate() error {
	if c.SMAPeriod < 1 || c.HoldDays < 1 || c.RSIPeriod < 2 {
		return fmt.Errorf("sma_period, hold_days must be >= 1 and rsi_period >= 2")
	}
	if c.MinBars < c.SMAPeriod+c.HoldDays-1 {
		return fmt.Errorf("min_bars (%d) must cover sma_period + hold_days - 1 (%d)", c.MinBars, c.SMAPeriod+c.HoldDays-1)
	}
	return nil
}

// Technicals are the indicator readings for one underlying.
type Technicals struct {
	TrendStable bool
	RSI         *float64
	Bars        int
}

// TechnicalAnalyzer computes technicals from daily history.
type TechnicalAnalyzer struct {
	data HistorySource
	cfg  TrendConfig
	now  func() time.Time
}

// NewTechnicalAnalyzer validates cfg and returns an analyzer reading from data.
func NewTechnicalAnalyzer(data HistorySource, cfg TrendConfig) (*TechnicalAnalyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TechnicalAnalyzer{data: data, cfg: cfg, now: time.Now}, nil
}

// Analyze fetches history for symbol and evaluates the trend hold and RSI.
func (t *TechnicalAnalyzer) Analyze(ctx context.Context, symbol string) (Technicals, error) {
	end := t.now()
	bars, err := t.data.GetHistoricalDataCtx(ctx, symbol, "daily", end.Add(-t.cfg.Lookback), end)
	if err != nil {
		return Technicals{}, err
	}
	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.Close > 0 && !math.IsNaN(b.Close) {
			closes = append(closes, b.Close)
		}
	}
	return Technicals{
		TrendStable: TrendHold(closes, t.cfg.SMAPeriod, t.cfg.HoldDays, t.cfg.MinBars),
		RSI:         LatestRSI(closes, t.cfg.RSIPeriod),
		Bars:        len(closes),
	}, nil
}

// TrendHold reports whether each of the last hold closes is strictly above
// the period-length simple moving average. Fewer than minBars closes fail.
func TrendHold(closes []float64, period, hold, minBars int) bool {
	n := len(closes)
	if n < minBars || n < period+hold-1 || period < 1 || hold < 1 {
		return false
	}
	sma := talib.Sma(closes, period)
	for i := n - hold; i < n; i++ {
		if !(closes[i] > sma[i]) {
			return false
		}
	}
	return true
}

// LatestRSI returns the most recent RSI reading, or nil with too little data.
func LatestRSI(closes []float64, period int) *float64 {
	if period < 2 || len(closes) < period+1 {
		return nil
	}
	rsi := talib.Rsi(closes, period)
	if len(rsi) == 0 {
		return nil
	}
	last := rsi[len(rsi)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return nil
	}
	return &last
}
