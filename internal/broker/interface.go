package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// MarketData defines the read-only market data the scanner consumes.
type MarketData interface {
	GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error)
	GetExpirationsCtx(ctx context.Context, symbol string) ([]string, error)
	GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error)
	GetHistoricalDataCtx(ctx context.Context, symbol, interval string, startDate, endDate time.Time) ([]HistoricalDataPoint, error)
}

// Ensure TradierAPI implements MarketData at compile time.
var _ MarketData = (*TradierAPI)(nil)

// IsPermanentAPIError reports whether err is a 4xx API error other than 429.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerMarketData wraps a MarketData with circuit breaker functionality
type CircuitBreakerMarketData struct {
	data    MarketData
	breaker *gobreaker.CircuitBreaker
}

var _ MarketData = (*CircuitBreakerMarketData)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	data MarketData,
	fn func(MarketData) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(data) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 requests.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerMarketData creates a CircuitBreakerMarketData with default settings
func NewCircuitBreakerMarketData(data MarketData) *CircuitBreakerMarketData {
	return NewCircuitBreakerMarketDataWithSettings(data, DefaultCircuitBreakerSettings(), nil)
}

// NewCircuitBreakerMarketDataWithSettings creates a CircuitBreakerMarketData with custom settings.
// Permanent client errors (4xx other than 429) do not count as failures: an
// unknown symbol must not open the circuit for every other ticker.
func NewCircuitBreakerMarketDataWithSettings(data MarketData, settings CircuitBreakerSettings, logger *logrus.Logger) *CircuitBreakerMarketData {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "MarketDataCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanentAPIError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerMarketData{
		data:    data,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerMarketData) State() gobreaker.State {
	return c.breaker.State()
}

// GetQuoteCtx wraps the underlying call with circuit breaker
func (c *CircuitBreakerMarketData) GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.data, func(d MarketData) (*QuoteItem, error) {
		return d.GetQuoteCtx(ctx, symbol)
	})
}

// GetExpirationsCtx wraps the underlying call with circuit breaker
func (c *CircuitBreakerMarketData) GetExpirationsCtx(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.data, func(d MarketData) ([]string, error) {
		return d.GetExpirationsCtx(ctx, symbol)
	})
}

// GetOptionChainCtx wraps the underlying call with circuit breaker
func (c *CircuitBreakerMarketData) GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.data, func(d MarketData) ([]Option, error) {
		return d.GetOptionChainCtx(ctx, symbol, expiration, greeks)
	})
}

// GetHistoricalDataCtx wraps the underlying call with circuit breaker
func (c *CircuitBreakerMarketData) GetHistoricalDataCtx(ctx context.Context, symbol, interval string, startDate, endDate time.Time) ([]HistoricalDataPoint, error) {
	return execCircuitBreaker(c.breaker, c.data, func(d MarketData) ([]HistoricalDataPoint, error) {
		return d.GetHistoricalDataCtx(ctx, symbol, interval, startDate, endDate)
	})
}
