// Package retry wraps market data with retry-and-backoff for transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// sanitize replaces unusable values with defaults. MaxRetries of 0 is valid
// and disables retries.
func (c Config) sanitize() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Client is a broker.MarketData that retries transient failures of the
// wrapped source.
type Client struct {
	data   broker.MarketData
	logger *logrus.Logger
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ broker.MarketData = (*Client)(nil)

func NewClient(data broker.MarketData, logger *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0].sanitize()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		data:   data,
		logger: logger,
		config: cfg,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn until it succeeds, fails permanently, or the retry budget or
// timeout is exhausted.
func do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("operation canceled: %w", ctx.Err())
		}
		if opCtx.Err() != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", op, c.config.Timeout, opCtx.Err())
		}

		res, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt + 1}).Info("Request succeeded after retry")
			}
			return res, nil
		}
		lastErr = err

		if !IsTransientError(err) || attempt == c.config.MaxRetries {
			break
		}
		c.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff,
		}).WithError(err).Warn("Transient error, retrying")

		if err := c.sleep(opCtx, backoff); err != nil {
			if ctx.Err() != nil {
				return zero, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, err)
		}
		backoff = c.calculateNextBackoff(backoff)
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Debug("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransientError reports whether err is worth retrying: 429 and 5xx API
// responses, network errors, and failures whose text names a transient cause.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"eof",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// GetQuoteCtx retries the wrapped quote request.
func (c *Client) GetQuoteCtx(ctx context.Context, symbol string) (*broker.QuoteItem, error) {
	return do(ctx, c, "quote "+symbol, func(ctx context.Context) (*broker.QuoteItem, error) {
		return c.data.GetQuoteCtx(ctx, symbol)
	})
}

// GetExpirationsCtx retries the wrapped expirations request.
func (c *Client) GetExpirationsCtx(ctx context.Context, symbol string) ([]string, error) {
	return do(ctx, c, "expirations "+symbol, func(ctx context.Context) ([]string, error) {
		return c.data.GetExpirationsCtx(ctx, symbol)
	})
}

// GetOptionChainCtx retries the wrapped chain request.
func (c *Client) GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]broker.Option, error) {
	return do(ctx, c, "chain "+symbol+" "+expiration, func(ctx context.Context) ([]broker.Option, error) {
		return c.data.GetOptionChainCtx(ctx, symbol, expiration, greeks)
	})
}

// GetHistoricalDataCtx retries the wrapped history request.
func (c *Client) GetHistoricalDataCtx(ctx context.Context, symbol, interval string, startDate, endDate time.Time) ([]broker.HistoricalDataPoint, error) {
	return do(ctx, c, "history "+symbol, func(ctx context.Context) ([]broker.HistoricalDataPoint, error) {
		return c.data.GetHistoricalDataCtx(ctx, symbol, interval, startDate, endDate)
	})
}
