package screener

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
	"github.com/eddiefleurent/csp-scanner/internal/storage"
)

const cacheDateLayout = "2006-01-02"

// DefaultCacheMaxAge bounds how long a cached history window is served.
const DefaultCacheMaxAge = 12 * time.Hour

// CachedHistory serves daily history from a store and falls through to the
// source when the cached window covers different dates or is older than
// MaxAge. Fetch errors are never cached.
type CachedHistory struct {
	Source HistorySource
	Store  storage.Interface
	MaxAge time.Duration
	Logger *logrus.Logger

	now func() time.Time
}

// NewCachedHistory wraps src with store. maxAge <= 0 selects DefaultCacheMaxAge.
func NewCachedHistory(src HistorySource, store storage.Interface, maxAge time.Duration, logger *logrus.Logger) *CachedHistory {
	if maxAge <= 0 {
		maxAge = DefaultCacheMaxAge
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachedHistory{Source: src, Store: store, MaxAge: maxAge, Logger: logger, now: time.Now}
}

// GetHistoricalDataCtx implements HistorySource.
func (c *CachedHistory) GetHistoricalDataCtx(ctx context.Context, symbol, interval string, startDate, endDate time.Time) ([]broker.HistoricalDataPoint, error) {
	start, end := startDate.Format(cacheDateLayout), endDate.Format(cacheDateLayout)
	if cached, ok := c.Store.GetSeries(symbol, interval); ok &&
		cached.Start == start && cached.End == end && c.now().Sub(cached.FetchedAt) < c.MaxAge {
		return cached.Bars, nil
	}

	bars, err := c.Source.GetHistoricalDataCtx(ctx, symbol, interval, startDate, endDate)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 {
		series := storage.Series{
			Symbol:    symbol,
			Interval:  interval,
			Start:     start,
			End:       end,
			FetchedAt: c.now(),
			Bars:      bars,
		}
		if err := c.Store.PutSeries(series); err != nil {
			c.Logger.WithError(err).WithField("symbol", symbol).Warn("Failed to cache price history")
		}
	}
	return bars, nil
}

// Flush drops entries past MaxAge and persists the store.
func (c *CachedHistory) Flush() error {
	if n := c.Store.Prune(c.now().Add(-c.MaxAge)); n > 0 {
		c.Logger.WithField("series", n).Debug("Pruned stale price history")
	}
	return c.Store.Save()
}
