// Package storage keeps daily price history on disk between scans.
package storage

import (
	"time"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
)

// Interface defines the contract for the price history cache.
//
// Implementations must be safe for concurrent use: scan workers read and
// write series for different symbols at the same time.
type Interface interface {
	// GetSeries returns the cached series for symbol and interval.
	GetSeries(symbol, interval string) (Series, bool)
	// PutSeries stores s in memory, replacing any series for the same key.
	// Save persists it.
	PutSeries(s Series) error
	// Prune drops series fetched before cutoff and returns how many went.
	Prune(cutoff time.Time) int

	Save() error
	Load() error
}

// Series is one fetched history window.
type Series struct {
	Symbol    string                       `json:"symbol"`
	Interval  string                       `json:"interval"`
	Start     string                       `json:"start"` // YYYY-MM-DD
	End       string                       `json:"end"`   // YYYY-MM-DD
	FetchedAt time.Time                    `json:"fetched_at"`
	Bars      []broker.HistoricalDataPoint `json:"bars"`
}

// Key identifies the cache slot of a series.
func (s Series) Key() string {
	return seriesKey(s.Symbol, s.Interval)
}

func seriesKey(symbol, interval string) string {
	return symbol + "|" + interval
}

// NewStorage creates the JSON file backed implementation.
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
