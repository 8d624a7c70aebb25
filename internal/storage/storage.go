package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
)

// JSONStorage keeps the history cache in a single JSON file.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *StorageData
	dirty    bool
}

// StorageData is the on-disk document.
type StorageData struct {
	Series      map[string]Series `json:"series"`
	LastUpdated time.Time         `json:"last_updated"`
}

// NewJSONStorage opens path, loading the cache when the file exists.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     &StorageData{Series: map[string]Series{}},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat storage: %w", err)
	}
	return s, nil
}

// Load replaces the in-memory cache with the file contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	var doc StorageData
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", s.filepath, err)
	}
	if doc.Series == nil {
		doc.Series = map[string]Series{}
	}
	s.data = &doc
	s.dirty = false
	return nil
}

// Save writes the cache atomically. It is a no-op when nothing changed
// since the last Load or Save.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	data, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.filepath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpFile, s.filepath); err != nil {
		_ = os.Remove(tmpFile)
		return err
	}
	return nil
}

// GetSeries returns a copy of the cached series.
func (s *JSONStorage) GetSeries(symbol, interval string) (Series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.data.Series[seriesKey(symbol, interval)]
	if !ok {
		return Series{}, false
	}
	return cloneSeries(series), true
}

// PutSeries replaces the series under its key.
func (s *JSONStorage) PutSeries(series Series) error {
	if series.Symbol == "" || series.Interval == "" {
		return ErrInvalidSeries
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Series[series.Key()] = cloneSeries(series)
	s.dirty = true
	return nil
}

// Prune drops series fetched before cutoff.
func (s *JSONStorage) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := pruneSeries(s.data.Series, cutoff)
	if n > 0 {
		s.dirty = true
	}
	return n
}

func pruneSeries(m map[string]Series, cutoff time.Time) int {
	n := 0
	for k, series := range m {
		if series.FetchedAt.Before(cutoff) {
			delete(m, k)
			n++
		}
	}
	return n
}

// cloneSeries copies the bars so callers cannot mutate the cache.
func cloneSeries(s Series) Series {
	c := s
	c.Bars = append([]broker.HistoricalDataPoint(nil), s.Bars...)
	return c
}
