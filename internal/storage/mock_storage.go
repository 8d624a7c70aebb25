package storage

import (
	"sync"
	"time"
)

// MockStorage implements Interface in memory for testing.
type MockStorage struct {
	mu            sync.Mutex
	saveError     error
	loadError     error
	series        map[string]Series
	getCallCount  int
	saveCallCount int
	loadCallCount int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{series: map[string]Series{}}
}

// SetSaveError makes PutSeries and Save fail with err.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SetLoadError makes Load fail with err.
func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MockStorage) GetSeries(symbol, interval string) (Series, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCallCount++
	s, ok := m.series[seriesKey(symbol, interval)]
	if !ok {
		return Series{}, false
	}
	return cloneSeries(s), true
}

func (m *MockStorage) PutSeries(s Series) error {
	if s.Symbol == "" || s.Interval == "" {
		return ErrInvalidSeries
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.series[s.Key()] = cloneSeries(s)
	return nil
}

func (m *MockStorage) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return pruneSeries(m.series, cutoff)
}

func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

// GetCallCount returns how many lookups ran.
func (m *MockStorage) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCallCount
}

// SaveCallCount returns how many times Save ran.
func (m *MockStorage) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

// LoadCallCount returns how many times Load ran.
func (m *MockStorage) LoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}
