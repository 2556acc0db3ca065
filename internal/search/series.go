package search

import (
	"sync"

	"odin/internal/wtss"
)

// SeriesSet is an ordered list of time series keyed by collection id.
// Putting a series for a collection already present replaces it in place.
type SeriesSet struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]wtss.Series
}

func NewSeriesSet() *SeriesSet {
	return &SeriesSet{byID: make(map[string]wtss.Series)}
}

// Put adds or replaces the series for s.Collection
func (s *SeriesSet) Put(series wtss.Series) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[series.Collection]; !exists {
		s.order = append(s.order, series.Collection)
	}
	s.byID[series.Collection] = series
}

func (s *SeriesSet) Get(collection string) (wtss.Series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.byID[collection]
	return series, ok
}

// All returns the series in insertion order
func (s *SeriesSet) All() []wtss.Series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wtss.Series, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *SeriesSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
