package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"odin/internal/common"
)

// SearchPreferences are the user's last used search inputs
type SearchPreferences struct {
	Point       *common.Point     `json:"point,omitempty"`
	DateRange   *common.DateRange `json:"dateRange,omitempty"`
	Collections []string          `json:"collections"`
	Attributes  []string          `json:"attributes"`
	FanOutMode  string            `json:"fanOutMode"`
}

// DefaultPreferences returns empty preferences with the "all" fan-out mode
func DefaultPreferences() *SearchPreferences {
	return &SearchPreferences{
		Collections: []string{},
		Attributes:  []string{},
		FanOutMode:  common.FanOutAll,
	}
}

// PreferencesStore loads and saves search preferences
type PreferencesStore interface {
	Load() (*SearchPreferences, error)
	Save(prefs *SearchPreferences) error
}

// FileStore keeps preferences in a JSON file
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the file at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads preferences from disk. A missing file yields the defaults.
func (s *FileStore) Load() (*SearchPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences file: %w", err)
	}

	var prefs SearchPreferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}

	// Merge with defaults for any missing fields
	defaults := DefaultPreferences()
	if prefs.Collections == nil {
		prefs.Collections = defaults.Collections
	}
	if prefs.Attributes == nil {
		prefs.Attributes = defaults.Attributes
	}
	if prefs.FanOutMode == "" {
		prefs.FanOutMode = defaults.FanOutMode
	}
	return &prefs, nil
}

// Save writes preferences to disk
func (s *FileStore) Save(prefs *SearchPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}

	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write preferences file: %w", err)
	}
	return nil
}

// MemoryStore keeps preferences in memory
type MemoryStore struct {
	mu    sync.Mutex
	prefs *SearchPreferences
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*SearchPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		return DefaultPreferences(), nil
	}
	cp := *s.prefs
	cp.Collections = append([]string(nil), s.prefs.Collections...)
	cp.Attributes = append([]string(nil), s.prefs.Attributes...)
	return &cp, nil
}

func (s *MemoryStore) Save(prefs *SearchPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *prefs
	cp.Collections = append([]string(nil), prefs.Collections...)
	cp.Attributes = append([]string(nil), prefs.Attributes...)
	s.prefs = &cp
	return nil
}
