package taskqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"odin/internal/common"
	"odin/internal/wtss"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task phases
const (
	PhaseSearching = "searching"
	PhaseFanOut    = "fanout"
)

// Finished reports whether the status is terminal
func (s TaskStatus) Finished() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskProgress represents detailed progress information
type TaskProgress struct {
	CurrentPhase     string  `json:"currentPhase"` // "searching" or "fanout"
	BatchesTotal     int     `json:"batchesTotal"`
	BatchesCompleted int     `json:"batchesCompleted"`
	SeriesTotal      int     `json:"seriesTotal"`
	SeriesCompleted  int     `json:"seriesCompleted"`
	SearchFraction   float64 `json:"searchFraction"` // 0..1, search phase only
	Percent          int     `json:"percent"`
}

// TaskResult is what a finished search task produced
type TaskResult struct {
	Items         []common.SearchItem `json:"items"`
	Series        []wtss.Series       `json:"series"`
	BatchesTotal  int                 `json:"batchesTotal"`
	BatchesFailed int                 `json:"batchesFailed"`
	// Diagnostic is set when the search finished with a non-fatal signal,
	// e.g. every batch failed
	Diagnostic string `json:"diagnostic,omitempty"`
	// Warnings lists time series that were skipped or failed
	Warnings []string `json:"warnings,omitempty"`
}

// SearchTask represents a single orchestrated search in the queue
type SearchTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	CreatedAt   string     `json:"createdAt"` // RFC 3339
	StartedAt   string     `json:"startedAt,omitempty"`
	CompletedAt string     `json:"completedAt,omitempty"`

	// Search criteria
	Point       common.Point      `json:"point"`
	Collections []string          `json:"collections"`
	DateRange   *common.DateRange `json:"dateRange,omitempty"`
	BatchSize   int               `json:"batchSize,omitempty"`

	// Time-series fan-out
	FanOutMode string   `json:"fanOutMode,omitempty"` // "", "all" or "wishlist"
	Wishlist   []string `json:"wishlist,omitempty"`

	Progress TaskProgress `json:"progress"`

	// Error message if failed
	Error string `json:"error,omitempty"`

	Result *TaskResult `json:"result,omitempty"`
}

// NewSearchTask creates a new search task with default values
func NewSearchTask(name string, point common.Point, collections []string, dateRange *common.DateRange) *SearchTask {
	return &SearchTask{
		ID:          uuid.NewString(),
		Name:        name,
		Status:      TaskStatusPending,
		CreatedAt:   time.Now().Format(time.RFC3339),
		Point:       point,
		Collections: collections,
		DateRange:   dateRange,
	}
}

// Clone returns a copy safe to hand out while the queue keeps mutating the original.
// Result is shared; it is never modified once set.
func (t *SearchTask) Clone() *SearchTask {
	cp := *t
	cp.Collections = append([]string(nil), t.Collections...)
	cp.Wishlist = append([]string(nil), t.Wishlist...)
	if t.DateRange != nil {
		dr := *t.DateRange
		cp.DateRange = &dr
	}
	return &cp
}

// SaveToFile persists the task to a JSON file
func (t *SearchTask) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	path := filepath.Join(dir, t.ID+".json")
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}

	return nil
}

// LoadFromFile loads a task from a JSON file
func LoadFromFile(path string) (*SearchTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var task SearchTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &task, nil
}

// DeleteFile removes the task file from disk
func (t *SearchTask) DeleteFile(dir string) error {
	path := filepath.Join(dir, t.ID+".json")
	return os.Remove(path)
}

// UpdateProgress recomputes the overall percent. The search phase covers the
// first 80%, the fan-out the rest.
func (t *SearchTask) UpdateProgress(p TaskProgress) {
	percent := 0
	switch p.CurrentPhase {
	case PhaseSearching:
		percent = int(p.SearchFraction * 80)
	case PhaseFanOut:
		percent = 80
		if p.SeriesTotal > 0 {
			percent += (p.SeriesCompleted * 20) / p.SeriesTotal
		}
	}
	if percent > 100 {
		percent = 100
	}
	// progress never goes backwards
	if percent < t.Progress.Percent {
		percent = t.Progress.Percent
	}
	p.Percent = percent
	t.Progress = p
}

// MarkStarted marks the task as started
func (t *SearchTask) MarkStarted() {
	t.StartedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusRunning
}

// MarkCompleted marks the task as completed
func (t *SearchTask) MarkCompleted(result *TaskResult) {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusCompleted
	t.Result = result
	t.Progress.Percent = 100
	t.Progress.SearchFraction = 1
}

// MarkFailed marks the task as failed with an error
func (t *SearchTask) MarkFailed(err error) {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
}

// MarkCancelled marks the task as cancelled
func (t *SearchTask) MarkCancelled() {
	t.CompletedAt = time.Now().Format(time.RFC3339)
	t.Status = TaskStatusCancelled
}
