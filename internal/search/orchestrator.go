package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"odin/internal/common"
	"odin/internal/logger"
	"odin/internal/metrics"
	"odin/internal/taskqueue"
	"odin/internal/wtss"
)

var (
	// ErrInvalidCriteria marks a search that was never started because its
	// criteria were incomplete
	ErrInvalidCriteria = errors.New("invalid search criteria")

	// ErrAllBatchesFailed marks a search whose every batch failed. The empty
	// item list then means "unknown", not "nothing found".
	ErrAllBatchesFailed = errors.New("all search batches failed")
)

// Searcher runs one catalog search for a batch of collection ids
type Searcher interface {
	Search(ctx context.Context, req common.SearchRequest) ([]common.SearchItem, error)
}

// TimeSeriesFetcher fetches one time series
type TimeSeriesFetcher interface {
	TimeSeries(ctx context.Context, q wtss.Query) (*wtss.Response, error)
}

// Criteria is what a user asked for. Point is a pointer so that a missing
// coordinate can be told apart from 0,0.
type Criteria struct {
	Point         *common.Point     `json:"point"`
	CollectionIDs []string          `json:"collectionIds"`
	DateRange     *common.DateRange `json:"dateRange,omitempty"`
}

// Validate reports why the criteria cannot start a search
func (c Criteria) Validate() error {
	if c.Point == nil {
		return fmt.Errorf("%w: point is required", ErrInvalidCriteria)
	}
	if err := c.Point.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
	}
	if len(c.CollectionIDs) == 0 {
		return fmt.Errorf("%w: at least one collection is required", ErrInvalidCriteria)
	}
	if c.hasDateRange() {
		if err := c.DateRange.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
		}
	}
	return nil
}

func (c Criteria) hasDateRange() bool {
	return c.DateRange != nil && c.DateRange.Start != "" && c.DateRange.End != ""
}

// Progress is reported after every batch
type Progress struct {
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Fraction  float64 `json:"fraction"`
}

// ProgressFunc receives progress updates; calls are never concurrent
type ProgressFunc func(Progress)

// Outcome is the result of Run
type Outcome struct {
	Items         []common.SearchItem `json:"items"`
	BatchesTotal  int                 `json:"batchesTotal"`
	BatchesFailed int                 `json:"batchesFailed"`
	// Err is nil on success, ErrInvalidCriteria, ErrAllBatchesFailed, or
	// the context error when the run was cancelled
	Err error `json:"-"`
}

// Options configures an Orchestrator
type Options struct {
	Searcher   Searcher
	TimeSeries TimeSeriesFetcher
	// Worker serializes every upstream call; a private one is created if nil
	Worker     *taskqueue.Worker
	Normalizer Normalizer
	Attributes *wtss.AttributeTable
	BatchSize  int
}

// Orchestrator turns a user search into batched catalog calls, merges the
// results and fans out time-series requests
type Orchestrator struct {
	searcher   Searcher
	timeSeries TimeSeriesFetcher
	worker     *taskqueue.Worker
	normalizer Normalizer
	attributes *wtss.AttributeTable
	batchSize  int
	log        *slog.Logger
}

// New creates an Orchestrator
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		searcher:   opts.Searcher,
		timeSeries: opts.TimeSeries,
		worker:     opts.Worker,
		normalizer: opts.Normalizer,
		attributes: opts.Attributes,
		batchSize:  opts.BatchSize,
		log:        logger.For("search"),
	}
	if o.worker == nil {
		o.worker = taskqueue.NewWorker(0)
	}
	if o.attributes == nil {
		o.attributes = wtss.DefaultAttributeTable()
	}
	if o.batchSize < 1 {
		o.batchSize = DefaultBatchSize
	}
	return o
}

// Attributes returns the attribute table used for fan-out
func (o *Orchestrator) Attributes() *wtss.AttributeTable {
	return o.attributes
}

// Run executes a search. batchSize < 1 uses the orchestrator's default.
// Batches run one after another; a failed batch is skipped, not retried.
// Progress is emitted after each batch and ends at 1.0 unless cancelled.
func (o *Orchestrator) Run(ctx context.Context, criteria Criteria, batchSize int, progress ProgressFunc) Outcome {
	emit := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}

	if err := criteria.Validate(); err != nil {
		o.log.Warn("search rejected", "error", err)
		emit(Progress{Fraction: 1})
		return Outcome{Items: []common.SearchItem{}, Err: err}
	}

	ids := o.normalizer.Normalize(criteria.CollectionIDs)
	if len(ids) == 0 {
		err := fmt.Errorf("%w: no usable collection ids", ErrInvalidCriteria)
		o.log.Warn("search rejected", "error", err)
		emit(Progress{Fraction: 1})
		return Outcome{Items: []common.SearchItem{}, Err: err}
	}

	if batchSize < 1 {
		batchSize = o.batchSize
	}
	batches := Partition(ids, batchSize)
	total := len(batches)

	var dateRange *common.DateRange
	if criteria.hasDateRange() {
		dateRange = criteria.DateRange
	}

	start := time.Now()
	o.log.Info("search started", "collections", len(ids), "batches", total)

	var (
		merged []common.SearchItem
		failed int
	)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return o.finish(merged, total, failed, err)
		}

		var items []common.SearchItem
		err := o.worker.Do(ctx, func(ctx context.Context) error {
			var err error
			items, err = o.searcher.Search(ctx, common.SearchRequest{
				Point:       *criteria.Point,
				Collections: batch,
				DateRange:   dateRange,
			})
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return o.finish(merged, total, failed, ctx.Err())
			}
			failed++
			metrics.SearchBatches.WithLabelValues("failed").Inc()
			o.log.Error("search batch failed", "batch", i+1, "of", total, "collections", batch, "error", err)
		} else {
			metrics.SearchBatches.WithLabelValues("ok").Inc()
			merged = append(merged, items...)
			o.log.Debug("search batch done", "batch", i+1, "of", total, "items", len(items))
		}

		emit(Progress{Completed: i + 1, Total: total, Fraction: float64(i+1) / float64(total)})
	}

	var outcomeErr error
	if failed == total {
		outcomeErr = ErrAllBatchesFailed
	}
	outcome := o.finish(merged, total, failed, outcomeErr)

	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	metrics.SearchItems.Observe(float64(len(outcome.Items)))
	o.log.Info("search finished",
		"items", len(outcome.Items),
		"batches", total,
		"failed", failed,
		"duration", time.Since(start).Round(time.Millisecond))
	return outcome
}

// finish dedups by id, first arrival wins, then drops items missing an id or a geometry
func (o *Orchestrator) finish(merged []common.SearchItem, total, failed int, err error) Outcome {
	unique := lo.UniqBy(merged, func(item common.SearchItem) string { return item.ID })
	items := lo.Filter(unique, func(item common.SearchItem, _ int) bool {
		return item.ID != "" && item.HasGeometry()
	})
	return Outcome{
		Items:         items,
		BatchesTotal:  total,
		BatchesFailed: failed,
		Err:           err,
	}
}
