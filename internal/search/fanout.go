package search

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"odin/internal/common"
	"odin/internal/metrics"
	"odin/internal/wtss"
)

// ErrNoApplicableAttributes marks a collection skipped because the selection
// left no attribute to request
var ErrNoApplicableAttributes = errors.New("no applicable attributes")

// FanOutPlan is one time-series request the fan-out will make
type FanOutPlan struct {
	Collection string
	Attributes []string
	Window     common.DateRange
}

// FanOutSkip records a collection the fan-out did not query, and why
type FanOutSkip struct {
	Collection string `json:"collection"`
	Reason     string `json:"reason"`
}

// FanOutProgressFunc is called after each time-series request
type FanOutProgressFunc func(completed, total int)

// Plan decides which time series to request for the items of a search:
// one per distinct collection in first-seen order, limited to collections
// in the attribute table
func (o *Orchestrator) Plan(criteria Criteria, items []common.SearchItem, mode string, wishlist []string) ([]FanOutPlan, []FanOutSkip) {
	collections := lo.Uniq(lo.Map(items, func(item common.SearchItem, _ int) string { return item.Collection }))

	var (
		plans []FanOutPlan
		skips []FanOutSkip
	)
	for _, collection := range collections {
		if !o.attributes.Supported(collection) {
			continue
		}

		attrs := o.attributes.Select(collection, mode, wishlist)
		if len(attrs) == 0 {
			o.log.Warn("skipping time series", "collection", collection, "reason", ErrNoApplicableAttributes)
			skips = append(skips, FanOutSkip{Collection: collection, Reason: ErrNoApplicableAttributes.Error()})
			continue
		}

		window, ok := o.window(criteria, collection, items)
		if !ok {
			o.log.Warn("skipping time series", "collection", collection, "reason", "no dated items")
			skips = append(skips, FanOutSkip{Collection: collection, Reason: "no dated items"})
			continue
		}

		plans = append(plans, FanOutPlan{Collection: collection, Attributes: attrs, Window: window})
	}
	return plans, skips
}

// window is the criteria's date range, or the span of the collection's item dates
func (o *Orchestrator) window(criteria Criteria, collection string, items []common.SearchItem) (common.DateRange, bool) {
	if criteria.hasDateRange() {
		return *criteria.DateRange, true
	}

	var first, last time.Time
	found := false
	for _, item := range items {
		if item.Collection != collection {
			continue
		}
		ts, ok := item.Timestamp()
		if !ok {
			continue
		}
		if !found || ts.Before(first) {
			first = ts
		}
		if !found || ts.After(last) {
			last = ts
		}
		found = true
	}
	if !found {
		return common.DateRange{}, false
	}
	return common.DateRange{Start: common.FormatISO8601(first), End: common.FormatISO8601(last)}, true
}

// FanOut requests the planned time series one at a time through the shared
// worker. Failed requests are logged and left out of the set.
func (o *Orchestrator) FanOut(ctx context.Context, criteria Criteria, items []common.SearchItem, mode string, wishlist []string, progress FanOutProgressFunc) (*SeriesSet, []FanOutSkip) {
	set := NewSeriesSet()
	if criteria.Point == nil || o.timeSeries == nil {
		return set, nil
	}

	plans, skips := o.Plan(criteria, items, mode, wishlist)
	for i, plan := range plans {
		if ctx.Err() != nil {
			break
		}

		var resp *wtss.Response
		err := o.worker.Do(ctx, func(ctx context.Context) error {
			var err error
			resp, err = o.timeSeries.TimeSeries(ctx, wtss.Query{
				Coverage:   plan.Collection,
				Latitude:   criteria.Point.Lat,
				Longitude:  criteria.Point.Lng,
				Attributes: plan.Attributes,
				StartDate:  plan.Window.Start,
				EndDate:    plan.Window.End,
			})
			return err
		})

		switch {
		case err != nil && ctx.Err() != nil:
			return set, skips
		case err != nil:
			metrics.FanOutSeries.WithLabelValues("failed").Inc()
			o.log.Error("time series request failed", "collection", plan.Collection, "error", err)
			skips = append(skips, FanOutSkip{Collection: plan.Collection, Reason: err.Error()})
		default:
			metrics.FanOutSeries.WithLabelValues("ok").Inc()
			set.Put(wtss.Series{
				Collection: plan.Collection,
				Attributes: plan.Attributes,
				Window:     plan.Window,
				Response:   resp,
			})
		}

		if progress != nil {
			progress(i+1, len(plans))
		}
	}
	return set, skips
}
