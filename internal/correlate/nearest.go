package correlate

import (
	"time"

	"odin/internal/common"
)

// DefaultMaxGap is the widest distance at which an image still counts as
// matching a time-series point
const DefaultMaxGap = 30 * 24 * time.Hour

// ImageRef points at the catalog image closest to a time-series point
type ImageRef struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Date       string `json:"date"`
	Thumbnail  string `json:"thumbnail"`
	// GapDays is the absolute distance to the point, in days
	GapDays float64 `json:"gapDays"`
}

// FindNearest scans candidates for the one dated closest to target.
// Candidates without a usable date or a thumbnail are ignored. Ties keep
// the earlier candidate. A match is only returned if it is strictly closer
// than maxGap.
func FindNearest(target time.Time, candidates []common.SearchItem, maxGap time.Duration) (ImageRef, bool) {
	var (
		best     *common.SearchItem
		bestDiff time.Duration
	)
	for i := range candidates {
		c := &candidates[i]
		if c.Thumbnail == "" {
			continue
		}
		ts, ok := c.Timestamp()
		if !ok {
			continue
		}
		diff := ts.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best = c
			bestDiff = diff
		}
	}

	if best == nil || bestDiff >= maxGap {
		return ImageRef{}, false
	}
	return ImageRef{
		ID:         best.ID,
		Collection: best.Collection,
		Date:       best.Date,
		Thumbnail:  best.Thumbnail,
		GapDays:    bestDiff.Hours() / 24,
	}, true
}
