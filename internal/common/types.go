package common

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidDateRange is returned when a date range is malformed or inverted
var ErrInvalidDateRange = errors.New("invalid date range")

// Point is a WGS84 coordinate picked on the map
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks that both coordinates are finite and inside WGS84 bounds
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("coordinates must be finite: lat=%v lng=%v", p.Lat, p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: %f", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]: %f", p.Lng)
	}
	return nil
}

// DateRange is an inclusive calendar date interval (YYYY-MM-DD)
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Validate checks both dates parse and start <= end
func (r DateRange) Validate() error {
	start, err := ParseISO8601(r.Start)
	if err != nil {
		return fmt.Errorf("%w: start: %v", ErrInvalidDateRange, err)
	}
	end, err := ParseISO8601(r.End)
	if err != nil {
		return fmt.Errorf("%w: end: %v", ErrInvalidDateRange, err)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidDateRange, r.Start, r.End)
	}
	return nil
}

// SearchItem is one projected catalog feature, in the shape the proxy returns
// from POST /stac-search
type SearchItem struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Date       string          `json:"date"`
	CloudCover *float64        `json:"cloud_cover,omitempty"`
	Thumbnail  string          `json:"thumbnail,omitempty"`
}

// SearchRequest is one catalog search: a point, a batch of collection ids
// and an optional date range
type SearchRequest struct {
	Point       Point      `json:"point"`
	Collections []string   `json:"collections"`
	DateRange   *DateRange `json:"dateRange,omitempty"`
}

// HasGeometry reports whether the item carries a non-null GeoJSON geometry
func (i SearchItem) HasGeometry() bool {
	trimmed := bytes.TrimSpace(i.Geometry)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Timestamp parses the item date; items dated "N/A" have none
func (i SearchItem) Timestamp() (time.Time, bool) {
	if i.Date == "" || i.Date == NoDate {
		return time.Time{}, false
	}
	t, err := ParseTimestamp(i.Date)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Time-series fan-out modes: every supported attribute, or only the
// supported attributes the caller asked for
const (
	FanOutAll      = "all"
	FanOutWishlist = "wishlist"
)

// ValidateFanOutMode checks a fan-out mode name
func ValidateFanOutMode(mode string) error {
	switch mode {
	case FanOutAll, FanOutWishlist:
		return nil
	default:
		return fmt.Errorf("invalid fan-out mode: %s (must be %s or %s)", mode, FanOutAll, FanOutWishlist)
	}
}
