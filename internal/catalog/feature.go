package catalog

import (
	"encoding/json"

	"odin/internal/common"
)

// Collection is the id/title pair the proxy exposes for each STAC collection
type Collection struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type collectionsResponse struct {
	Collections []Collection `json:"collections"`
}

// Feature is the subset of a STAC item the projection reads
type Feature struct {
	ID         string           `json:"id"`
	Collection string           `json:"collection"`
	Geometry   json.RawMessage  `json:"geometry"`
	Properties map[string]any   `json:"properties"`
	Assets     map[string]Asset `json:"assets"`
}

type Asset struct {
	Href string `json:"href"`
}

type featureCollection struct {
	Features []Feature `json:"features"`
}

// SearchPayload is the body POSTed to the STAC /search endpoint
type SearchPayload struct {
	Collections []string   `json:"collections"`
	Intersects  Intersects `json:"intersects"`
	Limit       int        `json:"limit"`
	Datetime    string     `json:"datetime,omitempty"`
}

// Intersects is a GeoJSON point; coordinates are [lng, lat]
type Intersects struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// NewSearchPayload builds the upstream payload. The datetime interval is
// only set when both dates are present.
func NewSearchPayload(point common.Point, collections []string, dateRange *common.DateRange, limit int) SearchPayload {
	payload := SearchPayload{
		Collections: collections,
		Intersects: Intersects{
			Type:        "Point",
			Coordinates: [2]float64{point.Lng, point.Lat},
		},
		Limit: limit,
	}
	if dateRange != nil && dateRange.Start != "" && dateRange.End != "" {
		payload.Datetime = common.STACDatetimeInterval(dateRange.Start, dateRange.End)
	}
	return payload
}

// Project reduces a STAC feature to a SearchItem.
// The date is the first of datetime, start_datetime, end_datetime cut to
// the calendar day, or "N/A".
func Project(f Feature) common.SearchItem {
	item := common.SearchItem{
		ID:         f.ID,
		Collection: f.Collection,
		Geometry:   f.Geometry,
		Date:       common.NoDate,
	}

	for _, key := range []string{"datetime", "start_datetime", "end_datetime"} {
		if s, ok := f.Properties[key].(string); ok && s != "" {
			item.Date = common.CalendarDate(s)
			break
		}
	}

	if cc, ok := f.Properties["eo:cloud_cover"].(float64); ok {
		item.CloudCover = &cc
	}

	if thumb, ok := f.Assets["thumbnail"]; ok {
		item.Thumbnail = thumb.Href
	}

	return item
}
