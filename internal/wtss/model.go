package wtss

import (
	"odin/internal/common"
)

// Response is the WTSS time_series document
type Response struct {
	Query  map[string]any `json:"query,omitempty"`
	Result Result         `json:"result"`
}

type Result struct {
	Attributes  []AttributeValues `json:"attributes"`
	Timeline    []string          `json:"timeline"`
	Coordinates Coordinates       `json:"coordinates"`
	Coverage    string            `json:"coverage,omitempty"`
}

// AttributeValues holds one attribute's raw readings, aligned with Result.Timeline.
// A null reading stays nil.
type AttributeValues struct {
	Attribute string     `json:"attribute"`
	Values    []*float64 `json:"values"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// TimeSeriesPoint is one timeline entry with every attribute's raw reading
type TimeSeriesPoint struct {
	Timestamp string              `json:"timestamp"`
	Values    map[string]*float64 `json:"values"`
}

// AttributeNames lists the attributes present in the response, in response order
func (r *Response) AttributeNames() []string {
	names := make([]string, 0, len(r.Result.Attributes))
	for _, a := range r.Result.Attributes {
		names = append(names, a.Attribute)
	}
	return names
}

// Points pivots the column-oriented response into one point per timeline entry.
// Attributes with fewer values than the timeline leave later entries nil.
func (r *Response) Points() []TimeSeriesPoint {
	points := make([]TimeSeriesPoint, len(r.Result.Timeline))
	for i, ts := range r.Result.Timeline {
		values := make(map[string]*float64, len(r.Result.Attributes))
		for _, attr := range r.Result.Attributes {
			if i < len(attr.Values) {
				values[attr.Attribute] = attr.Values[i]
			} else {
				values[attr.Attribute] = nil
			}
		}
		points[i] = TimeSeriesPoint{Timestamp: ts, Values: values}
	}
	return points
}

// Series is one fanned-out time-series result for a collection
type Series struct {
	Collection string           `json:"collection"`
	Attributes []string         `json:"attributes"`
	Window     common.DateRange `json:"window"`
	Response   *Response        `json:"response"`
}
