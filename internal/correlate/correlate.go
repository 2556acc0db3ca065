package correlate

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"odin/internal/common"
	"odin/internal/wtss"
)

// CorrelatedPoint is one time-series entry with cleaned readings and the
// image nearest to it, if any
type CorrelatedPoint struct {
	Timestamp string `json:"timestamp"`
	// Values holds the cleaned reading per attribute; nil means no reading
	Values  map[string]*float64 `json:"values"`
	Nearest *ImageRef           `json:"nearest,omitempty"`
}

// Correlate cleans every point and attaches the nearest image. Neither input
// is modified. Points whose timestamp does not parse get no image.
func Correlate(points []wtss.TimeSeriesPoint, candidates []common.SearchItem, cleaner Cleaner, maxGap time.Duration) []CorrelatedPoint {
	out := make([]CorrelatedPoint, 0, len(points))
	for _, p := range points {
		cp := CorrelatedPoint{
			Timestamp: p.Timestamp,
			Values:    make(map[string]*float64, len(p.Values)),
		}
		for attr, raw := range p.Values {
			if v, ok := cleaner.Clean(attr, raw); ok {
				cp.Values[attr] = &v
			} else {
				cp.Values[attr] = nil
			}
		}
		if ts, err := common.ParseTimestamp(p.Timestamp); err == nil {
			if ref, ok := FindNearest(ts, candidates, maxGap); ok {
				cp.Nearest = &ref
			}
		}
		out = append(out, cp)
	}
	return out
}

// Dataset is one attribute's line in a chart
type Dataset struct {
	Label string     `json:"label"`
	Data  []*float64 `json:"data"`
}

// Chart is the per-collection chart model: one label per point, one dataset
// per attribute, and the thumbnail (possibly empty) shown for each point
type Chart struct {
	Collection string    `json:"collection"`
	Labels     []string  `json:"labels"`
	Datasets   []Dataset `json:"datasets"`
	Thumbnails []string  `json:"thumbnails"`
	ImageIDs   []string  `json:"imageIds"`
}

// ChartDatasets builds the chart model for the given attributes, in order
func ChartDatasets(collection string, attributes []string, points []CorrelatedPoint) Chart {
	chart := Chart{
		Collection: collection,
		Labels:     make([]string, len(points)),
		Datasets:   make([]Dataset, len(attributes)),
		Thumbnails: make([]string, len(points)),
		ImageIDs:   make([]string, len(points)),
	}
	for j, attr := range attributes {
		chart.Datasets[j] = Dataset{Label: attr, Data: make([]*float64, len(points))}
	}
	for i, p := range points {
		chart.Labels[i] = p.Timestamp
		if p.Nearest != nil {
			chart.Thumbnails[i] = p.Nearest.Thumbnail
			chart.ImageIDs[i] = p.Nearest.ID
		}
		for j, attr := range attributes {
			chart.Datasets[j].Data[i] = p.Values[attr]
		}
	}
	return chart
}

// WriteCSV writes one row per point: date, the attributes in order, then the
// nearest thumbnail. Missing readings are empty cells.
func WriteCSV(w io.Writer, attributes []string, points []CorrelatedPoint) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(attributes)+2)
	header = append(header, "date")
	header = append(header, attributes...)
	header = append(header, "thumbnail")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	row := make([]string, len(header))
	for _, p := range points {
		row[0] = p.Timestamp
		for j, attr := range attributes {
			if v := p.Values[attr]; v != nil {
				row[j+1] = strconv.FormatFloat(*v, 'f', -1, 64)
			} else {
				row[j+1] = ""
			}
		}
		row[len(row)-1] = ""
		if p.Nearest != nil {
			row[len(row)-1] = p.Nearest.Thumbnail
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}
