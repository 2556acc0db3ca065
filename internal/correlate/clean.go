package correlate

import (
	"strings"
)

// Cleaner turns raw WTSS readings into plottable values. Every presentation
// path uses the same Cleaner so charts and exports agree.
type Cleaner struct {
	// NoDataThreshold: readings at or below it are fill values
	NoDataThreshold float64
	// ScaleFactor divides readings of the rescaled attributes
	ScaleFactor float64
	rescale     map[string]struct{}
}

// NewCleaner creates a Cleaner rescaling the named attributes (case-insensitive)
func NewCleaner(noDataThreshold float64, rescale []string, scaleFactor float64) Cleaner {
	set := make(map[string]struct{}, len(rescale))
	for _, attr := range rescale {
		set[strings.ToUpper(attr)] = struct{}{}
	}
	if scaleFactor == 0 {
		scaleFactor = 1
	}
	return Cleaner{NoDataThreshold: noDataThreshold, ScaleFactor: scaleFactor, rescale: set}
}

// DefaultCleaner drops readings <= -3000 and brings NDVI and EVI to [-1, 1]
func DefaultCleaner() Cleaner {
	return NewCleaner(-3000, []string{"NDVI", "EVI"}, 10000)
}

// Clean returns the cleaned value, or false when there is no reading
func (c Cleaner) Clean(attribute string, raw *float64) (float64, bool) {
	if raw == nil || *raw <= c.NoDataThreshold {
		return 0, false
	}
	if _, ok := c.rescale[strings.ToUpper(attribute)]; ok {
		return *raw / c.ScaleFactor, true
	}
	return *raw, true
}

// Rescales reports whether the attribute is divided by the scale factor
func (c Cleaner) Rescales(attribute string) bool {
	_, ok := c.rescale[strings.ToUpper(attribute)]
	return ok
}
