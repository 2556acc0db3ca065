package wtss

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"odin/internal/common"
)

// defaultAttributes lists, per collection, the attributes WTSS can serve
var defaultAttributes = map[string][]string{
	"S2-16D-2":         {"NDVI", "EVI", "red", "green", "blue", "nir", "swir16", "swir22"},
	"LANDSAT-16D-1":    {"NDVI", "EVI", "red", "green", "blue", "nir08", "swir16", "swir22"},
	"CBERS4-WFI-16D-2": {"NDVI", "EVI", "BAND13", "BAND14", "BAND15", "BAND16"},
	"CBERS-WFI-8D-1":   {"NDVI", "EVI", "BAND13", "BAND14", "BAND15", "BAND16"},
	"CBERS4-MUX-2M-1":  {"NDVI", "EVI", "BAND5", "BAND6", "BAND7", "BAND8"},
	"mod13q1-6.1":      {"NDVI", "EVI", "red_reflectance", "NIR_reflectance"},
	"myd13q1-6.1":      {"NDVI", "EVI", "red_reflectance", "NIR_reflectance"},
	"mod11a2-6.1":      {"LST_Day_1km", "LST_Night_1km"},
	"myd11a2-6.1":      {"LST_Day_1km", "LST_Night_1km"},
}

type tableEntry struct {
	collection string
	attributes []string
}

// AttributeTable maps collection ids to the attributes their time series
// expose. It doubles as the time-series allow-list: collections missing from
// it are never queried. Lookups ignore case.
type AttributeTable struct {
	entries map[string]tableEntry
}

// DefaultAttributeTable returns the built-in table
func DefaultAttributeTable() *AttributeTable {
	return NewAttributeTable(defaultAttributes)
}

// NewAttributeTable builds a table from collection -> attributes
func NewAttributeTable(m map[string][]string) *AttributeTable {
	t := &AttributeTable{entries: make(map[string]tableEntry, len(m))}
	for collection, attrs := range m {
		t.set(collection, attrs)
	}
	return t
}

func (t *AttributeTable) set(collection string, attrs []string) {
	t.entries[strings.ToUpper(collection)] = tableEntry{
		collection: collection,
		attributes: lo.Uniq(attrs),
	}
}

// WithOverrides returns a copy of the table where the given collections
// replace (or add to) the existing entries
func (t *AttributeTable) WithOverrides(overrides map[string][]string) *AttributeTable {
	out := &AttributeTable{entries: make(map[string]tableEntry, len(t.entries)+len(overrides))}
	for k, v := range t.entries {
		out.entries[k] = v
	}
	for collection, attrs := range overrides {
		out.set(collection, attrs)
	}
	return out
}

// Supported reports whether the collection has a time-series entry
func (t *AttributeTable) Supported(collection string) bool {
	_, ok := t.entries[strings.ToUpper(collection)]
	return ok
}

// Attributes returns the collection's attributes in table order, or nil
func (t *AttributeTable) Attributes(collection string) []string {
	entry, ok := t.entries[strings.ToUpper(collection)]
	if !ok {
		return nil
	}
	return append([]string(nil), entry.attributes...)
}

// Collections lists the supported collection ids, sorted
func (t *AttributeTable) Collections() []string {
	ids := lo.MapToSlice(t.entries, func(_ string, e tableEntry) string { return e.collection })
	sort.Strings(ids)
	return ids
}

// Select picks the attributes to request for a collection. FanOutAll takes
// every supported attribute; FanOutWishlist keeps only supported attributes
// named in the wishlist, in table order. The result may be empty.
func (t *AttributeTable) Select(collection, mode string, wishlist []string) []string {
	attrs := t.Attributes(collection)
	if mode != common.FanOutWishlist {
		return attrs
	}
	wanted := lo.SliceToMap(wishlist, func(a string) (string, struct{}) {
		return strings.ToLower(a), struct{}{}
	})
	return lo.Filter(attrs, func(a string, _ int) bool {
		_, ok := wanted[strings.ToLower(a)]
		return ok
	})
}

// Unsupported returns the requested attributes the collection does not expose
func (t *AttributeTable) Unsupported(collection string, requested []string) []string {
	known := lo.SliceToMap(t.Attributes(collection), func(a string) (string, struct{}) {
		return strings.ToLower(a), struct{}{}
	})
	return lo.Filter(requested, func(a string, _ int) bool {
		_, ok := known[strings.ToLower(a)]
		return !ok
	})
}
