package search

import (
	"strings"

	"github.com/samber/lo"
)

// DefaultBatchSize is how many collection ids go into one catalog search
const DefaultBatchSize = 15

// Normalizer collapses every collection id in a product group onto the
// group's canonical id. The catalog exposes AMAZONIA products under many ids
// that a single canonical id already covers.
type Normalizer struct {
	// GroupPrefix is matched case-insensitively against the start of each id
	GroupPrefix string
	// Canonical replaces every id in the group
	Canonical string
}

// DefaultNormalizer groups AMAZONIA* ids under AMAZONIA-1
func DefaultNormalizer() Normalizer {
	return Normalizer{GroupPrefix: "AMAZONIA", Canonical: "AMAZONIA-1"}
}

// Normalize maps grouped ids to the canonical id, drops blanks and removes
// duplicates keeping first-seen order
func (n Normalizer) Normalize(ids []string) []string {
	prefix := strings.ToUpper(n.GroupPrefix)
	mapped := lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", false
		}
		if prefix != "" && n.Canonical != "" && strings.HasPrefix(strings.ToUpper(id), prefix) {
			return n.Canonical, true
		}
		return id, true
	})
	return lo.Uniq(mapped)
}

// Partition splits ids into consecutive batches of at most size ids.
// Sizes below 1 fall back to DefaultBatchSize.
func Partition(ids []string, size int) [][]string {
	if size < 1 {
		size = DefaultBatchSize
	}
	if len(ids) == 0 {
		return [][]string{}
	}
	return lo.Chunk(ids, size)
}
