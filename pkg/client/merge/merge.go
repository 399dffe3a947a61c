// Package merge reconciles a locally cached message sequence with the
// server-confirmed one. It is a pure function over its inputs.
package merge

import (
	"sort"

	"chatsync/pkg/models"
)

// Merge unifies local and remote message sequences into one canonical,
// deduplicated, time-ordered sequence.
//
// Entries are keyed by id. Local entries are inserted first, then remote
// entries overwrite any local entry sharing the same id: server-confirmed
// state wins over speculative local state. Entries without an id (local
// provisional messages never confirmed) are treated as locally unique and
// always retained. The result is sorted ascending by timestamp with ties
// broken by insertion order.
func Merge(local, remote []models.Message) []models.Message {
	out := make([]models.Message, 0, len(local)+len(remote))
	byID := make(map[string]int, len(local)+len(remote))

	insert := func(m models.Message) {
		if m.ID == "" {
			out = append(out, m)
			return
		}
		if idx, ok := byID[m.ID]; ok {
			out[idx] = m
			return
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range local {
		insert(m)
	}
	for _, m := range remote {
		insert(m)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}
