// Package eviction selects which cache records to delete when the byte
// budget would be exceeded. Selection is pure: it never touches disk.
//
// Records are ordered by their added timestamp, oldest first (FIFO — reads
// do not refresh the timestamp), with ties broken by key so victim order
// is deterministic.
package eviction

import (
	"sort"

	"github.com/wolfeidau/image-cache/ledger"
)

// SelectVictims returns the records to evict to reclaim at least
// targetBytes, oldest first. If the target exceeds the total size of all
// records, every record is returned; falling short of the target is the
// caller's best-effort result, not an error.
func SelectVictims(records []*ledger.Record, targetBytes int64) []*ledger.Record {
	if targetBytes <= 0 || len(records) == 0 {
		return nil
	}

	sorted := sortOldestFirst(records)

	var reclaimed int64
	for i, r := range sorted {
		reclaimed += r.SizeBytes
		if reclaimed >= targetBytes {
			return sorted[:i+1]
		}
	}
	return sorted
}

// Oldest returns the single oldest record, or nil if there are none.
func Oldest(records []*ledger.Record) *ledger.Record {
	sorted := sortOldestFirst(records)
	if len(sorted) == 0 {
		return nil
	}
	return sorted[0]
}

func sortOldestFirst(records []*ledger.Record) []*ledger.Record {
	sorted := make([]*ledger.Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].AddedAt != sorted[j].AddedAt {
			return sorted[i].AddedAt < sorted[j].AddedAt
		}
		return sorted[i].Key < sorted[j].Key
	})
	return sorted
}
