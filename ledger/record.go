// Package ledger persists cache metadata: an in-memory map from key to
// record, mirrored to a line-oriented flat file inside the cache
// directory. The file is the durable source of truth across restarts; on
// load it is reconciled against the files actually present on disk.
//
// A Store is not safe for concurrent use. The cache engine owns it and
// serializes all access through its command loop.
package ledger

import (
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/transform"
)

// FileName is the fixed name of the ledger file inside the cache directory.
const FileName = "ledger"

// Record is the metadata for one cached payload.
type Record struct {
	// Key the payload was stored under.
	Key imagecache.Key

	// FileName is the payload's bare file name, resolved relative to the
	// cache directory so the directory stays relocatable.
	FileName string

	// SizeBytes is the payload size on disk.
	SizeBytes int64

	// AddedAt is the unix-nano timestamp the record was (re)stored.
	// It orders eviction (oldest first) and is not refreshed by reads.
	AddedAt int64

	// Applied are the transformation kinds baked into the stored bytes,
	// in application order. Empty means the untouched original.
	Applied []transform.Kind
}

// Added returns the record timestamp as a time.Time.
func (r *Record) Added() time.Time {
	return time.Unix(0, r.AddedAt)
}
