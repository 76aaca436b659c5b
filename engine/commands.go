package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/eviction"
	"github.com/wolfeidau/image-cache/ledger"
	"github.com/wolfeidau/image-cache/telemetry"
	"github.com/wolfeidau/image-cache/transform"
)

type opKind int

const (
	opGet opKind = iota
	opContains
	opStore
	opRemove
	opClear
	opEvictOldest
	opSize
	opKeys
)

type command struct {
	op      opKind
	ctx     context.Context
	key     imagecache.Key
	payload []byte
	applied []transform.Kind
	reply   chan result
}

type result struct {
	entry *Entry
	data  []byte
	found bool
	size  int64
	count int
	keys  []imagecache.Key
	err   error
}

func (e *Engine) handle(cmd *command) result {
	switch cmd.op {
	case opGet:
		return e.handleGet(cmd)
	case opContains:
		return result{found: e.store.Contains(cmd.key)}
	case opStore:
		return e.handleStore(cmd)
	case opRemove:
		return e.handleRemove(cmd)
	case opClear:
		return e.handleClear(cmd)
	case opEvictOldest:
		return e.handleEvictOldest(cmd)
	case opSize:
		return result{size: e.store.TotalSize(), count: e.store.Len()}
	case opKeys:
		return e.handleKeys()
	default:
		return result{err: fmt.Errorf("unknown command %d", cmd.op)}
	}
}

func (e *Engine) handleGet(cmd *command) result {
	rec, ok := e.store.Get(cmd.key)
	if !ok {
		telemetry.RecordLookup(cmd.ctx, false)
		return result{err: ErrNotFound}
	}

	path := e.store.Path(rec)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return result{err: fmt.Errorf("stat cached file: %w", err)}
		}
		// The file vanished behind our back: drop the stale record and
		// persist before reporting a miss.
		e.store.Delete(cmd.key)
		if perr := e.store.Persist(); perr != nil {
			e.logger.Warn("failed to persist ledger after dropping stale record",
				"key", cmd.key, "error", perr)
		}
		e.logger.Warn("dropped record with missing backing file",
			"key", cmd.key, "file", rec.FileName)
		telemetry.RecordLookup(cmd.ctx, false)
		return result{err: ErrNotFound}
	}

	telemetry.RecordLookup(cmd.ctx, true)
	return result{entry: e.entryFor(rec)}
}

func (e *Engine) handleStore(cmd *command) result {
	size := int64(len(cmd.payload))
	if size > e.cfg.BudgetBytes {
		return result{err: fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, e.cfg.BudgetBytes)}
	}

	// A re-store replaces the prior entry, but the prior payload must
	// survive until the new one is fully committed: a failed store leaves
	// the old entry intact.
	old, replacing := e.store.Get(cmd.key)

	effective := e.store.TotalSize()
	if replacing {
		effective -= old.SizeBytes
	}
	if effective+size > e.cfg.BudgetBytes {
		e.reclaim(cmd.ctx, size, old)
	}

	fileName := fmt.Sprintf("%d_%s.cached", time.Now().UnixNano(), cmd.key.Hash().ShortString())
	if err := e.writePayload(fileName, cmd.payload); err != nil {
		// Evictions may already have happened; sync the ledger so memory
		// and disk agree before failing.
		if perr := e.store.Persist(); perr != nil {
			e.logger.Warn("failed to persist ledger after aborted store",
				"key", cmd.key, "error", perr)
		}
		return result{err: err}
	}

	rec := &ledger.Record{
		Key:       cmd.key,
		FileName:  fileName,
		SizeBytes: size,
		AddedAt:   time.Now().UnixNano(),
		Applied:   append([]transform.Kind(nil), cmd.applied...),
	}
	e.store.Put(rec)

	if err := e.store.Persist(); err != nil {
		// Undo the insert, restoring the prior record if there was one,
		// so memory and the on-disk ledger stay consistent.
		e.store.Delete(cmd.key)
		if replacing {
			e.store.Put(old)
		}
		e.removeFile(fileName)
		return result{err: fmt.Errorf("persisting ledger: %w", err)}
	}

	if replacing && old.FileName != fileName {
		e.removeFile(old.FileName)
	}

	telemetry.RecordStore(cmd.ctx, size)
	telemetry.RecordCacheSize(cmd.ctx, e.store.TotalSize(), e.store.Len())
	return result{entry: e.entryFor(rec)}
}

// reclaim frees at least max(reclaimPercent of the budget, incoming) bytes
// by evicting the oldest records. The record being replaced, if any, is
// never a victim: its bytes are already excluded from the budget math and
// its file must outlive a failed store. Coming up short because the cache
// is already empty is fine; the caller's store proceeds best-effort.
func (e *Engine) reclaim(ctx context.Context, incoming int64, exclude *ledger.Record) {
	target := e.cfg.BudgetBytes * reclaimPercent / 100
	if incoming > target {
		target = incoming
	}

	records := e.store.Records()
	if exclude != nil {
		candidates := records[:0]
		for _, r := range records {
			if r != exclude {
				candidates = append(candidates, r)
			}
		}
		records = candidates
	}

	victims := eviction.SelectVictims(records, target)

	var reclaimed int64
	for _, v := range victims {
		e.removeFile(v.FileName)
		e.store.Delete(v.Key)
		reclaimed += v.SizeBytes
	}

	telemetry.RecordEviction(ctx, len(victims), reclaimed)
	e.logger.Info("evicted records to stay under budget",
		"victims", len(victims),
		"reclaimed_bytes", reclaimed,
		"target_bytes", target,
	)
}

func (e *Engine) handleRemove(cmd *command) result {
	old, ok := e.store.Delete(cmd.key)
	if !ok {
		return result{}
	}

	e.removeFile(old.FileName)
	if err := e.store.Persist(); err != nil {
		return result{err: fmt.Errorf("persisting ledger: %w", err)}
	}

	telemetry.RecordCacheSize(cmd.ctx, e.store.TotalSize(), e.store.Len())
	return result{found: true}
}

func (e *Engine) handleClear(cmd *command) result {
	for _, rec := range e.store.Records() {
		e.removeFile(rec.FileName)
	}
	e.store.Clear()

	if err := os.RemoveAll(e.cfg.Dir); err != nil {
		return result{err: fmt.Errorf("removing cache directory: %w", err)}
	}

	telemetry.RecordCacheSize(cmd.ctx, 0, 0)
	e.logger.Info("cache cleared", "dir", e.cfg.Dir)
	return result{}
}

func (e *Engine) handleEvictOldest(cmd *command) result {
	rec := eviction.Oldest(e.store.Records())
	if rec == nil {
		return result{err: ErrNotFound}
	}

	// Hand the payload back before deleting it; a read failure still
	// evicts, the caller just gets no bytes.
	data, err := os.ReadFile(e.store.Path(rec))
	if err != nil {
		e.logger.Warn("failed to read payload during eviction",
			"key", rec.Key, "error", err)
		data = nil
	}

	entry := e.entryFor(rec)
	e.removeFile(rec.FileName)
	e.store.Delete(rec.Key)

	if perr := e.store.Persist(); perr != nil {
		return result{err: fmt.Errorf("persisting ledger: %w", perr)}
	}

	telemetry.RecordEviction(cmd.ctx, 1, rec.SizeBytes)
	telemetry.RecordCacheSize(cmd.ctx, e.store.TotalSize(), e.store.Len())
	return result{entry: entry, data: data}
}

func (e *Engine) handleKeys() result {
	records := e.store.Records()
	keys := make([]imagecache.Key, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return result{keys: keys}
}

func (e *Engine) entryFor(rec *ledger.Record) *Entry {
	return &Entry{
		Key:       rec.Key,
		Path:      e.store.Path(rec),
		SizeBytes: rec.SizeBytes,
		AddedAt:   rec.Added(),
		Applied:   append([]transform.Kind(nil), rec.Applied...),
	}
}

// writePayload writes data atomically: temp file, sync, rename.
func (e *Engine) writePayload(fileName string, data []byte) error {
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(e.cfg.Dir, ".tmp-payload-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(e.cfg.Dir, fileName)); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// removeFile deletes a payload file. Absence is fine; anything else is
// logged at warn but never blocks dropping the record.
func (e *Engine) removeFile(fileName string) {
	err := os.Remove(filepath.Join(e.cfg.Dir, fileName))
	if err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to delete cache file", "file", fileName, "error", err)
	}
}
