// Package engine implements the disk cache: a size-bounded on-disk
// key/value store with durable metadata and oldest-first eviction.
//
// Every operation is a command processed by a single serializing goroutine
// that owns the ledger store, so mutations never interleave and no locking
// is needed around the metadata map. Callers block only on their own
// command's reply; a full command queue applies backpressure by blocking
// the send.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/ledger"
	"github.com/wolfeidau/image-cache/transform"
)

var (
	// ErrNotFound is returned when no cached entry exists for a key.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("cache engine closed")

	// ErrTooLarge is returned when a payload exceeds the whole byte
	// budget and could never be stored.
	ErrTooLarge = errors.New("payload exceeds cache budget")
)

// DefaultQueueDepth is the default command queue capacity.
const DefaultQueueDepth = 64

// reclaimPercent is the minimum share of the budget reclaimed per
// eviction pass, so stores don't evict one record at a time under
// sustained pressure.
const reclaimPercent = 30

// Config configures an Engine.
type Config struct {
	// Dir is the cache directory, created if absent.
	Dir string

	// BudgetBytes is the maximum total size of cached payloads.
	BudgetBytes int64

	// QueueDepth is the command queue capacity (default: DefaultQueueDepth).
	QueueDepth int

	// Logger for engine events (default: slog.Default()).
	Logger *slog.Logger
}

// Entry is the cached metadata returned by lookups. Path points at the
// payload file inside the cache directory.
type Entry struct {
	Key       imagecache.Key
	Path      string
	SizeBytes int64
	AddedAt   time.Time
	Applied   []transform.Kind
}

// Engine is the disk cache. Safe for concurrent use; all operations are
// funneled through one command loop.
type Engine struct {
	cfg    Config
	store  *ledger.Store
	logger *slog.Logger

	cmdCh  chan *command
	stopCh chan struct{}
	doneCh chan struct{}

	closeOnce sync.Once
}

// New creates the cache directory and ledger if absent, loads and
// reconciles the ledger, and starts the command loop. Directory or ledger
// creation failures are fatal: no engine is returned.
func New(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.BudgetBytes <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %d", cfg.BudgetBytes)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store, err := ledger.Open(cfg.Dir, ledger.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		store:  store,
		logger: cfg.Logger,
		cmdCh:  make(chan *command, cfg.QueueDepth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	e.logger.Info("cache engine started",
		"dir", cfg.Dir,
		"budget_bytes", cfg.BudgetBytes,
		"records", store.Len(),
		"total_bytes", store.TotalSize(),
	)

	go e.loop()
	return e, nil
}

// Dir returns the cache directory.
func (e *Engine) Dir() string {
	return e.cfg.Dir
}

// Budget returns the configured byte budget.
func (e *Engine) Budget() int64 {
	return e.cfg.BudgetBytes
}

// Get returns the entry for key, or ErrNotFound. A record whose backing
// file has gone missing is dropped, the ledger is persisted, and the call
// reports ErrNotFound.
func (e *Engine) Get(ctx context.Context, key imagecache.Key) (*Entry, error) {
	res, err := e.do(ctx, &command{op: opGet, key: key})
	if err != nil {
		return nil, err
	}
	return res.entry, nil
}

// Contains reports whether key has a record, from the in-memory map only.
func (e *Engine) Contains(ctx context.Context, key imagecache.Key) (bool, error) {
	res, err := e.do(ctx, &command{op: opContains, key: key})
	if err != nil {
		return false, err
	}
	return res.found, nil
}

// Store copies payload into the cache under key, evicting older entries
// first if the budget would be exceeded, and persists the ledger before
// returning. Re-storing a key replaces its previous payload. applied
// records the transformations already baked into payload.
func (e *Engine) Store(ctx context.Context, key imagecache.Key, payload []byte, applied []transform.Kind) error {
	_, err := e.do(ctx, &command{op: opStore, key: key, payload: payload, applied: applied})
	return err
}

// Remove deletes the record and its backing file. Removing an absent key
// or an already-missing file is not an error.
func (e *Engine) Remove(ctx context.Context, key imagecache.Key) error {
	_, err := e.do(ctx, &command{op: opRemove, key: key})
	return err
}

// Clear deletes every cached payload, the ledger, and the cache directory
// itself.
func (e *Engine) Clear(ctx context.Context) error {
	_, err := e.do(ctx, &command{op: opClear})
	return err
}

// EvictOldest evicts the single oldest record and returns its metadata
// and payload bytes. Returns ErrNotFound when the cache is empty.
func (e *Engine) EvictOldest(ctx context.Context) (*Entry, []byte, error) {
	res, err := e.do(ctx, &command{op: opEvictOldest})
	if err != nil {
		return nil, nil, err
	}
	return res.entry, res.data, nil
}

// Size returns the total bytes of all cached payloads.
func (e *Engine) Size(ctx context.Context) (int64, error) {
	res, err := e.do(ctx, &command{op: opSize})
	if err != nil {
		return 0, err
	}
	return res.size, nil
}

// Len returns the number of cached records.
func (e *Engine) Len(ctx context.Context) (int, error) {
	res, err := e.do(ctx, &command{op: opSize})
	if err != nil {
		return 0, err
	}
	return res.count, nil
}

// Keys returns all cached keys, sorted.
func (e *Engine) Keys(ctx context.Context) ([]imagecache.Key, error) {
	res, err := e.do(ctx, &command{op: opKeys})
	if err != nil {
		return nil, err
	}
	return res.keys, nil
}

// Close stops the command loop after processing any already-queued
// commands. Later operations fail with ErrClosed. Safe to call more than
// once and concurrently with in-flight operations.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
	})
	<-e.doneCh
}

// do submits a command and waits for its reply.
func (e *Engine) do(ctx context.Context, cmd *command) (result, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan result, 1)

	select {
	case e.cmdCh <- cmd:
	case <-e.doneCh:
		return result{}, ErrClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-e.doneCh:
		return result{}, ErrClosed
	}
}

func (e *Engine) loop() {
	defer close(e.doneCh)

	for {
		select {
		case cmd := <-e.cmdCh:
			cmd.reply <- e.handle(cmd)
		case <-e.stopCh:
			// Serve whatever was accepted before the stop, then exit.
			for {
				select {
				case cmd := <-e.cmdCh:
					cmd.reply <- e.handle(cmd)
				default:
					e.logger.Info("cache engine stopped")
					return
				}
			}
		}
	}
}
