package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/ledger"
	"github.com/wolfeidau/image-cache/transform"
)

func newTestEngine(t *testing.T, budget int64) *Engine {
	t.Helper()
	e, err := New(Config{
		Dir:         filepath.Join(t.TempDir(), "cache"),
		BudgetBytes: budget,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{BudgetBytes: 100})
	require.Error(t, err)

	_, err = New(Config{Dir: t.TempDir(), BudgetBytes: 0})
	require.Error(t, err)
}

func TestStoreGetRoundTrip(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	payload := []byte("image bytes")
	applied := []transform.Kind{transform.KindResize}

	require.NoError(t, e.Store(ctx, "k1", payload, applied))

	entry, err := e.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, imagecache.Key("k1"), entry.Key)
	require.Equal(t, int64(len(payload)), entry.SizeBytes)
	require.Equal(t, applied, entry.Applied)

	got, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetNotFound(t *testing.T) {
	e := newTestEngine(t, 1<<20)

	_, err := e.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContains(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	ok, err := e.Contains(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, e.Store(ctx, "k", []byte("x"), nil))

	ok, err = e.Contains(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemove(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "k", []byte("data"), nil))

	entry, err := e.Get(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, e.Remove(ctx, "k"))

	_, err = e.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = os.Stat(entry.Path)
	require.True(t, os.IsNotExist(err))

	// Removing an absent key is idempotent.
	require.NoError(t, e.Remove(ctx, "k"))
}

func TestStoreReplacesExistingKey(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "k", []byte("first version"), nil))
	first, err := e.Get(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, e.Store(ctx, "k", []byte("second"), nil))
	second, err := e.Get(ctx, "k")
	require.NoError(t, err)

	require.Equal(t, int64(6), second.SizeBytes)

	// The old payload file is gone.
	if first.Path != second.Path {
		_, err = os.Stat(first.Path)
		require.True(t, os.IsNotExist(err))
	}

	n, err := e.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFailedReplaceKeepsPriorEntry(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "k", []byte("first version"), nil))

	// Make the next ledger rewrite fail: renaming the temp ledger over a
	// directory is rejected by the OS.
	ledgerPath := filepath.Join(e.Dir(), ledger.FileName)
	require.NoError(t, os.Remove(ledgerPath))
	require.NoError(t, os.Mkdir(ledgerPath, 0o755))

	err := e.Store(ctx, "k", []byte("second"), nil)
	require.Error(t, err)

	// The prior entry is untouched: still present, still readable.
	entry, err := e.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(len("first version")), entry.SizeBytes)

	got, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	require.Equal(t, []byte("first version"), got)

	// The aborted store left no stray payload behind.
	require.NoError(t, os.Remove(ledgerPath))
	entries, err := os.ReadDir(e.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestBudgetInvariant(t *testing.T) {
	const budget = 100
	e := newTestEngine(t, budget)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("x"), 40)
	for i := range 10 {
		key := imagecache.Key(fmt.Sprintf("key-%d", i))
		require.NoError(t, e.Store(ctx, key, payload, nil))

		size, err := e.Size(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, size, int64(budget))
	}
}

func TestEvictionOldestFirst(t *testing.T) {
	const budget = 100
	e := newTestEngine(t, budget)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("x"), 40)
	require.NoError(t, e.Store(ctx, "a", payload, nil))
	require.NoError(t, e.Store(ctx, "b", payload, nil))

	// Third store exceeds the budget; "a" is oldest and must go.
	require.NoError(t, e.Store(ctx, "c", payload, nil))

	ok, err := e.Contains(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = e.Contains(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedgerMatchesDiskAfterEvictions(t *testing.T) {
	e := newTestEngine(t, 100)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("x"), 30)
	for i := range 8 {
		require.NoError(t, e.Store(ctx, imagecache.Key(fmt.Sprintf("k%d", i)), payload, nil))
	}

	entries, err := os.ReadDir(e.Dir())
	require.NoError(t, err)

	var payloadFiles []string
	for _, ent := range entries {
		name := ent.Name()
		if name == ledger.FileName || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		payloadFiles = append(payloadFiles, name)
	}

	n, err := e.Len(ctx)
	require.NoError(t, err)
	require.Len(t, payloadFiles, n)

	// A fresh engine over the same directory sees no corruption and the
	// same record set.
	e.Close()
	reopened, err := New(Config{Dir: e.Dir(), BudgetBytes: 100})
	require.NoError(t, err)
	defer reopened.Close()

	m, err := reopened.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, n, m)
}

func TestStoreTooLarge(t *testing.T) {
	e := newTestEngine(t, 10)

	err := e.Store(context.Background(), "big", bytes.Repeat([]byte("x"), 11), nil)
	require.ErrorIs(t, err, ErrTooLarge)

	ok, cerr := e.Contains(context.Background(), "big")
	require.NoError(t, cerr)
	require.False(t, ok)
}

func TestGetSelfHealsMissingFile(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "k", []byte("data"), nil))

	entry, err := e.Get(ctx, "k")
	require.NoError(t, err)

	// Delete the backing file behind the engine's back.
	require.NoError(t, os.Remove(entry.Path))

	_, err = e.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := e.Contains(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClear(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "a", []byte("1"), nil))
	require.NoError(t, e.Store(ctx, "b", []byte("2"), nil))

	require.NoError(t, e.Clear(ctx))

	size, err := e.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)

	_, err = os.Stat(e.Dir())
	require.True(t, os.IsNotExist(err))

	// The engine keeps working after a clear.
	require.NoError(t, e.Store(ctx, "c", []byte("3"), nil))
	_, err = e.Get(ctx, "c")
	require.NoError(t, err)
}

func TestEvictOldest(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "old", []byte("old data"), nil))
	require.NoError(t, e.Store(ctx, "new", []byte("new data"), nil))

	entry, data, err := e.EvictOldest(ctx)
	require.NoError(t, err)
	require.Equal(t, imagecache.Key("old"), entry.Key)
	require.Equal(t, []byte("old data"), data)

	ok, err := e.Contains(ctx, "old")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := e.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEvictOldestEmpty(t *testing.T) {
	e := newTestEngine(t, 1<<20)

	_, _, err := e.EvictOldest(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeys(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "zebra", []byte("1"), nil))
	require.NoError(t, e.Store(ctx, "apple", []byte("2"), nil))

	keys, err := e.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []imagecache.Key{"apple", "zebra"}, keys)
}

func TestOperationsAfterClose(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	e.Close()

	_, err := e.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrClosed)

	err = e.Store(context.Background(), "k", []byte("x"), nil)
	require.ErrorIs(t, err, ErrClosed)

	// Double close is safe.
	e.Close()
}

func TestConcurrentStoresHoldBudget(t *testing.T) {
	const budget = 500
	e := newTestEngine(t, budget)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("y"), 90)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := imagecache.Key(fmt.Sprintf("concurrent-%d", i))
			errs[i] = e.Store(ctx, key, payload, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	size, err := e.Size(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, size, int64(budget))
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	ctx := context.Background()

	e, err := New(Config{Dir: dir, BudgetBytes: 1 << 20})
	require.NoError(t, err)

	applied := []transform.Kind{transform.KindCropSquare, transform.KindCircleMask}
	require.NoError(t, e.Store(ctx, "persisted", []byte("survives restart"), applied))
	e.Close()

	reopened, err := New(Config{Dir: dir, BudgetBytes: 1 << 20})
	require.NoError(t, err)
	defer reopened.Close()

	entry, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	require.Equal(t, applied, entry.Applied)

	got, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	require.Equal(t, []byte("survives restart"), got)
}
