package ledger

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	imagecache "github.com/wolfeidau/image-cache"
)

// tmpPrefix marks in-progress writes; such files are never treated as
// cached payloads.
const tmpPrefix = ".tmp-"

// Store is the in-memory record map backed by the ledger file.
type Store struct {
	dir     string
	records map[imagecache.Key]*Record
	total   int64
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for corruption-recovery events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open creates the cache directory and ledger file if absent, loads every
// valid record, and reconciles the ledger against the directory contents.
// Directory or ledger I/O failures are fatal; parse-level corruption is
// repaired silently and logged at warn level.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:     dir,
		records: make(map[imagecache.Key]*Record),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the cache directory the store manages.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a record's payload file.
func (s *Store) Path(r *Record) string {
	return filepath.Join(s.dir, r.FileName)
}

// Get returns the record for key, if present.
func (s *Store) Get(key imagecache.Key) (*Record, bool) {
	r, ok := s.records[key]
	return r, ok
}

// Contains reports whether a record exists for key.
func (s *Store) Contains(key imagecache.Key) bool {
	_, ok := s.records[key]
	return ok
}

// Put inserts or replaces the record for its key.
func (s *Store) Put(r *Record) {
	if old, ok := s.records[r.Key]; ok {
		s.total -= old.SizeBytes
	}
	s.records[r.Key] = r
	s.total += r.SizeBytes
}

// Delete removes the record for key and returns it.
func (s *Store) Delete(key imagecache.Key) (*Record, bool) {
	r, ok := s.records[key]
	if !ok {
		return nil, false
	}
	delete(s.records, key)
	s.total -= r.SizeBytes
	return r, true
}

// Clear drops every record.
func (s *Store) Clear() {
	s.records = make(map[imagecache.Key]*Record)
	s.total = 0
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// TotalSize returns the sum of all record sizes in bytes.
func (s *Store) TotalSize() int64 {
	return s.total
}

// Records returns all records. The slice is freshly allocated but the
// records are shared; callers must not mutate them.
func (s *Store) Records() []*Record {
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// Persist rewrites the ledger file in full, atomically: the new contents
// are written to a temp file in the cache directory, synced, and renamed
// over the old ledger. A crash mid-write leaves the previous ledger valid.
func (s *Store) Persist() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(encodeRecord(s.records[imagecache.Key(k)]))
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"ledger-*")
	if err != nil {
		return fmt.Errorf("creating temp ledger: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp ledger: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, FileName)); err != nil {
		return fmt.Errorf("renaming temp ledger: %w", err)
	}

	success = true
	return nil
}

// load parses the ledger and reconciles it with the directory contents.
func (s *Store) load() error {
	path := filepath.Join(s.dir, FileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// First run: create an empty ledger so later failures to write
		// it surface immediately rather than at the first store.
		if werr := os.WriteFile(path, nil, 0o644); werr != nil {
			return fmt.Errorf("creating ledger file: %w", werr)
		}
		data = nil
	} else if err != nil {
		return fmt.Errorf("reading ledger file: %w", err)
	}

	corrupted := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, perr := parseRecord(line)
		if perr != nil {
			s.logger.Warn("dropping unparseable ledger line", "error", perr)
			corrupted = true
			continue
		}
		if _, dup := s.records[rec.Key]; dup {
			s.logger.Warn("duplicate ledger entry, keeping the later one", "key", rec.Key)
			corrupted = true
		}
		s.Put(rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scanning ledger file: %w", err)
	}

	onDisk, err := s.scanPayloads()
	if err != nil {
		return err
	}

	// Fill in sizes from disk and find records whose file is gone.
	referenced := make(map[string]struct{}, len(s.records))
	var missing []imagecache.Key
	for key, rec := range s.records {
		size, ok := onDisk[rec.FileName]
		if !ok {
			missing = append(missing, key)
			continue
		}
		s.total += size - rec.SizeBytes
		rec.SizeBytes = size
		referenced[rec.FileName] = struct{}{}
	}

	if len(missing) > 0 || len(referenced) != len(onDisk) {
		corrupted = true
	}

	if !corrupted {
		return nil
	}
	return s.reconcile(onDisk, referenced, missing)
}

// reconcile aligns the record map and the directory: files no record
// references are deleted, records whose file is gone are dropped, and the
// ledger is rewritten from the survivors. Ambiguous entries are discarded
// rather than guessed at.
func (s *Store) reconcile(onDisk map[string]int64, referenced map[string]struct{}, missing []imagecache.Key) error {
	for _, key := range missing {
		rec, _ := s.Delete(key)
		s.logger.Warn("dropping ledger entry with no backing file",
			"key", key,
			"file", rec.FileName,
		)
	}

	for name := range onDisk {
		if _, ok := referenced[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to delete unreferenced cache file", "file", name, "error", err)
			continue
		}
		s.logger.Warn("deleted unreferenced cache file", "file", name)
	}

	if err := s.Persist(); err != nil {
		return fmt.Errorf("rewriting ledger after reconciliation: %w", err)
	}

	s.logger.Info("ledger reconciled",
		"records", len(s.records),
		"total_bytes", s.total,
	)
	return nil
}

// scanPayloads returns the payload files present in the cache directory
// with their sizes, skipping the ledger itself and in-progress temp files.
func (s *Store) scanPayloads() (map[string]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading cache directory: %w", err)
	}

	files := make(map[string]int64, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == FileName || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat cache file %s: %w", name, err)
		}
		files[name] = info.Size()
	}
	return files, nil
}
