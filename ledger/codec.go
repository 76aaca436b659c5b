package ledger

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/transform"
)

// Ledger line format, one record per line:
//
//	key;fileName;timestamp;(t1,t2,...)
//
// Transformation identifiers are the integer values of transform.Kind and
// must round-trip exactly. An empty set encodes as "()".

const (
	fieldSep    = ";"
	recordArity = 4
)

// encodeRecord serializes a record to one ledger line (without newline).
func encodeRecord(r *Record) string {
	ids := make([]string, 0, len(r.Applied))
	for _, k := range r.Applied {
		ids = append(ids, strconv.Itoa(int(k)))
	}
	return strings.Join([]string{
		string(r.Key),
		r.FileName,
		strconv.FormatInt(r.AddedAt, 10),
		"(" + strings.Join(ids, ",") + ")",
	}, fieldSep)
}

// parseRecord parses one ledger line. Size is not part of the wire format;
// the caller fills it in from the file on disk.
func parseRecord(line string) (*Record, error) {
	fields := strings.Split(line, fieldSep)
	if len(fields) != recordArity {
		return nil, fmt.Errorf("expected %d fields, got %d", recordArity, len(fields))
	}

	key := fields[0]
	if key == "" {
		return nil, fmt.Errorf("empty key")
	}

	// Absolute paths from older ledgers are tolerated on read; only the
	// base name is kept.
	fileName := filepath.Base(fields[1])
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		return nil, fmt.Errorf("empty file reference")
	}

	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", fields[2], err)
	}

	applied, err := parseApplied(fields[3])
	if err != nil {
		return nil, err
	}

	return &Record{
		Key:      imagecache.Key(key),
		FileName: fileName,
		AddedAt:  ts,
		Applied:  applied,
	}, nil
}

// parseApplied parses the parenthesized comma-list of transformation ids.
func parseApplied(s string) ([]transform.Kind, error) {
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("invalid transformation set %q", s)
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return nil, nil
	}

	parts := strings.Split(inner, ",")
	kinds := make([]transform.Kind, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid transformation id %q: %w", p, err)
		}
		k, err := transform.ParseKind(v)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
