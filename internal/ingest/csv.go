// Package ingest loads the raw event CSV exports into the event store and
// reports data quality problems in them.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Kind identifies one of the four raw event files.
type Kind string

const (
	KindListen       Kind = "listen"
	KindAuth         Kind = "auth"
	KindStatusChange Kind = "status_change"
	KindPageView     Kind = "page_view"
)

// Kinds returns every event kind in load order.
func Kinds() []Kind {
	return []Kind{KindListen, KindAuth, KindStatusChange, KindPageView}
}

// FileName is the conventional export name for the kind.
func (k Kind) FileName() string {
	return string(k) + "_events.csv"
}

// keyColumns are the fields that must be present for a row to be usable.
var keyColumns = map[Kind][]string{
	KindListen:       {"artist", "song", "userId", "state", "duration"},
	KindAuth:         {"userId", "state", "success"},
	KindStatusChange: {"userId", "state", "level"},
	KindPageView:     {"userId", "state", "page"},
}

// ErrNoHeader is returned for an empty file.
var ErrNoHeader = errors.New("csv has no header row")

// header maps normalized column names to their positions. Names are compared
// lowercased with underscores removed so userId and user_id are the same.
type header struct {
	names []string
	index map[string]int
}

func normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "")
}

func newHeader(names []string) header {
	h := header{names: names, index: make(map[string]int, len(names))}
	for i, n := range names {
		if i == 0 {
			n = strings.TrimPrefix(n, "\ufeff")
			names[0] = n
		}
		h.index[normalize(n)] = i
	}
	return h
}

func (h header) has(name string) bool {
	_, ok := h.index[normalize(name)]
	return ok
}

// record is one data row read against its header.
type record struct {
	h      header
	fields []string
	line   int
}

// get returns the trimmed field for name, or "" when the column is absent.
func (r record) get(names ...string) string {
	for _, name := range names {
		if i, ok := r.h.index[normalize(name)]; ok && i < len(r.fields) {
			return strings.TrimSpace(r.fields[i])
		}
	}
	return ""
}

// readCSV streams rows of r to fn after reading the header.
func readCSV(r io.Reader, fn func(header, record) error) (header, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	names, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return header{}, ErrNoHeader
	}
	if err != nil {
		return header{}, fmt.Errorf("failed to read header: %w", err)
	}
	h := newHeader(names)

	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return h, nil
		}
		if err != nil {
			return h, fmt.Errorf("failed to read row: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if err := fn(h, record{h: h, fields: fields, line: line}); err != nil {
			return h, err
		}
	}
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 / SQL timestamp.
// Timestamps without a zone are UTC.
func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
}

// parseBool accepts the spellings pandas and Postgres exports produce.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "t", "1", "yes":
		return true, nil
	case "false", "f", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}
