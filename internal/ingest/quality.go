package ingest

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/region"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MaxListenSeconds is the longest plausible song duration.
const MaxListenSeconds = 3600

// QualityReport lists the problems found in one event file.
type QualityReport struct {
	Kind    Kind
	Path    string
	Missing bool // file not found

	Rows       int64
	Columns    []string
	Duplicates int64
	// MissingValues counts empty values per key column present in the file.
	MissingValues map[string]int64

	InvalidStates    []string
	InvalidStateRows int64
	InvalidLevels    []string
	InvalidLevelRows int64

	DurationTooLong     int64
	DurationNonPositive int64
}

// Clean reports whether no check found a problem.
func (q *QualityReport) Clean() bool {
	return q.Duplicates == 0 &&
		len(q.MissingValues) == 0 &&
		q.InvalidStateRows == 0 &&
		q.InvalidLevelRows == 0 &&
		q.DurationTooLong == 0 &&
		q.DurationNonPositive == 0
}

// CheckDir runs the checks on every known event file in dir.
func CheckDir(dir string) ([]*QualityReport, error) {
	reports := make([]*QualityReport, 0, len(Kinds()))
	for _, kind := range Kinds() {
		path := filepath.Join(dir, kind.FileName())
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			reports = append(reports, &QualityReport{Kind: kind, Path: path, Missing: true})
			continue
		}
		if err != nil {
			return reports, fmt.Errorf("failed to open %s: %w", path, err)
		}

		q, err := Check(kind, f)
		f.Close()
		if err != nil {
			return reports, fmt.Errorf("failed to check %s: %w", path, err)
		}
		q.Path = path
		reports = append(reports, q)
	}
	return reports, nil
}

// Check reads one CSV of the given kind and reports its problems.
//
// State and level values are compared exactly as written: a lowercase state
// code is invalid here even though the classifier would accept it. Empty
// states and levels are counted as missing values, not as invalid ones.
func Check(kind Kind, r io.Reader) (*QualityReport, error) {
	keys, ok := keyColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	q := &QualityReport{Kind: kind, MissingValues: make(map[string]int64)}
	seen := make(map[string]struct{})
	badStates := make(map[string]struct{})
	badLevels := make(map[string]struct{})

	h, err := readCSV(r, func(h header, rec record) error {
		q.Rows++

		key := strings.Join(rec.fields, "\x1f")
		if _, dup := seen[key]; dup {
			q.Duplicates++
		} else {
			seen[key] = struct{}{}
		}

		for _, col := range keys {
			if h.has(col) && rec.get(col) == "" {
				q.MissingValues[col]++
			}
		}

		if h.has("state") {
			if s := rec.get("state"); s != "" && !validState(s) {
				q.InvalidStateRows++
				badStates[s] = struct{}{}
			}
		}
		if h.has("level") {
			if lv := rec.get("level"); lv != "" && !models.ValidLevel(lv) {
				q.InvalidLevelRows++
				badLevels[lv] = struct{}{}
			}
		}

		if kind == KindListen {
			if v := rec.get("duration"); v != "" {
				if d, err := strconv.ParseFloat(v, 64); err == nil {
					switch {
					case d > MaxListenSeconds:
						q.DurationTooLong++
					case d <= 0:
						q.DurationNonPositive++
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.Columns = h.names
	q.InvalidStates = sortedKeys(badStates)
	q.InvalidLevels = sortedKeys(badLevels)
	return q, nil
}

func validState(s string) bool {
	return s == strings.ToUpper(s) && region.IsKnownState(s)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

// WriteText renders reports for a terminal.
func WriteText(w io.Writer, reports []*QualityReport) error {
	p := message.NewPrinter(language.English)
	rule := strings.Repeat("=", 60)

	for _, q := range reports {
		p.Fprintf(w, "\n%s\n  %s\n%s\n", rule, q.Path, rule)
		if q.Missing {
			p.Fprintf(w, "  file not found\n")
			continue
		}

		p.Fprintf(w, "  Total rows: %d\n", q.Rows)
		p.Fprintf(w, "  Columns: %s\n", strings.Join(q.Columns, ", "))

		if q.Duplicates > 0 {
			p.Fprintf(w, "  ! Duplicate rows: %d\n", q.Duplicates)
		}
		if len(q.MissingValues) > 0 {
			p.Fprintf(w, "  ! Missing values:\n")
			cols := lo.Keys(q.MissingValues)
			slices.Sort(cols)
			for _, col := range cols {
				p.Fprintf(w, "      %s: %d rows\n", col, q.MissingValues[col])
			}
		}
		if q.InvalidStateRows > 0 {
			p.Fprintf(w, "  ! Invalid states %v: %d rows\n", q.InvalidStates, q.InvalidStateRows)
		}
		if q.InvalidLevelRows > 0 {
			p.Fprintf(w, "  ! Invalid levels %v: %d rows\n", q.InvalidLevels, q.InvalidLevelRows)
		}
		if q.DurationTooLong > 0 {
			p.Fprintf(w, "  ! Duration > 1 hour: %d rows\n", q.DurationTooLong)
		}
		if q.DurationNonPositive > 0 {
			p.Fprintf(w, "  ! Duration <= 0: %d rows\n", q.DurationNonPositive)
		}
		if q.Clean() {
			p.Fprintf(w, "  File looks clean\n")
		}
	}

	_, err := p.Fprintf(w, "\n")
	return err
}
