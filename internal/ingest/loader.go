package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/region"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of rows sent per bulk insert.
const DefaultBatchSize = 10000

// FileResult summarizes loading one file.
type FileResult struct {
	Kind     Kind
	Path     string
	Read     int64
	Inserted int64
	Rejected int64
	Missing  bool
	Duration time.Duration
}

// Loader reads raw event CSVs and appends them through an EventWriter.
type Loader struct {
	w         storage.EventWriter
	batchSize int
	logger    *zap.Logger
}

// NewLoader creates a loader. A batchSize of zero uses DefaultBatchSize.
func NewLoader(w storage.EventWriter, batchSize int, logger *zap.Logger) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Loader{w: w, batchSize: batchSize, logger: logger.With(zap.String("component", "ingest"))}
}

// LoadDir loads every known event file found in dir. Absent files are
// reported as Missing rather than failing the load.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]FileResult, error) {
	results := make([]FileResult, 0, len(Kinds()))
	for _, kind := range Kinds() {
		path := filepath.Join(dir, kind.FileName())
		res, err := l.loadPath(ctx, kind, path)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (l *Loader) loadPath(ctx context.Context, kind Kind, path string) (FileResult, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("event file not found", zap.String("path", path))
		return FileResult{Kind: kind, Path: path, Missing: true}, nil
	}
	if err != nil {
		return FileResult{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	res, err := l.Load(ctx, kind, f)
	res.Path = path
	if err != nil {
		return res, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return res, nil
}

// Load reads one CSV of the given kind and inserts its rows in batches.
// Rows that cannot be parsed are counted as rejected and skipped.
func (l *Loader) Load(ctx context.Context, kind Kind, r io.Reader) (FileResult, error) {
	start := time.Now()
	res := FileResult{Kind: kind}

	var err error
	switch kind {
	case KindListen:
		err = load(ctx, l, r, &res, parseListen, l.w.InsertListens)
	case KindAuth:
		err = load(ctx, l, r, &res, parseAuth, l.w.InsertAuthEvents)
	case KindStatusChange:
		err = load(ctx, l, r, &res, parseStatusChange, l.w.InsertStatusChanges)
	case KindPageView:
		err = load(ctx, l, r, &res, parsePageView, l.w.InsertPageViews)
	default:
		return res, fmt.Errorf("unknown event kind %q", kind)
	}
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}

	l.logger.Info("event file loaded",
		zap.String("kind", string(kind)),
		zap.Int64("read", res.Read),
		zap.Int64("inserted", res.Inserted),
		zap.Int64("rejected", res.Rejected),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func load[T any](
	ctx context.Context,
	l *Loader,
	r io.Reader,
	res *FileResult,
	parse func(record) (T, error),
	insert func(context.Context, []T) (int64, error),
) error {
	batch := make([]T, 0, l.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := insert(ctx, batch)
		res.Inserted += n
		if err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	_, err := readCSV(r, func(_ header, rec record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Read++

		ev, err := parse(rec)
		if err != nil {
			res.Rejected++
			l.logger.Debug("row rejected", zap.Int("line", rec.line), zap.Error(err))
			return nil
		}
		batch = append(batch, ev)
		if len(batch) >= l.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// regionFor caches the region at load time. Unmapped or empty states are
// left empty and resolved to Unknown during aggregation.
func regionFor(state string) string {
	if !region.IsKnownState(state) {
		return ""
	}
	return region.Of(state).String()
}

func parseListen(rec record) (models.Listen, error) {
	ts, err := parseTimestamp(rec.get("ts", "timestamp"))
	if err != nil {
		return models.Listen{}, err
	}
	l := models.Listen{
		Artist:    rec.get("artist"),
		Song:      rec.get("song"),
		Level:     rec.get("level"),
		Genre:     rec.get("genre"),
		UserID:    rec.get("userId"),
		State:     rec.get("state"),
		City:      rec.get("city"),
		UserAgent: rec.get("userAgent"),
		Timestamp: ts,
	}
	if v := rec.get("duration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return models.Listen{}, fmt.Errorf("invalid duration %q", v)
		}
		l.Duration = d
	}
	l.Region = regionFor(l.State)
	return l, nil
}

func parseAuth(rec record) (models.AuthEvent, error) {
	ts, err := parseTimestamp(rec.get("ts", "timestamp"))
	if err != nil {
		return models.AuthEvent{}, err
	}
	a := models.AuthEvent{
		UserID:    rec.get("userId"),
		State:     rec.get("state"),
		City:      rec.get("city"),
		Level:     rec.get("level"),
		Timestamp: ts,
	}
	if v := rec.get("success"); v != "" {
		if a.Success, err = parseBool(v); err != nil {
			return models.AuthEvent{}, err
		}
	}
	a.Region = regionFor(a.State)
	return a, nil
}

func parseStatusChange(rec record) (models.StatusChange, error) {
	ts, err := parseTimestamp(rec.get("ts", "timestamp"))
	if err != nil {
		return models.StatusChange{}, err
	}
	sc := models.StatusChange{
		Level:     rec.get("level"),
		UserID:    rec.get("userId"),
		State:     rec.get("state"),
		City:      rec.get("city"),
		Timestamp: ts,
	}
	sc.Region = regionFor(sc.State)
	return sc, nil
}

func parsePageView(rec record) (models.PageView, error) {
	ts, err := parseTimestamp(rec.get("ts", "timestamp"))
	if err != nil {
		return models.PageView{}, err
	}
	p := models.PageView{
		Page:      rec.get("page"),
		Method:    rec.get("method"),
		UserAgent: rec.get("userAgent"),
		UserID:    rec.get("userId"),
		State:     rec.get("state"),
		City:      rec.get("city"),
		Level:     rec.get("level"),
		Timestamp: ts,
	}
	if v := rec.get("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.PageView{}, fmt.Errorf("invalid status %q", v)
		}
		p.Status = n
	}
	p.Region = regionFor(p.State)
	return p, nil
}
