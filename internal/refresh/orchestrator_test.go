package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"github.com/sunflower-analytics/ziplisten/internal/metrics"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

var engagement = rollup.EngagementColumns{
	Content:         "content_key",
	Region:          "region_name",
	PlayCount:       "play_count",
	UniqueListeners: "unique_listeners",
	StreamingHours:  "streaming_hours",
}

func testConfig() config.RefreshConfig {
	return config.RefreshConfig{
		Policy:        config.PolicyContinue,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
		LockTTL:       time.Minute,
	}
}

// fakeBuilder fails with the queued errors before succeeding.
type fakeBuilder struct {
	name  string
	errs  []error
	calls atomic.Int32
}

func (b *fakeBuilder) Name() string { return b.name }

func (b *fakeBuilder) Table() rollup.Table {
	return rollup.Table{Name: "summary_" + b.name, KeyColumns: []string{"k"}, MetricColumns: []string{"v"}}
}

func (b *fakeBuilder) Build(ctx context.Context, src rollup.EventSource) (rollup.Result, error) {
	n := int(b.calls.Add(1))
	if n <= len(b.errs) {
		return rollup.Result{}, b.errs[n-1]
	}
	return rollup.Result{
		Rows:  []rollup.Row{{Keys: []any{b.name}, Metrics: []any{int64(n)}}},
		Stats: rollup.BuildStats{Scanned: 3, Skipped: 1},
	}, nil
}

// fakeStore accepts any table unless its columns are marked missing.
type fakeStore struct {
	mu        sync.Mutex
	upserts   map[string]int
	truncated []string
	missing   map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{upserts: make(map[string]int), missing: make(map[string][]string)}
}

func (s *fakeStore) Upsert(ctx context.Context, t rollup.Table, rows []rollup.Row, updatedAt time.Time) (rollup.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts[t.Name]++
	return rollup.UpsertResult{Upserted: int64(len(rows))}, nil
}

func (s *fakeStore) Truncate(ctx context.Context, tables []rollup.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tables {
		s.truncated = append(s.truncated, t.Name)
	}
	return nil
}

func (s *fakeStore) Columns(ctx context.Context, table string) ([]string, error) {
	if cols, ok := s.missing[table]; ok {
		return cols, nil
	}
	return []string{"k", "v", "last_updated"}, nil
}

func (s *fakeStore) upsertCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts[table]
}

func builders(bs ...*fakeBuilder) []rollup.Builder {
	out := make([]rollup.Builder, len(bs))
	for i, b := range bs {
		out[i] = b
	}
	return out
}

func statuses(r *Report) []string {
	out := make([]string, len(r.Builders))
	for i, b := range r.Builders {
		out[i] = b.Status
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func seedEvents(t *testing.T) *storage.InMemoryEventStore {
	t.Helper()
	ctx := context.Background()
	events := storage.NewInMemoryEventStore()
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	_, err := events.InsertListens(ctx, []models.Listen{
		{Artist: "A", Song: "x", Genre: "Rock", UserID: "u1", State: "CA", City: "LA", Duration: 200, UserAgent: "iPhone", Timestamp: ts},
		{Artist: "A", Song: "x", Genre: "Rock", UserID: "u2", State: "CA", City: "LA", Duration: 180, UserAgent: "Windows", Timestamp: ts.AddDate(0, 1, 0)},
		{Artist: "B", Song: "y", Genre: "Jazz", UserID: "u3", State: "NY", City: "NYC", Duration: 240, UserAgent: "iPad", Timestamp: ts},
		{Artist: "B", Song: "y", Genre: "", UserID: "", State: "", Timestamp: ts},
	})
	if err != nil {
		t.Fatalf("InsertListens() error = %v", err)
	}
	_, err = events.InsertStatusChanges(ctx, []models.StatusChange{
		{Level: "paid", UserID: "u1", State: "CA", Timestamp: ts},
		{Level: "free", UserID: "u3", State: "NY", Timestamp: ts},
	})
	if err != nil {
		t.Fatalf("InsertStatusChanges() error = %v", err)
	}
	return events
}

func TestRun_EndToEndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	events := seedEvents(t)
	store := storage.NewInMemorySummaryStore(engagement)
	all := rollup.Builders(engagement)

	o := New(testConfig(), all, events, store, NewMemoryLock(), zap.NewNop(), nil)

	first, err := o.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if first.Failed() {
		t.Fatalf("first run failed: %v", first.Err())
	}
	if len(first.Builders) != len(all) {
		t.Fatalf("got %d builder reports, want %d", len(first.Builders), len(all))
	}

	snapshot := make(map[string][]rollup.Row)
	for _, tbl := range rollup.Tables(all) {
		snapshot[tbl.Name] = store.Rows(tbl.Name)
		if len(snapshot[tbl.Name]) == 0 {
			t.Errorf("table %s is empty after refresh", tbl.Name)
		}
	}

	second, err := o.Run(ctx, Options{})
	if err != nil || second.Failed() {
		t.Fatalf("second run: err=%v failed=%v", err, second.Failed())
	}
	if first.RunID == second.RunID {
		t.Error("run IDs should differ")
	}
	for name, before := range snapshot {
		after := store.Rows(name)
		if fmt.Sprint(before) != fmt.Sprint(after) {
			t.Errorf("table %s changed between identical runs:\n%v\n%v", name, before, after)
		}
	}

	// One event lacks user, state and genre.
	for _, br := range first.Builders {
		if br.Builder == "genre_by_region" && br.Skipped != 1 {
			t.Errorf("genre_by_region skipped = %d, want 1", br.Skipped)
		}
	}
}

func TestRun_ResetTruncatesSummaryTables(t *testing.T) {
	ctx := context.Background()
	events := seedEvents(t)
	store := storage.NewInMemorySummaryStore(engagement)
	genre := rollup.GenreByRegion{}.Table()

	store.Upsert(ctx, genre, []rollup.Row{{Keys: []any{"Northeast", "Polka"}, Metrics: []any{int64(99)}}}, time.Now())

	o := New(testConfig(), rollup.Builders(engagement), events, store, NewMemoryLock(), zap.NewNop(), nil)

	if _, err := o.Run(ctx, Options{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !hasGenreRow(store, genre.Name, "Polka") {
		t.Fatalf("stale row should survive a plain refresh, got %v", store.Rows(genre.Name))
	}

	report, err := o.Run(ctx, Options{Reset: true})
	if err != nil {
		t.Fatalf("Run(reset) error = %v", err)
	}
	if !report.Reset {
		t.Error("report.Reset = false")
	}
	if hasGenreRow(store, genre.Name, "Polka") {
		t.Errorf("stale row survived reset: %v", store.Rows(genre.Name))
	}
	if !hasGenreRow(store, genre.Name, "Jazz") {
		t.Errorf("Jazz row not rebuilt after reset: %v", store.Rows(genre.Name))
	}

	// Raw events are untouched.
	if listens, _, changes, _ := events.Counts(); listens != 4 || changes != 2 {
		t.Errorf("raw counts = %d/%d, want 4/2", listens, changes)
	}
}

func hasGenreRow(store *storage.InMemorySummaryStore, table, genre string) bool {
	for _, r := range store.Rows(table) {
		if len(r.Keys) == 2 && r.Keys[0] == "Northeast" && r.Keys[1] == genre {
			return true
		}
	}
	return false
}

func TestRun_FailurePolicy(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name   string
		policy string
		want   []string
	}{
		{
			name:   "continue runs the rest",
			policy: config.PolicyContinue,
			want:   []string{metrics.StatusSuccess, metrics.StatusFailed, metrics.StatusSuccess},
		},
		{
			name:   "stop skips the rest",
			policy: config.PolicyStop,
			want:   []string{metrics.StatusSuccess, metrics.StatusFailed, metrics.StatusSkipped},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Policy = tt.policy
			store := newFakeStore()
			a := &fakeBuilder{name: "a"}
			b := &fakeBuilder{name: "b", errs: []error{boom}}
			c := &fakeBuilder{name: "c"}

			o := New(cfg, builders(a, b, c), storage.NewInMemoryEventStore(), store, NewMemoryLock(), zap.NewNop(), nil)
			report, err := o.Run(context.Background(), Options{})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if got := statuses(report); !equalStrings(got, tt.want) {
				t.Errorf("statuses = %v, want %v", got, tt.want)
			}
			if !report.Failed() {
				t.Error("Failed() = false")
			}

			var be *BuilderError
			if !errors.As(report.Err(), &be) || be.Builder != "b" || !errors.Is(report.Err(), boom) {
				t.Errorf("Err() = %v, want BuilderError for b wrapping boom", report.Err())
			}
			if report.Builders[1].Attempts != 1 {
				t.Errorf("non-transient error attempts = %d, want 1", report.Builders[1].Attempts)
			}
			if store.upsertCount("summary_b") != 0 {
				t.Error("failed builder should not upsert")
			}
		})
	}
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	var resets atomic.Int32
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)

	b := &fakeBuilder{name: "flaky", errs: []error{
		fmt.Errorf("scan: %w", io.ErrUnexpectedEOF),
		fmt.Errorf("scan: %w", io.EOF),
	}}
	o := New(testConfig(), builders(b), storage.NewInMemoryEventStore(), newFakeStore(), NewMemoryLock(), zap.NewNop(), m).
		WithPoolReset(func() { resets.Add(1) })

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	br := report.Builders[0]
	if br.Status != metrics.StatusSuccess {
		t.Fatalf("status = %s, err = %v", br.Status, br.Err)
	}
	if br.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", br.Attempts)
	}
	if resets.Load() != 2 {
		t.Errorf("pool resets = %d, want 2", resets.Load())
	}
	if got := testutil.ToFloat64(m.RetryAttempts.WithLabelValues("flaky")); got != 2 {
		t.Errorf("retry metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RefreshRuns.WithLabelValues(metrics.StatusSuccess)); got != 1 {
		t.Errorf("refresh success metric = %v, want 1", got)
	}
}

func TestRun_TransientExhaustion(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)

	b := &fakeBuilder{name: "down", errs: []error{io.EOF, io.EOF, io.EOF}}
	o := New(testConfig(), builders(b), storage.NewInMemoryEventStore(), newFakeStore(), NewMemoryLock(), zap.NewNop(), m)

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	br := report.Builders[0]
	if br.Status != metrics.StatusFailed || br.Attempts != 3 {
		t.Errorf("report = %+v, want failed after 3 attempts", br)
	}
	if got := testutil.ToFloat64(m.BuilderFailures.WithLabelValues("down", "transient")); got != 1 {
		t.Errorf("failure metric = %v, want 1", got)
	}
}

func TestRun_Locked(t *testing.T) {
	ctx := context.Background()
	lock := NewMemoryLock()
	lease, err := lock.Acquire(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	store := newFakeStore()
	a := &fakeBuilder{name: "a"}
	o := New(testConfig(), builders(a), storage.NewInMemoryEventStore(), store, lock, zap.NewNop(), nil)

	report, err := o.Run(ctx, Options{})
	if !errors.Is(err, ErrLocked) || report != nil {
		t.Fatalf("Run() = %v, %v; want nil, ErrLocked", report, err)
	}
	if a.calls.Load() != 0 {
		t.Error("builder ran while locked")
	}

	lease.Release(ctx)
	if _, err := o.Run(ctx, Options{}); err != nil {
		t.Errorf("Run() after release error = %v", err)
	}
}

func TestRun_SchemaPreflightAbortsBeforeWrites(t *testing.T) {
	store := newFakeStore()
	store.missing["summary_b"] = []string{"k", "last_updated"}
	a := &fakeBuilder{name: "a"}
	b := &fakeBuilder{name: "b"}

	o := New(testConfig(), builders(a, b), storage.NewInMemoryEventStore(), store, NewMemoryLock(), zap.NewNop(), nil)
	report, err := o.Run(context.Background(), Options{Reset: true})

	var schemaErr *rollup.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("error = %v, want SchemaError", err)
	}
	if report != nil {
		t.Error("report should be nil")
	}
	if schemaErr.Table != "summary_b" || len(schemaErr.Missing) != 1 || schemaErr.Missing[0] != "v" {
		t.Errorf("schema error = %+v", schemaErr)
	}
	if a.calls.Load() != 0 || len(store.truncated) != 0 {
		t.Error("nothing should run or truncate after a failed preflight")
	}
}

func TestRun_OnCompleteHooks(t *testing.T) {
	var got *Report
	o := New(testConfig(), builders(&fakeBuilder{name: "a"}), storage.NewInMemoryEventStore(), newFakeStore(), NewMemoryLock(), zap.NewNop(), nil)
	o.OnComplete(func(ctx context.Context, r *Report) { got = r })

	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != report {
		t.Error("hook did not receive the run report")
	}
}

func TestRun_Parallel(t *testing.T) {
	t.Run("all succeed", func(t *testing.T) {
		cfg := testConfig()
		cfg.Parallel = true
		store := newFakeStore()
		bs := []*fakeBuilder{{name: "a"}, {name: "b"}, {name: "c"}, {name: "d"}}

		o := New(cfg, builders(bs...), storage.NewInMemoryEventStore(), store, NewMemoryLock(), zap.NewNop(), nil)
		report, err := o.Run(context.Background(), Options{})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if report.Failed() {
			t.Fatalf("parallel run failed: %v", report.Err())
		}
		for i, b := range bs {
			if report.Builders[i].Builder != b.name {
				t.Errorf("report[%d] = %s, want %s", i, report.Builders[i].Builder, b.name)
			}
			if store.upsertCount("summary_"+b.name) != 1 {
				t.Errorf("%s upserted %d times", b.name, store.upsertCount("summary_"+b.name))
			}
		}
	})

	t.Run("continue keeps independent builders", func(t *testing.T) {
		cfg := testConfig()
		cfg.Parallel = true
		bs := []*fakeBuilder{{name: "a"}, {name: "b", errs: []error{errors.New("bad")}}, {name: "c"}}

		o := New(cfg, builders(bs...), storage.NewInMemoryEventStore(), newFakeStore(), NewMemoryLock(), zap.NewNop(), nil)
		report, _ := o.Run(context.Background(), Options{})
		want := []string{metrics.StatusSuccess, metrics.StatusFailed, metrics.StatusSuccess}
		if got := statuses(report); !equalStrings(got, want) {
			t.Errorf("statuses = %v, want %v", got, want)
		}
	})
}

func TestMemoryLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lock := NewMemoryLock()
	lock.now = func() time.Time { return now }

	lease, err := lock.Acquire(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := lock.Acquire(ctx, time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("second Acquire() error = %v, want ErrLocked", err)
	}

	// Extending before expiry keeps the lock past the original TTL.
	now = now.Add(50 * time.Second)
	if err := lease.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	now = now.Add(50 * time.Second)
	if _, err := lock.Acquire(ctx, time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("Acquire() after extend error = %v, want ErrLocked", err)
	}

	// An expired lock can be taken over, and the stale lease is dead.
	now = now.Add(2 * time.Minute)
	lease2, err := lock.Acquire(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	if err := lease.Extend(ctx, time.Minute); !errors.Is(err, ErrLockLost) {
		t.Errorf("stale Extend() error = %v, want ErrLockLost", err)
	}
	lease.Release(ctx)
	if _, err := lock.Acquire(ctx, time.Minute); !errors.Is(err, ErrLocked) {
		t.Error("stale release freed the new holder's lock")
	}

	lease2.Release(ctx)
	if _, err := lock.Acquire(ctx, time.Minute); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

// blockingBuilder signals when it starts and waits for done.
type blockingBuilder struct {
	name    string
	started chan struct{}
	done    chan struct{}
}

func (b *blockingBuilder) Name() string { return b.name }

func (b *blockingBuilder) Table() rollup.Table {
	return rollup.Table{Name: "summary_" + b.name, KeyColumns: []string{"k"}, MetricColumns: []string{"v"}}
}

func (b *blockingBuilder) Build(ctx context.Context, src rollup.EventSource) (rollup.Result, error) {
	close(b.started)
	select {
	case <-b.done:
	case <-ctx.Done():
		return rollup.Result{}, ctx.Err()
	}
	return rollup.Result{Rows: []rollup.Row{{Keys: []any{b.name}, Metrics: []any{int64(1)}}}}, nil
}

func TestRun_LockRenewedWhileRunning(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.LockTTL = 50 * time.Millisecond

	lock := NewMemoryLock()
	slow := &blockingBuilder{name: "slow", started: make(chan struct{}), done: make(chan struct{})}
	o := New(cfg, []rollup.Builder{slow}, storage.NewInMemoryEventStore(), newFakeStore(), lock, zap.NewNop(), nil)

	type result struct {
		report *Report
		err    error
	}
	first := make(chan result, 1)
	go func() {
		r, err := o.Run(ctx, Options{})
		first <- result{r, err}
	}()
	<-slow.started

	// Well past the TTL the first run still holds the lock.
	time.Sleep(3 * cfg.LockTTL)
	other := New(cfg, builders(&fakeBuilder{name: "a"}), storage.NewInMemoryEventStore(), newFakeStore(), lock, zap.NewNop(), nil)
	if _, err := other.Run(ctx, Options{Reset: true}); !errors.Is(err, ErrLocked) {
		t.Errorf("concurrent Run() error = %v, want ErrLocked", err)
	}

	close(slow.done)
	res := <-first
	if res.err != nil || res.report.Failed() {
		t.Fatalf("first Run() = %+v, %v", res.report, res.err)
	}

	// Released on return.
	if _, err := other.Run(ctx, Options{}); err != nil {
		t.Errorf("Run() after first finished error = %v", err)
	}
}

// lostLease reports the lock as lost on every extension.
type lostLease struct{ released atomic.Bool }

func (l *lostLease) Extend(context.Context, time.Duration) error { return ErrLockLost }
func (l *lostLease) Release(context.Context) error {
	l.released.Store(true)
	return nil
}

type lostLock struct{ lease *lostLease }

func (l lostLock) Acquire(context.Context, time.Duration) (Lease, error) { return l.lease, nil }

func TestRun_LockLostCancelsRun(t *testing.T) {
	cfg := testConfig()
	cfg.LockTTL = 30 * time.Millisecond
	lease := &lostLease{}
	slow := &blockingBuilder{name: "slow", started: make(chan struct{}), done: make(chan struct{})}
	defer close(slow.done)

	o := New(cfg, []rollup.Builder{slow}, storage.NewInMemoryEventStore(), newFakeStore(), lostLock{lease}, zap.NewNop(), nil)
	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Builders[0].Status != metrics.StatusFailed {
		t.Errorf("status = %s, want failed", report.Builders[0].Status)
	}
	if !lease.released.Load() {
		t.Error("lease not released")
	}
}
