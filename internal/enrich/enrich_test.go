package enrich

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"github.com/sunflower-analytics/ziplisten/internal/database"
	"github.com/sunflower-analytics/ziplisten/internal/metrics"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

// fakeMusicBrainz answers artist searches from a fixed table.
func fakeMusicBrainz(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	responses := map[string]string{
		"Drake":     `{"artists":[{"name":"Drake","tags":[{"count":2,"name":"rap"},{"count":7,"name":"hip hop"},{"count":-3,"name":"pop"}]}]}`,
		"Nobody":    `{"artists":[]}`,
		"Untagged":  `{"artists":[{"name":"Untagged","tags":[{"count":0,"name":"rock"}]}]}`,
		"Tied Band": `{"artists":[{"name":"Tied Band","tags":[{"count":3,"name":"indie rock"},{"count":3,"name":"shoegaze"}]}]}`,
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/ws/2/artist/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("fmt") != "json" || q.Get("limit") != "1" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		if r.Header.Get("User-Agent") != "ziplisten-test/1.0" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}

		artist := q.Get("query")
		if artist == "Broken" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, ok := responses[artist]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func testConfig(baseURL string) config.EnrichConfig {
	return config.EnrichConfig{
		BaseURL:       baseURL,
		UserAgent:     "ziplisten-test/1.0",
		RPS:           1000,
		Timeout:       time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}
}

func TestClient_Genre(t *testing.T) {
	var calls atomic.Int32
	srv := fakeMusicBrainz(t, &calls)
	defer srv.Close()

	m := metrics.New("test", prometheus.NewRegistry())
	c := NewClient(testConfig(srv.URL), zap.NewNop(), m)
	ctx := context.Background()

	tests := []struct {
		artist  string
		want    string
		wantErr error
	}{
		{"Drake", "Hip Hop", nil},
		{"Tied Band", "Indie Rock", nil},
		{"Nobody", "", ErrNotFound},
		{"Untagged", "", ErrNotFound},
		{"Missing", "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.artist, func(t *testing.T) {
			got, err := c.Genre(ctx, tt.artist)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Genre(%q) error = %v, want %v", tt.artist, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Genre(%q) = %q, want %q", tt.artist, got, tt.want)
			}
		})
	}

	t.Run("server error is not cached", func(t *testing.T) {
		_, err := c.Genre(ctx, "Broken")
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
			t.Fatalf("Genre(Broken) error = %v, want StatusError 503", err)
		}
		before := calls.Load()
		_, _ = c.Genre(ctx, "Broken")
		if calls.Load() != before+1 {
			t.Error("failed lookup was served from cache")
		}
	})

	t.Run("hits and misses are cached", func(t *testing.T) {
		before := calls.Load()
		if g, _ := c.Genre(ctx, "Drake"); g != "Hip Hop" {
			t.Errorf("cached Genre(Drake) = %q", g)
		}
		if _, err := c.Genre(ctx, "Nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("cached Genre(Nobody) error = %v", err)
		}
		if calls.Load() != before {
			t.Errorf("made %d extra requests", calls.Load()-before)
		}
	})

	if got := testutil.ToFloat64(m.EnrichLookups.WithLabelValues(resultFound)); got != 2 {
		t.Errorf("found lookups = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EnrichLookups.WithLabelValues(resultCached)); got != 2 {
		t.Errorf("cached lookups = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EnrichLookups.WithLabelValues(resultError)); got != 2 {
		t.Errorf("error lookups = %v, want 2", got)
	}
}

func TestClient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), zap.NewNop(), nil)
	for i := 0; i < 8; i++ {
		_, _ = c.Genre(context.Background(), "Artist")
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("server saw %d requests, want 5 before the breaker opened", got)
	}
}

func TestTopTag(t *testing.T) {
	tests := []struct {
		name   string
		tags   []tag
		want   string
		wantOK bool
	}{
		{"empty", nil, "", false},
		{"only negative", []tag{{-1, "pop"}}, "", false},
		{"highest wins", []tag{{1, "a"}, {5, "b"}, {3, "c"}}, "b", true},
		{"first of tie", []tag{{4, "x"}, {4, "y"}}, "x", true},
		{"blank name skipped", []tag{{9, " "}, {1, "folk"}}, "folk", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := topTag(tt.tags)
			if ok != tt.wantOK || got.Name != tt.want {
				t.Errorf("topTag() = %q, %v; want %q, %v", got.Name, ok, tt.want, tt.wantOK)
			}
		})
	}
}

type mapLookup map[string]string

func (m mapLookup) Genre(ctx context.Context, artist string) (string, error) {
	if artist == "Flaky" {
		return "", errors.New("connection reset")
	}
	if g, ok := m[artist]; ok {
		return g, nil
	}
	return "", ErrNotFound
}

func TestEnricher_Run(t *testing.T) {
	store := storage.NewInMemoryEventStore()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, _ = store.InsertListens(context.Background(), []models.Listen{
		{Artist: "Drake", Song: "a", UserID: "u1", Timestamp: now},
		{Artist: "Drake", Song: "b", UserID: "u2", Timestamp: now},
		{Artist: "Adele", Song: "c", UserID: "u1", Genre: "Pop", Timestamp: now},
		{Artist: "Nobody", Song: "d", UserID: "u3", Timestamp: now},
		{Artist: "Flaky", Song: "e", UserID: "u3", Timestamp: now},
	})

	lookup := mapLookup{"Drake": "Hip Hop", "Adele": "Soul"}
	policy := database.RetryPolicy{Attempts: 2, Delay: time.Millisecond}
	e := NewEnricher(store, lookup, policy, 0, zap.NewNop())

	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Artists != 3 || sum.Updated != 1 || sum.NotFound != 1 || sum.Failed != 1 || sum.Rows != 2 {
		t.Errorf("summary = %+v", sum)
	}

	genres := map[string]string{}
	_ = store.ScanListens(context.Background(), func(l models.Listen) error {
		genres[l.Song] = l.Genre
		return nil
	})
	want := map[string]string{"a": "Hip Hop", "b": "Hip Hop", "c": "Pop", "d": "", "e": ""}
	for song, g := range want {
		if genres[song] != g {
			t.Errorf("song %s genre = %q, want %q", song, genres[song], g)
		}
	}

	remaining, _ := store.ArtistsWithoutGenre(context.Background(), 0)
	if len(remaining) != 2 {
		t.Errorf("remaining artists = %v, want Flaky and Nobody", remaining)
	}
}

type flakyGenreStore struct {
	storage.GenreStore
	failures int
	sets     int
}

func (f *flakyGenreStore) SetGenre(ctx context.Context, artist, genre string) (int64, error) {
	f.sets++
	if f.failures > 0 {
		f.failures--
		return 0, context.DeadlineExceeded
	}
	return f.GenreStore.SetGenre(ctx, artist, genre)
}

func TestEnricher_RetriesTransientUpdate(t *testing.T) {
	mem := storage.NewInMemoryEventStore()
	_, _ = mem.InsertListens(context.Background(), []models.Listen{
		{Artist: "Drake", Song: "a", UserID: "u1", Timestamp: time.Now()},
	})
	store := &flakyGenreStore{GenreStore: mem, failures: 1}

	e := NewEnricher(store, mapLookup{"Drake": "Hip Hop"}, database.RetryPolicy{Attempts: 3, Delay: time.Millisecond}, 0, zap.NewNop())
	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Updated != 1 || store.sets != 2 {
		t.Errorf("updated = %d after %d attempts, want 1 after 2", sum.Updated, store.sets)
	}
}
