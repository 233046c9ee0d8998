// Package enrich fills in missing listen genres from MusicBrainz artist tags.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"github.com/sunflower-analytics/ziplisten/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

// ErrNotFound means the artist has no match or no positively voted tag.
var ErrNotFound = errors.New("no genre found")

// StatusError is an unexpected HTTP status from the API.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("musicbrainz returned status %d", e.Code)
}

// Lookup results recorded in metrics.
const (
	resultFound    = "found"
	resultNotFound = "not_found"
	resultCached   = "cached"
	resultError    = "error"
)

type searchResponse struct {
	Artists []struct {
		Name string `json:"name"`
		Tags []tag  `json:"tags"`
	} `json:"artists"`
}

type tag struct {
	Count int    `json:"count"`
	Name  string `json:"name"`
}

// Client looks up an artist's dominant genre tag. Lookups are rate limited,
// guarded by a circuit breaker and cached for the life of the client.
type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[string]
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	cache map[string]string // "" caches a miss
}

// NewClient creates a MusicBrainz client. m may be nil.
func NewClient(cfg config.EnrichConfig, logger *zap.Logger, m *metrics.Metrics) *Client {
	logger = logger.With(zap.String("component", "musicbrainz"))

	c := &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		logger:    logger,
		metrics:   m,
		cache:     make(map[string]string),
	}

	c.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "musicbrainz",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Genre returns the title-cased name of the artist's highest-voted tag.
func (c *Client) Genre(ctx context.Context, artist string) (string, error) {
	c.mu.Lock()
	genre, ok := c.cache[artist]
	c.mu.Unlock()
	if ok {
		c.record(resultCached)
		if genre == "" {
			return "", ErrNotFound
		}
		return genre, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	genre, err := c.breaker.Execute(func() (string, error) {
		return c.search(ctx, artist)
	})
	switch {
	case err == nil:
		c.record(resultFound)
	case errors.Is(err, ErrNotFound):
		c.record(resultNotFound)
	default:
		c.record(resultError)
		return "", err
	}

	c.mu.Lock()
	c.cache[artist] = genre
	c.mu.Unlock()

	if genre == "" {
		return "", ErrNotFound
	}
	return genre, nil
}

func (c *Client) search(ctx context.Context, artist string) (string, error) {
	q := url.Values{}
	q.Set("query", artist)
	q.Set("fmt", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ws/2/artist/?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query musicbrainz: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &StatusError{Code: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return "", ErrNotFound
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode musicbrainz response: %w", err)
	}
	if len(body.Artists) == 0 {
		return "", ErrNotFound
	}

	best, ok := topTag(body.Artists[0].Tags)
	if !ok {
		return "", ErrNotFound
	}
	return cases.Title(language.English).String(best.Name), nil
}

// topTag picks the tag with the highest positive count; the first one wins
// a tie.
func topTag(tags []tag) (tag, bool) {
	var best tag
	found := false
	for _, t := range tags {
		if t.Count <= 0 || strings.TrimSpace(t.Name) == "" {
			continue
		}
		if !found || t.Count > best.Count {
			best, found = t, true
		}
	}
	return best, found
}

func (c *Client) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordEnrichLookup(result)
	}
}
