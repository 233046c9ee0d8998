package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"github.com/sunflower-analytics/ziplisten/internal/metrics"
	"github.com/sunflower-analytics/ziplisten/internal/middleware"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/region"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultEngagementLimit = 100
	maxEngagementLimit     = 1000
	healthTimeout          = 2 * time.Second

	defaultRisingWindow = 7 * 24 * time.Hour
	maxRisingWindow     = 365 * 24 * time.Hour
	defaultRisingLimit  = 10
	maxRisingLimit      = 1000
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Reader storage.SummaryReader
	// Events backs /api/artists/rising, which is only registered when set.
	Events  rollup.EventSource
	DB      HealthChecker
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// RateLimiter is optional; when nil one is built from Config.
	RateLimiter *middleware.RateLimitMiddleware
}

// Server serves the summary tables over HTTP.
type Server struct {
	reader  storage.SummaryReader
	events  rollup.EventSource
	db      HealthChecker
	logger  *zap.Logger
	config  *config.Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		reader:  deps.Reader,
		events:  deps.Events,
		db:      deps.DB,
		logger:  deps.Logger.With(zap.String("component", "api")),
		config:  deps.Config,
		metrics: deps.Metrics,
		now:     time.Now,
	}
	cfg := deps.Config

	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimitMiddleware(cfg.RateLimit, s.logger, deps.Metrics)
	}

	r := chi.NewRouter()
	r.Use(
		middleware.NewRecoveryMiddleware(s.logger).Handler,
		middleware.NewLoggingMiddleware(s.logger, deps.Metrics).Handler,
		cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", middleware.AuthHeaderName},
			MaxAge:         300,
		}),
		limiter.Handler,
		middleware.NewAuthMiddleware(cfg.Auth, s.logger).Handler,
	)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	r.Get("/health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		r.Handle(cfg.Metrics.Path, deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/genres/by-region", s.handleGenresByRegion)
		r.Get("/subscribers/by-region", s.handleSubscribersByRegion)
		r.Get("/artists/top", s.handleTopArtists)
		if s.events != nil {
			r.Get("/artists/rising", s.handleRisingArtists)
		}
		r.Get("/content/engagement", s.handleContentEngagement)
		r.Get("/retention", s.handleRetention)
		r.Get("/cities/growth", s.handleCityGrowth)
		r.Get("/platforms/usage", s.handlePlatformUsage)
		r.Get("/dashboard/summary", s.handleDashboardSummary)
	})

	return r
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.db.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// ---- Summaries ----

func (s *Server) handleGenresByRegion(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.regionParam(w, r, "region")
	if !ok {
		return
	}
	rows, err := s.reader.GenresByRegion(r.Context(), reg)
	respond(s, w, r, rows, err)
}

func (s *Server) handleSubscribersByRegion(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.regionParam(w, r, "region_name")
	if !ok {
		return
	}
	level := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("level")))
	if level != "" && !models.ValidLevel(level) {
		s.errorResponse(w, "level must be free or paid", http.StatusBadRequest)
		return
	}
	rows, err := s.reader.SubscribersByRegion(r.Context(), reg, level)
	respond(s, w, r, rows, err)
}

func (s *Server) handleTopArtists(w http.ResponseWriter, r *http.Request) {
	state := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state")))
	rows, err := s.reader.TopArtists(r.Context(), state)
	respond(s, w, r, rows, err)
}

// handleRisingArtists ranks artists by play growth between the window ending
// at `at` (default now) and the window before it. It scans raw listens.
func (s *Server) handleRisingArtists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	window := defaultRisingWindow
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxRisingWindow {
			s.errorResponse(w, "window must be a positive duration of at most "+maxRisingWindow.String(), http.StatusBadRequest)
			return
		}
		window = d
	}

	limit := defaultRisingLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRisingLimit {
			s.errorResponse(w, "limit must be between 1 and "+strconv.Itoa(maxRisingLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	at := s.now().UTC()
	if v := q.Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, "at must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		at = t.UTC()
	}

	current, previous, err := rollup.WindowCounts(r.Context(), s.events, at, window)
	if err != nil {
		s.readError(w, r, err)
		return
	}
	ranked := rollup.RankGrowth(current, previous)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	respond(s, w, r, ranked, nil)
}

func (s *Server) handleContentEngagement(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.regionParam(w, r, "region")
	if !ok {
		return
	}

	limit := defaultEngagementLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEngagementLimit {
			s.errorResponse(w, "limit must be between 1 and "+strconv.Itoa(maxEngagementLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := s.reader.ContentEngagement(r.Context(), reg, limit)
	respond(s, w, r, rows, err)
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	cohort, err := cohortMonthParam(r.URL.Query().Get("cohort_month"))
	if err != nil {
		s.errorResponse(w, "cohort_month must be YYYY-MM or YYYY-MM-01", http.StatusBadRequest)
		return
	}
	rows, err := s.reader.Retention(r.Context(), cohort)
	respond(s, w, r, rows, err)
}

func (s *Server) handleCityGrowth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := strings.ToUpper(strings.TrimSpace(q.Get("state")))
	city := strings.TrimSpace(q.Get("city"))
	rows, err := s.reader.CityGrowth(r.Context(), state, city)
	respond(s, w, r, rows, err)
}

func (s *Server) handlePlatformUsage(w http.ResponseWriter, r *http.Request) {
	device := region.Device(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("device_type"))))
	if device != "" && !device.Valid() {
		s.errorResponse(w, "device_type must be tablet, mobile, desktop or unknown", http.StatusBadRequest)
		return
	}
	reg, ok := s.regionParam(w, r, "region")
	if !ok {
		return
	}
	rows, err := s.reader.PlatformUsage(r.Context(), string(device), reg)
	respond(s, w, r, rows, err)
}

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reader.DashboardSummary(r.Context())
	if err != nil {
		s.readError(w, r, err)
		return
	}
	s.jsonResponse(w, summary)
}

// ---- Helper Methods ----

// regionParam reads an optional region filter. Unknown names are rejected
// with 400 and ok=false.
func (s *Server) regionParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", true
	}
	for _, reg := range region.All() {
		if strings.EqualFold(v, string(reg)) {
			return string(reg), true
		}
	}
	s.errorResponse(w, "unknown "+name+" "+strconv.Quote(v), http.StatusBadRequest)
	return "", false
}

// cohortMonthParam normalizes "2024-01" and "2024-01-01" to the stored
// first-of-month form.
func cohortMonthParam(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	for _, layout := range []string{rollup.CohortMonthLayout, "2006-01"} {
		if t, err := time.Parse(layout, v); err == nil {
			if t.Day() != 1 {
				return "", errors.New("cohort month must start on day 1")
			}
			return t.Format(rollup.CohortMonthLayout), nil
		}
	}
	return "", errors.New("invalid cohort month")
}

// respond writes rows as a JSON array, never null.
func respond[T any](s *Server, w http.ResponseWriter, r *http.Request, rows []T, err error) {
	if err != nil {
		s.readError(w, r, err)
		return
	}
	if rows == nil {
		rows = []T{}
	}
	s.jsonResponse(w, rows)
}

func (s *Server) readError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrFilterUnavailable):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		s.logger.Error("summary read failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.errorResponse(w, "failed to read summary", http.StatusInternalServerError)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
