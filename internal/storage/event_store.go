package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/sunflower-analytics/ziplisten/internal/models"
)

// InMemoryEventStore provides in-memory storage for raw events.
type InMemoryEventStore struct {
	mu        sync.RWMutex
	listens   []models.Listen
	auths     []models.AuthEvent
	changes   []models.StatusChange
	pageViews []models.PageView
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{}
}

// =============================================
// Reads
// =============================================

// ScanListens calls fn on a snapshot of the stored listens.
func (s *InMemoryEventStore) ScanListens(ctx context.Context, fn func(models.Listen) error) error {
	s.mu.RLock()
	snapshot := append([]models.Listen(nil), s.listens...)
	s.mu.RUnlock()

	for _, l := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

// ScanStatusChanges calls fn on a snapshot of the stored status changes.
func (s *InMemoryEventStore) ScanStatusChanges(ctx context.Context, fn func(models.StatusChange) error) error {
	s.mu.RLock()
	snapshot := append([]models.StatusChange(nil), s.changes...)
	s.mu.RUnlock()

	for _, sc := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(sc); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns how many events of each kind are stored.
func (s *InMemoryEventStore) Counts() (listens, auths, changes, pageViews int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listens), len(s.auths), len(s.changes), len(s.pageViews)
}

// =============================================
// Writes
// =============================================

func (s *InMemoryEventStore) InsertListens(ctx context.Context, events []models.Listen) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listens = append(s.listens, events...)
	return int64(len(events)), nil
}

func (s *InMemoryEventStore) InsertAuthEvents(ctx context.Context, events []models.AuthEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auths = append(s.auths, events...)
	return int64(len(events)), nil
}

func (s *InMemoryEventStore) InsertStatusChanges(ctx context.Context, events []models.StatusChange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, events...)
	return int64(len(events)), nil
}

func (s *InMemoryEventStore) InsertPageViews(ctx context.Context, events []models.PageView) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageViews = append(s.pageViews, events...)
	return int64(len(events)), nil
}

// =============================================
// Genres
// =============================================

func (s *InMemoryEventStore) ArtistsWithoutGenre(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var artists []string
	for _, l := range s.listens {
		if l.Artist != "" && l.Genre == "" && !seen[l.Artist] {
			seen[l.Artist] = true
			artists = append(artists, l.Artist)
		}
	}
	sort.Strings(artists)
	if limit > 0 && len(artists) > limit {
		artists = artists[:limit]
	}
	return artists, nil
}

func (s *InMemoryEventStore) SetGenre(ctx context.Context, artist, genre string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := range s.listens {
		if s.listens[i].Artist == artist && s.listens[i].Genre == "" {
			s.listens[i].Genre = genre
			n++
		}
	}
	return n, nil
}
