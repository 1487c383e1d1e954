// Package places manages the location-centric dashboard data: favorite
// locations, marked locations, announcements and the cached weather payload.
package places

import (
	"context"
	"log/slog"
	"sync"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/jonboulle/clockwork"
)

// localPrefix marks ids of records kept only in the fallback store.
const localPrefix = "local-"

// Announcer fans an announcement out to every user.
type Announcer interface {
	BroadcastAnnouncement(ctx context.Context, title, content string) (int, error)
}

// Service is safe for concurrent use.
type Service struct {
	tables    backend.Tables
	realtime  backend.Realtime
	shadow    *fallback.Shadow
	announcer Announcer
	clock     clockwork.Clock
	logger    *slog.Logger

	// mu serializes read-modify-write cycles on fallback store lists.
	mu sync.Mutex
}

// New creates a Service. announcer may be nil, in which case announcements
// are stored without notifying users.
func New(tables backend.Tables, rt backend.Realtime, shadow *fallback.Shadow, announcer Announcer, clock clockwork.Clock, logger *slog.Logger) *Service {
	if tables == nil || rt == nil || shadow == nil {
		panic("places: nil dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tables:    tables,
		realtime:  rt,
		shadow:    shadow,
		announcer: announcer,
		clock:     domain.NewClock(clock),
		logger:    logger,
	}
}

// update rewrites the list stored at key. Callers hold s.mu.
func update[T any](ctx context.Context, s *Service, key string, fn func([]T) []T) ([]T, error) {
	list, _, err := fallback.Load[[]T](ctx, s.shadow.Store(), key)
	if err != nil {
		s.logger.Warn("discarding unreadable fallback list", "key", key, "error", err)
		list = nil
	}
	list = fn(list)
	if err := fallback.Save(ctx, s.shadow.Store(), key, list); err != nil {
		return nil, err
	}
	return list, nil
}
