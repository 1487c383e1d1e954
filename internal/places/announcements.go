package places

import (
	"context"
	"fmt"
	"strings"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
)

// DefaultAnnouncementLimit is the number of announcements a dashboard shows.
const DefaultAnnouncementLimit = 5

// Announcements returns the newest announcements. limit <= 0 uses
// DefaultAnnouncementLimit.
func (s *Service) Announcements(ctx context.Context, limit int) (fallback.Result[[]domain.Announcement], error) {
	if limit <= 0 {
		limit = DefaultAnnouncementLimit
	}
	return fallback.ReadThrough(ctx, s.shadow, fallback.KeyAnnouncements, func(ctx context.Context) ([]domain.Announcement, error) {
		return backend.SelectInto[domain.Announcement](ctx, s.tables, backend.Query{
			Table:   backend.TableAnnouncements,
			OrderBy: "created_at",
			Desc:    true,
			Limit:   limit,
		})
	})
}

// CreateAnnouncement stores an announcement and notifies every user. It
// returns how many users were notified; a failed broadcast is logged and does
// not undo the announcement.
func (s *Service) CreateAnnouncement(ctx context.Context, a domain.Announcement) (domain.Announcement, int, error) {
	a.Title = strings.TrimSpace(a.Title)
	a.Content = strings.TrimSpace(a.Content)
	if a.Type == "" {
		a.Type = domain.AnnouncementInfo
	}
	if err := domain.AsValidationError(domain.Validator().Struct(a)); err != nil {
		return domain.Announcement{}, 0, err
	}

	stored, err := backend.InsertOne[domain.Announcement](ctx, s.tables, backend.TableAnnouncements, backend.Row{
		"title":      a.Title,
		"content":    a.Content,
		"type":       a.Type,
		"created_at": s.clock.Now().UTC(),
	})
	if err != nil {
		return domain.Announcement{}, 0, fmt.Errorf("create announcement: %w", err)
	}

	sent := 0
	if s.announcer != nil {
		sent, err = s.announcer.BroadcastAnnouncement(ctx, stored.Title, stored.Content)
		if err != nil {
			s.logger.Warn("announcement broadcast incomplete", "announcement_id", stored.ID, "sent", sent, "error", err)
		}
	}
	s.logger.Info("announcement created", "announcement_id", stored.ID, "type", stored.Type, "recipients", sent)
	return stored, sent, nil
}

// DeleteAnnouncement removes an announcement.
func (s *Service) DeleteAnnouncement(ctx context.Context, id string) error {
	n, err := s.tables.Delete(ctx, backend.TableAnnouncements, backend.Eq("id", id))
	if err != nil {
		return fmt.Errorf("delete announcement %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("announcement %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// SubscribeAnnouncements refetches the announcement list whenever one is
// created or deleted and passes it to fn. The returned func unsubscribes.
func (s *Service) SubscribeAnnouncements(ctx context.Context, limit int, fn func(fallback.Result[[]domain.Announcement])) (func(), error) {
	h, err := s.realtime.Subscribe(ctx, backend.Subscription{
		Table:  backend.TableAnnouncements,
		Events: []domain.ChangeType{domain.ChangeInsert, domain.ChangeDelete},
	}, func(ctx context.Context, _ domain.ChangeEvent) {
		res, err := s.Announcements(ctx, limit)
		if err != nil {
			s.logger.Warn("announcement refetch failed", "error", err)
			return
		}
		fn(res)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe announcements: %w", err)
	}
	return func() { s.realtime.Unsubscribe(h) }, nil
}
