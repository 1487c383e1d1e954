// Package preferences stores per-user notification preferences, which gate
// popups and email delivery.
package preferences

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/jonboulle/clockwork"
)

// Sender stores a notification record.
type Sender interface {
	Send(ctx context.Context, d domain.NotificationDraft) (domain.Notification, error)
}

type Service struct {
	tables backend.Tables
	shadow *fallback.Shadow
	sender Sender
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(tables backend.Tables, shadow *fallback.Shadow, sender Sender, clock clockwork.Clock, logger *slog.Logger) *Service {
	if tables == nil || shadow == nil || sender == nil {
		panic("preferences: nil dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tables: tables, shadow: shadow, sender: sender, clock: domain.NewClock(clock), logger: logger}
}

// Get returns the user's preferences, creating the default row on first
// access. When the backend is unreachable the shadow copy is used, or the
// defaults if there is none.
func (s *Service) Get(ctx context.Context, userID string) (fallback.Result[domain.NotificationPreferences], error) {
	if userID == "" {
		return fallback.Result[domain.NotificationPreferences]{}, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	res, err := fallback.ReadThrough(ctx, s.shadow, fallback.PreferencesKey(userID), func(ctx context.Context) (domain.NotificationPreferences, error) {
		rows, err := backend.SelectInto[domain.NotificationPreferences](ctx, s.tables, backend.Query{
			Table:   backend.TablePreferences,
			Filters: []backend.Filter{backend.Eq("user_id", userID)},
			Limit:   1,
		})
		if err != nil {
			return domain.NotificationPreferences{}, err
		}
		if len(rows) > 0 {
			return rows[0], nil
		}
		defaults := domain.DefaultPreferences(userID)
		if _, err := s.tables.Upsert(ctx, backend.TablePreferences, defaults.Row(s.clock.Now()), "user_id"); err != nil {
			s.logger.Warn("create default preferences failed", "user_id", userID, "error", err)
		}
		return defaults, nil
	})
	if err != nil {
		return res, err
	}
	if res.Value.UserID == "" {
		res.Value = domain.DefaultPreferences(userID)
	}
	return res, nil
}

// Save upserts the user's preferences. The shadow copy is updated even when
// the backend is unreachable, in which case Degraded is set.
func (s *Service) Save(ctx context.Context, userID string, p domain.NotificationPreferences) (fallback.Result[domain.NotificationPreferences], error) {
	if userID == "" {
		return fallback.Result[domain.NotificationPreferences]{}, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if err := domain.AsValidationError(domain.Validator().Struct(p.QuietHours)); err != nil {
		return fallback.Result[domain.NotificationPreferences]{}, err
	}
	p.UserID = userID
	p.UpdatedAt = s.clock.Now().UTC()

	res := fallback.Result[domain.NotificationPreferences]{Value: p}
	raw, err := s.tables.Upsert(ctx, backend.TablePreferences, p.Row(p.UpdatedAt), "user_id")
	switch {
	case domain.IsUnavailable(err):
		s.logger.Warn("save preferences failed, keeping local copy", "user_id", userID, "error", err)
		res.Degraded = true
	case err != nil:
		return fallback.Result[domain.NotificationPreferences]{}, fmt.Errorf("save preferences: %w", err)
	default:
		stored, err := backend.DecodeRow[domain.NotificationPreferences](raw)
		if err != nil {
			return fallback.Result[domain.NotificationPreferences]{}, err
		}
		res.Value = stored
	}
	s.shadow.Write(ctx, fallback.PreferencesKey(userID), res.Value)
	return res, nil
}

// SendTest stores a system notification so the user can check delivery.
func (s *Service) SendTest(ctx context.Context, userID string) (domain.Notification, error) {
	return s.sender.Send(ctx, domain.NotificationDraft{
		To:      domain.UserAddressee(userID),
		Title:   "🔔 Test Notification",
		Message: "This is a test notification to verify your settings",
		Type:    domain.NotificationSystem,
	})
}
