package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/jonboulle/clockwork"
)

const (
	broadcastBatchSize = 50
	readRetention      = 30 * 24 * time.Hour
)

// Broadcaster sends notifications that are not tied to a synchronized list:
// announcements to every user, weather alerts, and housekeeping.
type Broadcaster struct {
	tables backend.Tables
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewBroadcaster(tables backend.Tables, clock clockwork.Clock, logger *slog.Logger) *Broadcaster {
	if tables == nil {
		panic("notify: nil tables")
	}
	return &Broadcaster{tables: tables, clock: domain.NewClock(clock), logger: logger}
}

// BroadcastAnnouncement creates one announcement notification per profile,
// inserted in batches. It returns how many were stored before any failure.
func (b *Broadcaster) BroadcastAnnouncement(ctx context.Context, title, content string) (int, error) {
	profiles, err := backend.SelectInto[domain.Profile](ctx, b.tables, backend.Query{Table: backend.TableProfiles})
	if err != nil {
		return 0, fmt.Errorf("list recipients: %w", err)
	}

	now := b.clock.Now()
	rows := make([]backend.Row, 0, len(profiles))
	for _, p := range profiles {
		rows = append(rows, domain.NotificationDraft{
			To:                domain.UserAddressee(p.ID),
			Title:             "📢 " + title,
			Message:           content,
			Type:              domain.NotificationAnnouncement,
			RelatedEntityType: "announcement",
		}.Row(now))
	}

	sent := 0
	for start := 0; start < len(rows); start += broadcastBatchSize {
		batch := rows[start:min(start+broadcastBatchSize, len(rows))]
		if _, err := b.tables.Insert(ctx, backend.TableNotifications, batch...); err != nil {
			return sent, fmt.Errorf("insert announcement batch at %d: %w", start, err)
		}
		sent += len(batch)
	}
	b.logger.Info("announcement broadcast", "recipients", sent)
	return sent, nil
}

// Send stores a single notification for d.To.
func (b *Broadcaster) Send(ctx context.Context, d domain.NotificationDraft) (domain.Notification, error) {
	return send(ctx, b.tables, b.clock, d)
}

// SendWeatherAlert notifies one user of a weather alert.
func (b *Broadcaster) SendWeatherAlert(ctx context.Context, userID, title, description string) (domain.Notification, error) {
	return send(ctx, b.tables, b.clock, domain.NotificationDraft{
		To:                domain.UserAddressee(userID),
		Title:             "🌩️ " + title,
		Message:           description,
		Type:              domain.NotificationWeatherAlert,
		RelatedEntityType: "weather_alert",
	})
}

// Stats summarizes all of a user's notifications.
func (b *Broadcaster) Stats(ctx context.Context, userID string) (domain.NotificationStats, error) {
	list, err := backend.SelectInto[domain.Notification](ctx, b.tables, backend.Query{
		Table:   backend.TableNotifications,
		Filters: []backend.Filter{backend.Eq("user_id", userID)},
		OrderBy: "created_at",
		Desc:    true,
	})
	if err != nil {
		return domain.NotificationStats{}, fmt.Errorf("notification stats: %w", err)
	}
	domain.SortNewestFirst(list)
	return domain.ComputeNotificationStats(list), nil
}

// PruneRead deletes a user's read notifications older than 30 days.
func (b *Broadcaster) PruneRead(ctx context.Context, userID string) (int64, error) {
	cutoff := b.clock.Now().Add(-readRetention).UTC()
	n, err := b.tables.Delete(ctx, backend.TableNotifications,
		backend.Eq("user_id", userID),
		backend.Lt("created_at", cutoff),
		backend.Eq("is_read", true),
	)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	return n, nil
}
