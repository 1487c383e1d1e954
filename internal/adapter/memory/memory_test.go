package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu  sync.Mutex
	evs []domain.ChangeEvent
}

func (c *capture) Publish(_ context.Context, evs ...domain.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, evs...)
	return nil
}

func newTestBackend() (*Backend, *capture, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	pub := &capture{}
	return New(pub, clock), pub, clock
}

func TestBackend_InsertSelectOrderLimit(t *testing.T) {
	b, pub, clock := newTestBackend()
	ctx := context.Background()

	for i, title := range []string{"first", "second", "third"} {
		_, err := b.Insert(ctx, backend.TableNotifications, backend.Row{
			"user_id":    "u-1",
			"title":      title,
			"is_read":    false,
			"created_at": clock.Now().Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	got, err := backend.SelectInto[domain.Notification](ctx, b, backend.Query{
		Table:   backend.TableNotifications,
		Filters: []backend.Filter{backend.Eq("user_id", "u-1")},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Title)
	assert.Equal(t, "second", got[1].Title)
	assert.NotEmpty(t, got[0].ID)
	assert.Len(t, pub.evs, 3)
	assert.Equal(t, domain.ChangeInsert, pub.evs[0].Type)
}

func TestBackend_UniqueAndViews(t *testing.T) {
	b, _, _ := newTestBackend()
	ctx := context.Background()

	_, err := b.Insert(ctx, backend.TableUsers, backend.Row{"id": "u-1", "email": "a@example.com", "role": "user"})
	require.NoError(t, err)
	_, err = b.Insert(ctx, backend.TableUsers, backend.Row{"id": "u-1", "email": "a@example.com"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	profiles, err := backend.SelectInto[domain.Profile](ctx, b, backend.Query{
		Table:   backend.TableProfiles,
		Filters: []backend.Filter{backend.Eq("id", "u-1")},
	})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "a@example.com", profiles[0].Email)
}

func TestBackend_MissingTableAndOutage(t *testing.T) {
	b, _, _ := newTestBackend()
	ctx := context.Background()

	b.DropTable(backend.TableFavorites)
	_, err := b.Select(ctx, backend.Query{Table: backend.TableFavorites})
	assert.ErrorIs(t, err, domain.ErrTableMissing)
	assert.True(t, domain.IsUnavailable(err))

	b.SetUnavailable(true)
	_, err = b.Insert(ctx, backend.TableSOSAlerts, backend.Row{"status": "active"})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestBackend_UpdateDeletePublishes(t *testing.T) {
	b, pub, _ := newTestBackend()
	ctx := context.Background()

	raws, err := b.Insert(ctx, backend.TableSOSAlerts, backend.Row{"user_id": "u-1", "status": "active"})
	require.NoError(t, err)
	alert, err := backend.DecodeRow[domain.SOSAlert](raws[0])
	require.NoError(t, err)

	updated, err := b.Update(ctx, backend.TableSOSAlerts, backend.Row{"status": "resolved"},
		backend.Eq("id", alert.ID), backend.In("status", "active", "responded"))
	require.NoError(t, err)
	require.Len(t, updated, 1)

	again, err := b.Update(ctx, backend.TableSOSAlerts, backend.Row{"status": "responded"},
		backend.Eq("id", alert.ID), backend.In("status", "active", "responded"))
	require.NoError(t, err)
	assert.Empty(t, again, "conditional update must not match a resolved alert")

	n, err := b.Delete(ctx, backend.TableSOSAlerts, backend.Eq("id", alert.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.Len(t, pub.evs, 3)
	assert.Equal(t, domain.ChangeUpdate, pub.evs[1].Type)
	assert.NotEmpty(t, pub.evs[1].Old)
	assert.Equal(t, domain.ChangeDelete, pub.evs[2].Type)
}

func TestBackend_Upsert(t *testing.T) {
	b, _, _ := newTestBackend()
	ctx := context.Background()

	_, err := b.Upsert(ctx, backend.TablePreferences, backend.Row{"user_id": "u-1", "push_notifications": true}, "user_id")
	require.NoError(t, err)
	raw, err := b.Upsert(ctx, backend.TablePreferences, backend.Row{"user_id": "u-1", "push_notifications": false}, "user_id")
	require.NoError(t, err)

	prefs, err := backend.DecodeRow[domain.NotificationPreferences](raw)
	require.NoError(t, err)
	assert.False(t, prefs.PushNotifications)

	all, err := b.Select(ctx, backend.Query{Table: backend.TablePreferences})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBackend_MarkAdminNotificationsRead(t *testing.T) {
	b, _, _ := newTestBackend()
	ctx := context.Background()
	user := "u-1"

	rows := []backend.Row{
		domain.NotificationDraft{To: domain.AdminAddressee("admin-1"), Title: "mine", Type: domain.NotificationInfo}.Row(time.Now()),
		domain.NotificationDraft{To: domain.AdminAddressee("admin-2"), Title: "theirs", Type: domain.NotificationInfo}.Row(time.Now()),
		{"user_id": nil, "title": "broadcast system", "type": "system", "is_read": false},
		{"user_id": user, "title": "user alert", "type": "weather_alert", "is_read": false},
	}
	_, err := b.Insert(ctx, backend.TableNotifications, rows...)
	require.NoError(t, err)

	raw, err := b.RPC(ctx, backend.FuncMarkAdminRead, backend.Row{"admin_id": "admin-1"})
	require.NoError(t, err)
	var count int
	require.NoError(t, json.Unmarshal(raw, &count))
	assert.Equal(t, 2, count)

	unread, err := backend.SelectInto[domain.Notification](ctx, b, backend.Query{
		Table:   backend.TableNotifications,
		Filters: []backend.Filter{backend.Eq("is_read", false)},
		OrderBy: "title",
	})
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "theirs", unread[0].Title)
	assert.Equal(t, "user alert", unread[1].Title)

	_, err = b.RPC(ctx, "drop_everything", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
