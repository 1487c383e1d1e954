package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/adapter/memory"
	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/couchcryptid/storm-alert-service/internal/realtime"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type popups struct {
	mu    sync.Mutex
	calls []domain.Notification
}

func (p *popups) Notify(_ context.Context, _ domain.Addressee, n domain.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, n)
}

// rejecting fails any Select that uses a filter matching reject.
type rejecting struct {
	backend.Tables
	reject func(backend.Filter) bool
}

func (r *rejecting) Select(ctx context.Context, q backend.Query) ([]json.RawMessage, error) {
	for _, f := range q.Filters {
		if r.reject(f) {
			return nil, errors.New("unsupported filter")
		}
	}
	return r.Tables.Select(ctx, q)
}

type fixture struct {
	tables *memory.Backend
	hub    *realtime.Hub
	store  *fallback.Memory
	shadow *fallback.Shadow
	clock  *clockwork.FakeClock
	popups *popups
}

func newFixture() fixture {
	metrics := observability.NewMetricsForTesting()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	hub := realtime.NewHub(discard(), metrics)
	store := fallback.NewMemory()
	return fixture{
		tables: memory.New(hub, clock),
		hub:    hub,
		store:  store,
		shadow: fallback.NewShadow(store, discard(), metrics),
		clock:  clock,
		popups: &popups{},
	}
}

func (f fixture) sync(tables backend.Tables) *Synchronizer {
	if tables == nil {
		tables = f.tables
	}
	return NewSynchronizer(tables, f.hub, f.shadow, Options{Popup: f.popups, Clock: f.clock, Logger: discard()})
}

func (f fixture) seed(t *testing.T, minutes int, row backend.Row) domain.Notification {
	t.Helper()
	row["created_at"] = f.clock.Now().Add(time.Duration(minutes) * time.Minute)
	n, err := backend.InsertOne[domain.Notification](context.Background(), f.tables, backend.TableNotifications, row)
	require.NoError(t, err)
	return n
}

func draft(to domain.Addressee, title string, typ domain.NotificationType) backend.Row {
	return domain.NotificationDraft{To: to, Title: title, Type: typ}.Row(time.Time{})
}

// seedAdminMix stores records visible to admin-1 (three) and others.
func (f fixture) seedAdminMix(t *testing.T) {
	f.seed(t, 1, backend.Row{"user_id": nil, "title": "sos", "type": "admin_alert", "is_read": false})
	f.seed(t, 2, backend.Row{"user_id": nil, "title": "system", "type": "system", "is_read": true})
	f.seed(t, 3, draft(domain.AdminAddressee("admin-1"), "direct", domain.NotificationInfo))
	f.seed(t, 4, draft(domain.AdminAddressee("admin-2"), "other admin", domain.NotificationInfo))
	f.seed(t, 5, draft(domain.UserAddressee("u-1"), "user weather", domain.NotificationWeatherAlert))
}

func titles(list []domain.Notification) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.Title
	}
	return out
}

func TestFetchSnapshot_UserOrderAndUnread(t *testing.T) {
	f := newFixture()
	user := domain.UserAddressee("u-1")
	f.seed(t, 1, draft(user, "oldest", domain.NotificationInfo))
	read := draft(user, "read", domain.NotificationInfo)
	read["is_read"] = true
	f.seed(t, 2, read)
	f.seed(t, 3, draft(user, "newest", domain.NotificationSOSResponse))
	f.seed(t, 4, draft(domain.UserAddressee("u-2"), "someone else", domain.NotificationInfo))

	s := f.sync(nil)
	res, err := s.FetchSnapshot(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"newest", "read", "oldest"}, titles(res.Value))
	assert.Equal(t, domain.CountUnread(res.Value), s.Unread())
	assert.Equal(t, 2, s.Unread())
}

func TestFetchSnapshot_SnapshotLimit(t *testing.T) {
	f := newFixture()
	user := domain.UserAddressee("u-1")
	for i := range 60 {
		f.seed(t, i, draft(user, fmt.Sprintf("n%02d", i), domain.NotificationInfo))
	}
	res, err := f.sync(nil).FetchSnapshot(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, res.Value, domain.SnapshotLimit)
	assert.Equal(t, "n59", res.Value[0].Title)
}

func TestFetchSnapshot_AdminQueries(t *testing.T) {
	admin := domain.AdminAddressee("admin-1")
	tests := []struct {
		name   string
		reject func(backend.Filter) bool
		want   []string
	}{
		{
			name:   "combined filter",
			reject: func(backend.Filter) bool { return false },
			want:   []string{"direct", "system", "sos"},
		},
		{
			name:   "combined filter rejected, split queries merged",
			reject: func(fl backend.Filter) bool { return fl.Op == backend.OpOr },
			want:   []string{"direct", "system", "sos"},
		},
		{
			name: "split query rejected, type set only",
			reject: func(fl backend.Filter) bool {
				return fl.Op == backend.OpOr || fl.Op == backend.OpContains
			},
			want: []string{"system", "sos"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.seedAdminMix(t)
			s := f.sync(&rejecting{Tables: f.tables, reject: tt.reject})

			res, err := s.FetchSnapshot(context.Background(), admin)
			require.NoError(t, err)
			assert.False(t, res.Degraded)
			assert.Equal(t, tt.want, titles(res.Value))
		})
	}
}

func TestFetchSnapshot_FallsBackToShadow(t *testing.T) {
	f := newFixture()
	user := domain.UserAddressee("u-1")
	f.seed(t, 1, draft(user, "cached", domain.NotificationInfo))

	_, err := f.sync(nil).FetchSnapshot(context.Background(), user)
	require.NoError(t, err)

	f.tables.SetUnavailable(true)
	s := f.sync(nil)
	res, err := s.FetchSnapshot(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"cached"}, titles(res.Value))
	assert.Equal(t, 1, s.Unread())
}

func TestMarkRead_IsIdempotent(t *testing.T) {
	f := newFixture()
	user := domain.UserAddressee("u-1")
	n := f.seed(t, 1, draft(user, "one", domain.NotificationInfo))
	s := f.sync(nil)
	_, err := s.FetchSnapshot(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, 1, s.Unread())

	for range 2 {
		state, err := s.MarkRead(context.Background(), n.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SyncConfirmed, state)
		assert.Equal(t, 0, s.Unread())
	}
	assert.True(t, s.Snapshot()[0].IsRead)

	stored, err := backend.SelectInto[domain.Notification](context.Background(), f.tables, backend.Query{
		Table: backend.TableNotifications, Filters: []backend.Filter{backend.Eq("id", n.ID)},
	})
	require.NoError(t, err)
	assert.True(t, stored[0].IsRead)
}

func TestMarkRead_FailureKeepsOptimisticState(t *testing.T) {
	f := newFixture()
	user := domain.UserAddressee("u-1")
	n := f.seed(t, 1, draft(user, "one", domain.NotificationInfo))
	s := f.sync(nil)
	_, err := s.FetchSnapshot(context.Background(), user)
	require.NoError(t, err)

	f.tables.SetUnavailable(true)
	state, err := s.MarkRead(context.Background(), n.ID)
	require.Error(t, err)
	assert.Equal(t, domain.SyncFailed, state)
	assert.Equal(t, domain.SyncFailed, s.SyncStates()[n.ID])
	assert.True(t, s.Snapshot()[0].IsRead)
	assert.Equal(t, 0, s.Unread())
}

func TestSubscribe_DedupesSnapshotAndFeed(t *testing.T) {
	f := newFixture()
	user := domain.UserAddressee("u-1")
	s := f.sync(nil)
	var delivered []string
	require.NoError(t, s.Subscribe(context.Background(), user, func(n domain.Notification) {
		delivered = append(delivered, n.Title)
	}))

	n := f.seed(t, 1, draft(user, "live", domain.NotificationInfo))
	f.seed(t, 2, draft(domain.UserAddressee("u-2"), "not mine", domain.NotificationInfo))

	// The same insert arriving twice, then again via a snapshot.
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	require.NoError(t, f.hub.Publish(context.Background(), domain.ChangeEvent{
		Table: backend.TableNotifications, Type: domain.ChangeInsert, New: raw,
	}))
	_, err = s.FetchSnapshot(context.Background(), user)
	require.NoError(t, err)

	assert.Equal(t, []string{"live"}, titles(s.Snapshot()))
	assert.Equal(t, 1, s.Unread())
	assert.Equal(t, []string{"live"}, delivered)
	require.Len(t, f.popups.calls, 1)
	assert.Equal(t, n.ID, f.popups.calls[0].ID)
}

type recordingRealtime struct {
	next         backend.Handle
	open         map[backend.Handle]backend.Subscription
	unsubscribed []backend.Handle
}

func (r *recordingRealtime) Subscribe(_ context.Context, sub backend.Subscription, _ backend.Handler) (backend.Handle, error) {
	if r.open == nil {
		r.open = make(map[backend.Handle]backend.Subscription)
	}
	r.next++
	r.open[r.next] = sub
	return r.next, nil
}

func (r *recordingRealtime) Unsubscribe(h backend.Handle) {
	r.unsubscribed = append(r.unsubscribed, h)
	delete(r.open, h)
}

func TestSubscribe_SecondCallTearsDownFirst(t *testing.T) {
	f := newFixture()
	rt := &recordingRealtime{}
	s := NewSynchronizer(f.tables, rt, f.shadow, Options{Logger: discard()})
	user := domain.UserAddressee("u-1")

	require.NoError(t, s.Subscribe(context.Background(), user, nil))
	require.NoError(t, s.Subscribe(context.Background(), user, nil))
	assert.Len(t, rt.open, 1)
	assert.Equal(t, []backend.Handle{1}, rt.unsubscribed)

	require.NoError(t, s.Subscribe(context.Background(), domain.AdminAddressee("admin-1"), nil))
	assert.Len(t, rt.open, 2, "admins watch notifications and sos_alerts")

	s.Close()
	assert.Empty(t, rt.open)
}

func TestSubscribe_AdminSynthesizesSOSNotification(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.tables.Insert(ctx, backend.TableUsers, backend.Row{"id": "u-1", "email": "jane@example.com", "role": "user"})
	require.NoError(t, err)

	admin := domain.AdminAddressee("admin-1")
	s := f.sync(nil)
	require.NoError(t, s.Subscribe(ctx, admin, nil))

	raws, err := f.tables.Insert(ctx, backend.TableSOSAlerts, domain.SOSAlert{
		UserID: "u-1", Latitude: 40.7128, Longitude: -74.006, Status: domain.SOSActive,
	}.Row())
	require.NoError(t, err)
	alert, err := backend.DecodeRow[domain.SOSAlert](raws[0])
	require.NoError(t, err)
	s.Wait()

	list := s.Snapshot()
	require.Len(t, list, 1)
	n := list[0]
	assert.Equal(t, domain.NotificationAdminAlert, n.Type)
	assert.Equal(t, "New emergency SOS from jane@example.com", n.Message)
	assert.Equal(t, alert.ID, n.RelatedEntityID)
	assert.Nil(t, n.UserID)
	assert.Equal(t, admin, n.Addressee())
	assert.Equal(t, 1, s.Unread())
}

func TestMarkAllRead(t *testing.T) {
	ctx := context.Background()

	t.Run("admin uses the bulk procedure", func(t *testing.T) {
		f := newFixture()
		f.seedAdminMix(t)
		admin := domain.AdminAddressee("admin-1")
		s := f.sync(nil)
		_, err := s.FetchSnapshot(ctx, admin)
		require.NoError(t, err)
		require.Equal(t, 2, s.Unread())

		require.NoError(t, s.MarkAllRead(ctx, admin))
		assert.Equal(t, 0, s.Unread())

		unread, err := backend.SelectInto[domain.Notification](ctx, f.tables, backend.Query{
			Table: backend.TableNotifications, Filters: []backend.Filter{backend.Eq("is_read", false)}, OrderBy: "title",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"other admin", "user weather"}, titles(unread))
	})

	t.Run("user updates own unread rows", func(t *testing.T) {
		f := newFixture()
		f.seedAdminMix(t)
		user := domain.UserAddressee("u-1")
		s := f.sync(nil)
		_, err := s.FetchSnapshot(ctx, user)
		require.NoError(t, err)

		require.NoError(t, s.MarkAllRead(ctx, user))
		assert.Equal(t, 0, s.Unread())
		assert.True(t, s.Snapshot()[0].IsRead)
	})

	t.Run("failure leaves local state", func(t *testing.T) {
		f := newFixture()
		user := domain.UserAddressee("u-1")
		f.seed(t, 1, draft(user, "one", domain.NotificationInfo))
		s := f.sync(nil)
		_, err := s.FetchSnapshot(ctx, user)
		require.NoError(t, err)

		f.tables.SetUnavailable(true)
		require.Error(t, s.MarkAllRead(ctx, user))
		assert.Equal(t, 1, s.Unread())
	})
}

func TestSend(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := f.sync(nil)

	n, err := s.Send(ctx, domain.NotificationDraft{
		To: domain.AdminAddressee("admin-1700000000000"), Title: "to admin", Metadata: map[string]any{"source": "test"},
	})
	require.NoError(t, err)
	assert.Nil(t, n.UserID)
	assert.Equal(t, "admin-1700000000000", n.Metadata[domain.MetadataAdminID])
	assert.Equal(t, "test", n.Metadata["source"])
	assert.Equal(t, domain.NotificationInfo, n.Type)

	n, err = s.Send(ctx, domain.NotificationDraft{To: domain.ParseAddressee("u-1"), Title: "to user"})
	require.NoError(t, err)
	require.NotNil(t, n.UserID)
	assert.Equal(t, "u-1", *n.UserID)

	_, err = s.Send(ctx, domain.NotificationDraft{Title: "nobody"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = s.Send(ctx, domain.NotificationDraft{To: domain.UserAddressee("u-1")})
	require.ErrorAs(t, err, &verr)
}

func TestClear(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedAdminMix(t)
	admin := domain.AdminAddressee("admin-1")
	s := f.sync(nil)
	_, err := s.FetchSnapshot(ctx, admin)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, admin))
	assert.Equal(t, []string{"system", "sos"}, titles(s.Snapshot()), "shared admin records are not deleted")

	all, err := f.tables.Select(ctx, backend.Query{Table: backend.TableNotifications})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBroadcaster(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := range 120 {
		_, err := f.tables.Insert(ctx, backend.TableUsers, backend.Row{"id": fmt.Sprintf("u-%d", i), "email": fmt.Sprintf("u%d@example.com", i)})
		require.NoError(t, err)
	}
	b := NewBroadcaster(f.tables, f.clock, discard())

	sent, err := b.BroadcastAnnouncement(ctx, "Flood watch", "Avoid low roads")
	require.NoError(t, err)
	assert.Equal(t, 120, sent)

	stats, err := b.Stats(ctx, "u-7")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByType[domain.NotificationAnnouncement])
	assert.Equal(t, "📢 Flood watch", stats.Recent[0].Title)

	alert, err := b.SendWeatherAlert(ctx, "u-7", "Hail", "Golf ball size hail expected")
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationWeatherAlert, alert.Type)

	old := draft(domain.UserAddressee("u-7"), "stale", domain.NotificationInfo)
	old["is_read"] = true
	f.seed(t, -31*24*60, old)
	oldUnread := draft(domain.UserAddressee("u-7"), "stale unread", domain.NotificationInfo)
	f.seed(t, -31*24*60, oldUnread)

	pruned, err := b.PruneRead(ctx, "u-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	stats, err = b.Stats(ctx, "u-7")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Unread)
}

func TestFetchSnapshot_RefetchReflectsBackend(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := domain.UserAddressee("u-1")
	for i := range 60 {
		f.seed(t, i, draft(user, fmt.Sprintf("n%02d", i), domain.NotificationInfo))
	}

	s := f.sync(nil)
	res, err := s.FetchSnapshot(ctx, user)
	require.NoError(t, err)
	require.Len(t, res.Value, domain.SnapshotLimit)
	assert.Equal(t, domain.SnapshotLimit, s.Unread())

	require.NoError(t, f.sync(nil).Clear(ctx, user))
	f.seed(t, 61, draft(user, "fresh", domain.NotificationInfo))

	res, err = s.FetchSnapshot(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, titles(res.Value))
	assert.Equal(t, 1, s.Unread())
}

func TestFetchSnapshot_MergesFeedDeliveriesWithinLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	user := domain.UserAddressee("u-1")
	for i := range domain.SnapshotLimit {
		f.seed(t, i, draft(user, fmt.Sprintf("n%02d", i), domain.NotificationInfo))
	}

	s := f.sync(nil)
	require.NoError(t, s.Subscribe(ctx, user, nil))
	f.seed(t, 100, draft(user, "live", domain.NotificationInfo))

	res, err := s.FetchSnapshot(ctx, user)
	require.NoError(t, err)
	require.Len(t, res.Value, domain.SnapshotLimit)
	assert.Equal(t, "live", res.Value[0].Title)
	assert.Equal(t, domain.CountUnread(res.Value), s.Unread())
}

// blockingGeocoder holds every lookup until release is closed.
type blockingGeocoder struct {
	started chan struct{}
	release chan struct{}
}

func (g *blockingGeocoder) ReverseGeocode(ctx context.Context, _, _ float64) (domain.GeocodingResult, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return domain.GeocodingResult{PlaceName: "Brooklyn"}, nil
	case <-ctx.Done():
		return domain.GeocodingResult{}, ctx.Err()
	}
}

func TestSubscribe_SlowGeocoderDoesNotStallFeed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	geo := &blockingGeocoder{started: make(chan struct{}, 1), release: make(chan struct{})}
	admin := NewSynchronizer(f.tables, f.hub, f.shadow, Options{Geocoder: geo, Clock: f.clock, Logger: discard()})
	require.NoError(t, admin.Subscribe(ctx, domain.AdminAddressee("admin-1"), nil))
	defer admin.Close()

	var seen []string
	_, err := f.hub.Subscribe(ctx, backend.Subscription{Table: backend.TableSOSAlerts}, func(_ context.Context, ev domain.ChangeEvent) {
		seen = append(seen, string(ev.Type))
	})
	require.NoError(t, err)

	_, err = f.tables.Insert(ctx, backend.TableSOSAlerts, domain.SOSAlert{
		UserID: "u-1", UserEmail: "jane@example.com", Latitude: 40.6782, Longitude: -73.9442, Status: domain.SOSActive,
	}.Row())
	require.NoError(t, err)
	assert.Equal(t, []string{string(domain.ChangeInsert)}, seen, "later subscribers are served while geocoding is pending")

	<-geo.started
	close(geo.release)
	admin.Wait()

	list := admin.Snapshot()
	require.Len(t, list, 1)
	assert.Equal(t, "New emergency SOS from jane@example.com at Brooklyn", list[0].Message)
}
