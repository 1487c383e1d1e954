package sos

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchcryptid/storm-alert-service/internal/adapter/memory"
	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/couchcryptid/storm-alert-service/internal/notify"
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

func (p *popups) titles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, n := range p.calls {
		out[i] = n.Title
	}
	return out
}

type failingNotifier struct{}

func (failingNotifier) Send(context.Context, domain.NotificationDraft) (domain.Notification, error) {
	return domain.Notification{}, errors.New("smtp down")
}

type fixture struct {
	tables *memory.Backend
	hub    *realtime.Hub
	shadow *fallback.Shadow
	clock  *clockwork.FakeClock
	popups *popups
}

var jane = domain.UserPrincipal{ID: "u-1", Email: "jane@example.com"}

func newFixture() fixture {
	metrics := observability.NewMetricsForTesting()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	hub := realtime.NewHub(discard(), metrics)
	return fixture{
		tables: memory.New(hub, clock),
		hub:    hub,
		shadow: fallback.NewShadow(fallback.NewMemory(), discard(), metrics),
		clock:  clock,
		popups: &popups{},
	}
}

func (f fixture) tracker(opts Options) *Tracker {
	opts.Clock = f.clock
	opts.Logger = discard()
	if opts.Popup == nil {
		opts.Popup = f.popups
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewBroadcaster(f.tables, f.clock, discard())
	}
	opts.Backoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	return NewTracker(f.tables, f.hub, f.shadow, opts)
}

func (f fixture) store(t *testing.T, a domain.SOSAlert) domain.SOSAlert {
	t.Helper()
	if a.Status == "" {
		a.Status = domain.SOSActive
	}
	stored, err := backend.InsertOne[domain.SOSAlert](context.Background(), f.tables, backend.TableSOSAlerts, a.Row())
	require.NoError(t, err)
	return stored
}

func TestSend_RejectsInvalidCoordinates(t *testing.T) {
	f := newFixture()
	tr := f.tracker(Options{})
	ctx := context.Background()

	for name, coords := range map[string]domain.Coordinates{
		"missing":     {},
		"latitude":    domain.Coords(91, 0),
		"longitude":   domain.Coords(0, -181),
		"missing lon": {Latitude: domain.Coords(1, 1).Latitude},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tr.Send(ctx, jane, coords, nil)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	_, found, err := fallback.Load[[]domain.SOSAlert](ctx, f.shadow.Store(), fallback.SOSAlertsKey(jane.ID))
	require.NoError(t, err)
	assert.False(t, found)
	all, err := f.tables.Select(ctx, backend.Query{Table: backend.TableSOSAlerts})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSend_StoresActiveAlertFirst(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})
	f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1, CreatedAt: f.clock.Now().Add(-time.Hour)})

	alert, err := tr.Send(ctx, jane, domain.Coords(40.7128, -74.006), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SOSActive, alert.Status)
	assert.False(t, alert.IsMarkedLocation)
	assert.Nil(t, alert.MarkedLocationName)
	assert.Nil(t, alert.MarkedLocationDescription)
	assert.Equal(t, domain.SyncConfirmed, alert.SyncState)
	assert.False(t, IsPlaceholder(alert))
	assert.Equal(t, "jane@example.com", alert.UserEmail)

	res, err := tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)
	require.Len(t, res.Value, 2)
	assert.Equal(t, alert.ID, res.Value[0].ID)
}

func TestSend_MarkedLocation(t *testing.T) {
	f := newFixture()
	tr := f.tracker(Options{})

	alert, err := tr.Send(context.Background(), jane, domain.Coords(40.6782, -73.9442), &domain.MarkedLocation{Name: "Home"})
	require.NoError(t, err)
	assert.True(t, alert.IsMarkedLocation)
	require.NotNil(t, alert.MarkedLocationName)
	assert.Equal(t, "Home", *alert.MarkedLocationName)
	assert.Nil(t, alert.MarkedLocationDescription)
	assert.Equal(t, "Home", alert.Describe())
}

func TestSend_OutageKeepsFailedAlertUntilReconciled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})
	older := f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1, CreatedAt: f.clock.Now().Add(-time.Hour)})
	_, err := tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)

	f.tables.SetUnavailable(true)
	alert, err := tr.Send(ctx, jane, domain.Coords(40.7128, -74.006), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncFailed, alert.SyncState)
	assert.True(t, IsPlaceholder(alert))
	assert.Equal(t, alert.ID, tr.Snapshot()[0].ID)

	res, err := tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Value, 2)
	assert.Equal(t, alert.ID, res.Value[0].ID)

	n, err := tr.Reconcile(ctx, jane.ID)
	require.Error(t, err)
	assert.Zero(t, n)

	// The backend recovers: the placeholder stays at the head until stored.
	f.tables.SetUnavailable(false)
	res, err = tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.Len(t, res.Value, 2)
	assert.Equal(t, alert.ID, res.Value[0].ID)
	assert.Equal(t, older.ID, res.Value[1].ID)

	n, err = tr.Reconcile(ctx, jane.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)
	require.Len(t, res.Value, 2)
	for _, a := range res.Value {
		assert.False(t, IsPlaceholder(a))
		assert.Equal(t, domain.SyncConfirmed, a.SyncState)
	}
}

func TestListForUser_MissingTableServesShadow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})
	stored := f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1})
	_, err := tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)

	f.tables.DropTable(backend.TableSOSAlerts)
	res, err := f.tracker(Options{}).ListForUser(ctx, jane.ID)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Value, 1)
	assert.Equal(t, stored.ID, res.Value[0].ID)
}

func TestSubscribeForUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})
	var changes []domain.ChangeType
	require.NoError(t, tr.SubscribeForUser(ctx, jane.ID, func(typ domain.ChangeType, _ domain.SOSAlert) {
		changes = append(changes, typ)
	}))
	require.NoError(t, tr.SubscribeForUser(ctx, jane.ID, func(typ domain.ChangeType, _ domain.SOSAlert) {
		changes = append(changes, typ)
	}))
	assert.Equal(t, 1, f.hub.Len())

	mine := f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1})
	f.store(t, domain.SOSAlert{UserID: "u-2", Latitude: 2, Longitude: 2})
	require.Len(t, tr.Snapshot(), 1)

	admin := f.tracker(Options{Popup: &popups{}})
	_, err := admin.Respond(ctx, mine.ID, "admin-1", "Help is on the way")
	require.NoError(t, err)
	_, err = admin.Respond(ctx, mine.ID, "admin-1", "Crew arriving in 5 minutes")
	require.NoError(t, err)
	_, err = admin.Resolve(ctx, mine.ID)
	require.NoError(t, err)

	list := tr.Snapshot()
	require.Len(t, list, 1)
	assert.Equal(t, domain.SOSResolved, list[0].Status)
	require.NotNil(t, list[0].AdminResponse)
	assert.Equal(t, "Crew arriving in 5 minutes", *list[0].AdminResponse)
	assert.Equal(t, []domain.ChangeType{domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeUpdate, domain.ChangeUpdate}, changes)
	assert.Equal(t, []string{"SOS Sent", "SOS Response"}, f.popups.titles())

	shadowed, found, err := fallback.Load[[]domain.SOSAlert](ctx, f.shadow.Store(), fallback.SOSAlertsKey(jane.ID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.SOSResolved, shadowed[0].Status)

	tr.Close()
	assert.Zero(t, f.hub.Len())
}

func TestSubscribe_SendDoesNotDuplicate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})
	_, err := tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)
	require.NoError(t, tr.SubscribeForUser(ctx, jane.ID, nil))

	alert, err := tr.Send(ctx, jane, domain.Coords(40.7128, -74.006), nil)
	require.NoError(t, err)

	list := tr.Snapshot()
	require.Len(t, list, 1)
	assert.Equal(t, alert.ID, list[0].ID)
}

func TestSubscribeAll(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})
	f.store(t, domain.SOSAlert{UserID: "u-0", Latitude: 3, Longitude: 3})
	_, err := tr.List(ctx, "")
	require.NoError(t, err)

	var seen []string
	require.NoError(t, tr.SubscribeAll(ctx, func(_ domain.ChangeType, a domain.SOSAlert) {
		seen = append(seen, a.UserID)
	}))
	f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1})
	f.store(t, domain.SOSAlert{UserID: "u-2", Latitude: 2, Longitude: 2})

	assert.Equal(t, []string{jane.ID, "u-2"}, seen)
	assert.Len(t, tr.Snapshot(), 3)
	assert.Empty(t, f.popups.titles(), "admin trackers do not show user popups")
}

func TestRespondAndResolve(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})
	alert := f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 40.7128, Longitude: -74.006})

	f.clock.Advance(5 * time.Minute)
	responded, err := tr.Respond(ctx, alert.ID, "admin-1717243200000", "  Help is on the way  ")
	require.NoError(t, err)
	assert.Equal(t, domain.SOSResponded, responded.Status)
	require.NotNil(t, responded.AdminResponse)
	assert.Equal(t, "Help is on the way", *responded.AdminResponse)
	require.NotNil(t, responded.AdminID)
	assert.Equal(t, "admin-1717243200000", *responded.AdminID)
	require.NotNil(t, responded.RespondedAt)
	assert.True(t, responded.RespondedAt.Equal(f.clock.Now()))
	require.NoError(t, responded.CheckInvariant())

	notes, err := backend.SelectInto[domain.Notification](ctx, f.tables, backend.Query{
		Table: backend.TableNotifications, Filters: []backend.Filter{backend.Eq("user_id", jane.ID)},
	})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, domain.NotificationSOSResponse, notes[0].Type)
	assert.Equal(t, "Admin response: Help is on the way", notes[0].Message)
	assert.Equal(t, alert.ID, notes[0].RelatedEntityID)

	resolved, err := tr.Resolve(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SOSResolved, resolved.Status)
	require.NotNil(t, resolved.AdminResponse)
	require.NoError(t, resolved.CheckInvariant())

	_, err = tr.Resolve(ctx, alert.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = tr.Respond(ctx, alert.ID, "admin-1", "too late")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRespond_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})
	alert := f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1})

	var verr *domain.ValidationError
	_, err := tr.Respond(ctx, alert.ID, "admin-1", "   ")
	require.ErrorAs(t, err, &verr)
	_, err = tr.Respond(ctx, "00000000-0000-0000-0000-000000000000", "admin-1", "hello")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = tr.Resolve(ctx, "local-123")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolve_FromActive(t *testing.T) {
	f := newFixture()
	tr := f.tracker(Options{})
	alert := f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1})

	resolved, err := tr.Resolve(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SOSResolved, resolved.Status)
	assert.Nil(t, resolved.AdminResponse)
	assert.Nil(t, resolved.RespondedAt)
}

func TestRespond_NotificationFailureKeepsResponse(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{Notifier: failingNotifier{}})
	alert := f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1})

	responded, err := tr.Respond(ctx, alert.ID, "admin-1", "On our way")
	require.NoError(t, err)
	assert.Equal(t, domain.SOSResponded, responded.Status)
}

func TestStats_TodayUsesConfiguredLocation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.clock.Advance(-10 * time.Hour) // 2024-06-01 02:00 UTC, 2024-05-31 21:00 in UTC-5
	lateEvening := f.clock.Now().Add(-3 * time.Hour)
	earlyMorning := f.clock.Now().Add(-1 * time.Hour)
	home := "Home"

	f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1, CreatedAt: lateEvening})
	f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1, CreatedAt: earlyMorning, Status: domain.SOSResolved})
	f.store(t, domain.SOSAlert{UserID: "u-2", Latitude: 1, Longitude: 1, CreatedAt: earlyMorning,
		IsMarkedLocation: true, MarkedLocationName: &home})

	utc, err := f.tracker(Options{}).Stats(ctx)
	require.NoError(t, err)
	assert.False(t, utc.Degraded)
	assert.Equal(t, domain.SOSStats{Total: 3, Active: 2, Resolved: 1, Today: 2, MarkedLocation: 1}, utc.Value)

	local, err := f.tracker(Options{Location: time.FixedZone("UTC-5", -5*3600)}).Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, local.Value.Today)
}

func TestListForUser_NewestFirstAfterFailedSend(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tr := f.tracker(Options{})

	f.tables.SetUnavailable(true)
	failed, err := tr.Send(ctx, jane, domain.Coords(40.7128, -74.006), nil)
	require.NoError(t, err)
	require.Equal(t, domain.SyncFailed, failed.SyncState)

	f.tables.SetUnavailable(false)
	f.clock.Advance(time.Hour)
	sent, err := tr.Send(ctx, jane, domain.Coords(40.7128, -74.006), nil)
	require.NoError(t, err)
	require.Equal(t, domain.SyncConfirmed, sent.SyncState)

	res, err := tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)
	require.Len(t, res.Value, 2)
	assert.Equal(t, sent.ID, res.Value[0].ID)
	assert.Equal(t, failed.ID, res.Value[1].ID)

	f.tables.SetUnavailable(true)
	res, err = f.tracker(Options{}).ListForUser(ctx, jane.ID)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Value, 2)
	assert.Equal(t, sent.ID, res.Value[0].ID)
}

func TestList_OutageServesShadow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	active := f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1, CreatedAt: f.clock.Now()})
	f.store(t, domain.SOSAlert{UserID: "u-2", Latitude: 2, Longitude: 2, CreatedAt: f.clock.Now().Add(-time.Hour), Status: domain.SOSResolved})

	res, err := f.tracker(Options{}).List(ctx, "")
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.Len(t, res.Value, 2)

	f.tables.SetUnavailable(true)
	tr := f.tracker(Options{})
	res, err = tr.List(ctx, domain.SOSActive)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Value, 1)
	assert.Equal(t, active.ID, res.Value[0].ID)

	stats, err := tr.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Degraded)
	assert.Equal(t, 2, stats.Value.Total)
	assert.Equal(t, 1, stats.Value.Resolved)
}

// insertAfterSelect commits a row right after the first sos_alerts read,
// standing in for a write that lands while a list query is in flight.
type insertAfterSelect struct {
	*memory.Backend
	row  backend.Row
	done bool
}

func (i *insertAfterSelect) Select(ctx context.Context, q backend.Query) ([]json.RawMessage, error) {
	rows, err := i.Backend.Select(ctx, q)
	if err == nil && q.Table == backend.TableSOSAlerts && !i.done {
		i.done = true
		if _, ierr := i.Backend.Insert(ctx, backend.TableSOSAlerts, i.row); ierr != nil {
			return nil, ierr
		}
	}
	return rows, err
}

func TestSubscribeThenList_KeepsAlertInsertedDuringFetch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store(t, domain.SOSAlert{UserID: jane.ID, Latitude: 1, Longitude: 1, CreatedAt: f.clock.Now().Add(-time.Hour)})
	racing := domain.SOSAlert{UserID: jane.ID, Latitude: 2, Longitude: 2, Status: domain.SOSActive, CreatedAt: f.clock.Now()}
	tables := &insertAfterSelect{Backend: f.tables, row: racing.Row()}
	tr := NewTracker(tables, f.hub, f.shadow, Options{Clock: f.clock, Logger: discard(), Popup: &popups{}})

	var delivered int
	require.NoError(t, tr.SubscribeForUser(ctx, jane.ID, func(domain.ChangeType, domain.SOSAlert) { delivered++ }))
	res, err := tr.ListForUser(ctx, jane.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, delivered)
	require.Len(t, res.Value, 2)
	assert.InDelta(t, 2.0, res.Value[0].Latitude, 0.0001)
	assert.Len(t, tr.Snapshot(), 2)
}
