// Package notify keeps per-addressee notification lists in sync with the
// backend: snapshot queries, realtime inserts, and read-state mutations.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/jonboulle/clockwork"
)

// Popup delivers a best-effort native notification. Implementations must not
// block the caller.
type Popup interface {
	Notify(ctx context.Context, to domain.Addressee, n domain.Notification)
}

// Options holds optional collaborators.
type Options struct {
	Popup    Popup
	Geocoder domain.Geocoder
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Synchronizer owns the ordered notification list and unread counter for one
// addressee at a time. It is safe for concurrent use.
type Synchronizer struct {
	tables   backend.Tables
	realtime backend.Realtime
	shadow   *fallback.Shadow
	popup    Popup
	geocoder domain.Geocoder
	clock    clockwork.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	addressee domain.Addressee
	list      []domain.Notification
	live      []domain.Notification // accepted from the feed since the last subscribe
	unread    int
	states    map[string]domain.SyncState
	handles   []backend.Handle
	onInsert  func(domain.Notification)

	// SOS notifications are synthesized off the dispatch goroutine, under a
	// context that ends with the subscription.
	synthCtx    context.Context
	stopSynth   context.CancelFunc
	synthesizer sync.WaitGroup
}

// NewSynchronizer wires a synchronizer. tables, realtime and shadow are
// required.
func NewSynchronizer(tables backend.Tables, rt backend.Realtime, shadow *fallback.Shadow, opts Options) *Synchronizer {
	if tables == nil || rt == nil || shadow == nil {
		panic("notify: nil dependency")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Synchronizer{
		tables:   tables,
		realtime: rt,
		shadow:   shadow,
		popup:    opts.Popup,
		geocoder: opts.Geocoder,
		clock:    domain.NewClock(opts.Clock),
		logger:   opts.Logger,
		states:   make(map[string]domain.SyncState),
	}
}

// FetchSnapshot loads the newest notifications for a and replaces the local
// list. Records the feed delivered for a since the last Subscribe are merged
// in, so a fetch racing a subscription never drops or duplicates one. The
// result holds at most domain.SnapshotLimit records.
func (s *Synchronizer) FetchSnapshot(ctx context.Context, a domain.Addressee) (fallback.Result[[]domain.Notification], error) {
	if a.IsZero() {
		return fallback.Result[[]domain.Notification]{}, &domain.ValidationError{Field: "addressee", Reason: "is required"}
	}
	res, err := fallback.ReadThrough(ctx, s.shadow, fallback.NotificationsKey(a.Key()), func(ctx context.Context) ([]domain.Notification, error) {
		if a.IsAdmin() {
			return s.fetchAdmin(ctx, a.ID())
		}
		return s.query(ctx, backend.Eq("user_id", a.ID()))
	})
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addressee != a {
		s.states = make(map[string]domain.SyncState)
		s.live = nil
	}
	list := domain.MergeNotifications(domain.SnapshotLimit, res.Value, s.live)
	if !res.Degraded {
		s.live = slices.DeleteFunc(s.live, func(n domain.Notification) bool {
			return slices.ContainsFunc(res.Value, func(f domain.Notification) bool { return f.ID == n.ID })
		})
	}
	s.addressee = a
	s.list = list
	s.unread = domain.CountUnread(list)
	res.Value = slices.Clone(list)
	return res, nil
}

// fetchAdmin runs the combined admin query, then two split queries merged by
// id, then the type-set query alone.
func (s *Synchronizer) fetchAdmin(ctx context.Context, adminID string) ([]domain.Notification, error) {
	list, err := s.query(ctx, backend.AdminVisible(adminID))
	if err == nil || ctx.Err() != nil {
		return list, err
	}
	s.logger.Warn("combined admin notification query failed, splitting", "admin_id", adminID, "error", err)

	byType, typeErr := s.query(ctx, backend.In("type", domain.AdminNotificationTypes...))
	direct, directErr := s.query(ctx, backend.Contains("metadata", map[string]any{domain.MetadataAdminID: adminID}))
	if typeErr == nil && directErr == nil {
		return domain.MergeNotifications(domain.SnapshotLimit, byType, direct), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.logger.Warn("split admin notification queries failed, using type set only",
		"admin_id", adminID, "error", errors.Join(typeErr, directErr))
	return s.query(ctx, backend.In("type", domain.AdminNotificationTypes...))
}

func (s *Synchronizer) query(ctx context.Context, filters ...backend.Filter) ([]domain.Notification, error) {
	list, err := backend.SelectInto[domain.Notification](ctx, s.tables, backend.Query{
		Table:   backend.TableNotifications,
		Filters: filters,
		OrderBy: "created_at",
		Desc:    true,
		Limit:   domain.SnapshotLimit,
	})
	if err != nil {
		return nil, err
	}
	domain.SortNewestFirst(list)
	return list, nil
}

type feed struct {
	sub     backend.Subscription
	handler backend.Handler
}

// Subscribe opens the realtime feeds for a, tearing down any previous set
// first. onInsert, when non-nil, runs for each accepted insert.
func (s *Synchronizer) Subscribe(ctx context.Context, a domain.Addressee, onInsert func(domain.Notification)) error {
	if a.IsZero() {
		return &domain.ValidationError{Field: "addressee", Reason: "is required"}
	}
	s.teardown()

	inserts := []domain.ChangeType{domain.ChangeInsert}
	var feeds []feed
	if a.IsAdmin() {
		visible := backend.AdminVisible(a.ID())
		feeds = []feed{
			{backend.Subscription{Table: backend.TableNotifications, Events: inserts, Filter: &visible}, s.handleInsert},
			{backend.Subscription{Table: backend.TableSOSAlerts, Events: inserts}, s.handleSOSInsert},
		}
	} else {
		own := backend.Eq("user_id", a.ID())
		feeds = []feed{
			{backend.Subscription{Table: backend.TableNotifications, Events: inserts, Filter: &own}, s.handleInsert},
		}
	}

	handles := make([]backend.Handle, 0, len(feeds))
	for _, f := range feeds {
		h, err := s.realtime.Subscribe(ctx, f.sub, f.handler)
		if err != nil {
			for _, opened := range handles {
				s.realtime.Unsubscribe(opened)
			}
			return fmt.Errorf("subscribe %s: %w", f.sub.Table, err)
		}
		handles = append(handles, h)
	}

	s.mu.Lock()
	if s.addressee != a {
		s.list = nil
		s.unread = 0
		s.states = make(map[string]domain.SyncState)
	}
	s.addressee = a
	s.live = nil
	s.handles = handles
	s.onInsert = onInsert
	s.synthCtx, s.stopSynth = context.WithCancel(ctx)
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) teardown() {
	s.mu.Lock()
	old := s.handles
	s.handles = nil
	if s.stopSynth != nil {
		s.stopSynth()
		s.stopSynth = nil
	}
	s.mu.Unlock()
	for _, h := range old {
		s.realtime.Unsubscribe(h)
	}
}

// Close tears down all subscriptions and waits for in-flight SOS
// notifications to finish or be cancelled.
func (s *Synchronizer) Close() {
	s.teardown()
	s.synthesizer.Wait()
}

// Wait blocks until in-flight SOS notifications have been stored.
func (s *Synchronizer) Wait() { s.synthesizer.Wait() }

func (s *Synchronizer) handleInsert(ctx context.Context, ev domain.ChangeEvent) {
	n, err := domain.DecodeNew[domain.Notification](ev)
	if err != nil {
		s.logger.Warn("undecodable notification insert", "error", err)
		return
	}
	if !s.accept(n) {
		return
	}

	s.mu.Lock()
	to, cb := s.addressee, s.onInsert
	s.mu.Unlock()

	if cb != nil {
		cb(n)
	}
	if s.popup != nil {
		s.popup.Notify(ctx, to, n)
	}
}

// accept prepends n unless a record with the same id is already listed.
func (s *Synchronizer) accept(n domain.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.list, func(x domain.Notification) bool { return x.ID == n.ID }) {
		return false
	}
	s.list = append([]domain.Notification{n}, s.list...)
	s.live = append(s.live, n)
	if !n.IsRead {
		s.unread++
	}
	return true
}

// handleSOSInsert turns a new SOS alert into an admin_alert notification
// addressed to the subscribed admin. The profile lookup, geocoding and insert
// run on their own goroutine so the feed keeps dispatching meanwhile.
func (s *Synchronizer) handleSOSInsert(_ context.Context, ev domain.ChangeEvent) {
	alert, err := domain.DecodeNew[domain.SOSAlert](ev)
	if err != nil {
		s.logger.Warn("undecodable sos insert", "error", err)
		return
	}
	s.mu.Lock()
	to, ctx := s.addressee, s.synthCtx
	if ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.synthesizer.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.synthesizer.Done()
		s.notifySOS(ctx, to, alert)
	}()
}

func (s *Synchronizer) notifySOS(ctx context.Context, to domain.Addressee, alert domain.SOSAlert) {
	sender := s.senderEmail(ctx, alert)
	alert = domain.EnrichAlertPlace(ctx, alert, s.geocoder, s.logger)

	msg := "New emergency SOS from " + sender
	if s.geocoder != nil || alert.IsMarkedLocation {
		msg += " at " + alert.Describe()
	}
	_, err := s.Send(ctx, domain.NotificationDraft{
		To:                to,
		Title:             "🚨 New SOS Alert",
		Message:           msg,
		Type:              domain.NotificationAdminAlert,
		RelatedEntityType: "sos_alert",
		RelatedEntityID:   alert.ID,
	})
	if err != nil {
		s.logger.Error("admin sos notification failed", "alert_id", alert.ID, "error", err)
	}
}

func (s *Synchronizer) senderEmail(ctx context.Context, alert domain.SOSAlert) string {
	profiles, err := backend.SelectInto[domain.Profile](ctx, s.tables, backend.Query{
		Table:   backend.TableProfiles,
		Filters: []backend.Filter{backend.Eq("id", alert.UserID)},
		Limit:   1,
	})
	switch {
	case err == nil && len(profiles) > 0 && profiles[0].Email != "":
		return profiles[0].Email
	case alert.UserEmail != "":
		return alert.UserEmail
	default:
		return "Unknown User"
	}
}

// Snapshot returns a copy of the current list, newest first.
func (s *Synchronizer) Snapshot() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.list)
}

// Unread returns the unread counter.
func (s *Synchronizer) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// SyncStates returns the reconciliation state of every optimistic mutation.
func (s *Synchronizer) SyncStates() map[string]domain.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.states)
}

// MarkRead flips the record to read locally, then confirms with the backend.
// A backend failure is reported through the returned state and error; the
// local change is kept.
func (s *Synchronizer) MarkRead(ctx context.Context, id string) (domain.SyncState, error) {
	s.mu.Lock()
	for i := range s.list {
		if s.list[i].ID == id && !s.list[i].IsRead {
			s.list[i].IsRead = true
			s.unread = max(0, s.unread-1)
			break
		}
	}
	for i := range s.live {
		if s.live[i].ID == id {
			s.live[i].IsRead = true
		}
	}
	s.states[id] = domain.SyncPending
	s.mu.Unlock()

	_, err := s.tables.Update(ctx, backend.TableNotifications, backend.Row{"is_read": true}, backend.Eq("id", id))
	state := domain.SyncConfirmed
	if err != nil {
		state = domain.SyncFailed
		s.logger.Warn("mark read failed, keeping local state", "notification_id", id, "error", err)
		err = fmt.Errorf("mark notification %s read: %w", id, err)
	}
	s.mu.Lock()
	s.states[id] = state
	s.mu.Unlock()
	return state, err
}

// MarkAllRead marks every record visible to a as read. Admins go through the
// mark_admin_notifications_read procedure since their set is a disjunction.
func (s *Synchronizer) MarkAllRead(ctx context.Context, a domain.Addressee) error {
	var err error
	if a.IsAdmin() {
		_, err = s.tables.RPC(ctx, backend.FuncMarkAdminRead, backend.Row{"admin_id": a.ID()})
	} else {
		_, err = s.tables.Update(ctx, backend.TableNotifications, backend.Row{"is_read": true},
			backend.Eq("user_id", a.ID()), backend.Eq("is_read", false))
	}
	if err != nil {
		return fmt.Errorf("mark all read for %s: %w", a, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addressee == a {
		for i := range s.list {
			s.list[i].IsRead = true
		}
		for i := range s.live {
			s.live[i].IsRead = true
		}
		s.unread = 0
	}
	return nil
}

// Send stores a notification for draft.To.
func (s *Synchronizer) Send(ctx context.Context, d domain.NotificationDraft) (domain.Notification, error) {
	return send(ctx, s.tables, s.clock, d)
}

func send(ctx context.Context, tables backend.Tables, clock clockwork.Clock, d domain.NotificationDraft) (domain.Notification, error) {
	if d.To.IsZero() {
		return domain.Notification{}, &domain.ValidationError{Field: "addressee", Reason: "is required"}
	}
	if d.Title == "" {
		return domain.Notification{}, &domain.ValidationError{Field: "title", Reason: "is required"}
	}
	n, err := backend.InsertOne[domain.Notification](ctx, tables, backend.TableNotifications, d.Row(clock.Now()))
	if err != nil {
		return domain.Notification{}, fmt.Errorf("send notification to %s: %w", d.To, err)
	}
	return n, nil
}

// Clear deletes every record addressed to a.
func (s *Synchronizer) Clear(ctx context.Context, a domain.Addressee) error {
	filter := backend.Eq("user_id", a.ID())
	if a.IsAdmin() {
		filter = backend.Contains("metadata", map[string]any{domain.MetadataAdminID: a.ID()})
	}
	if _, err := s.tables.Delete(ctx, backend.TableNotifications, filter); err != nil {
		return fmt.Errorf("clear notifications for %s: %w", a, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addressee == a {
		mine := func(n domain.Notification) bool { return n.Addressee() == a }
		s.list = slices.DeleteFunc(s.list, mine)
		s.live = slices.DeleteFunc(s.live, mine)
		s.unread = domain.CountUnread(s.list)
	}
	return nil
}
