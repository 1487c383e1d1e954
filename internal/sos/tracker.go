// Package sos creates, lists and updates emergency alerts, mirrors their
// realtime changes, and keeps unsent alerts visible until they reach the
// backend.
package sos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/couchcryptid/storm-alert-service/internal/notify"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// placeholderPrefix marks ids of alerts that have not been stored yet.
const placeholderPrefix = "local-"

// Notifier stores a notification record.
type Notifier interface {
	Send(ctx context.Context, d domain.NotificationDraft) (domain.Notification, error)
}

// ChangeFunc observes a mutation of the tracked list.
type ChangeFunc func(typ domain.ChangeType, alert domain.SOSAlert)

// Options holds optional collaborators.
type Options struct {
	Notifier Notifier
	Popup    notify.Popup
	Clock    clockwork.Clock
	// Location is the time zone "today" is evaluated in. Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	// Backoff builds the retry policy for Reconcile.
	Backoff func() backoff.BackOff
}

// Tracker owns the alert list of one principal: a user's own alerts or, for
// administrators, every alert.
type Tracker struct {
	tables   backend.Tables
	realtime backend.Realtime
	shadow   *fallback.Shadow
	notifier Notifier
	popup    notify.Popup
	clock    clockwork.Clock
	location *time.Location
	logger   *slog.Logger
	metrics  *observability.Metrics
	backoff  func() backoff.BackOff

	mu       sync.Mutex
	userID   string // empty when tracking every alert
	alerts   []domain.SOSAlert
	live     []domain.SOSAlert // delivered by the feed since the last subscribe
	handle   backend.Handle
	onChange ChangeFunc
}

// NewTracker wires a tracker. tables, realtime and shadow are required.
func NewTracker(tables backend.Tables, rt backend.Realtime, shadow *fallback.Shadow, opts Options) *Tracker {
	if tables == nil || rt == nil || shadow == nil {
		panic("sos: nil dependency")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Backoff == nil {
		opts.Backoff = defaultBackoff
	}
	return &Tracker{
		tables:   tables,
		realtime: rt,
		shadow:   shadow,
		notifier: opts.Notifier,
		popup:    opts.Popup,
		clock:    domain.NewClock(opts.Clock),
		location: opts.Location,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		backoff:  opts.Backoff,
	}
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// IsPlaceholder reports whether a has not been stored by the backend yet.
func IsPlaceholder(a domain.SOSAlert) bool {
	return strings.HasPrefix(a.ID, placeholderPrefix)
}

// Send records an SOS from user at coords. The alert is listed and shadowed
// before the backend insert is attempted; when the insert fails the returned
// alert carries SyncState failed and stays listed until Reconcile stores it.
// Only invalid input returns an error.
func (t *Tracker) Send(ctx context.Context, user domain.UserPrincipal, coords domain.Coordinates, marked *domain.MarkedLocation) (domain.SOSAlert, error) {
	if user.ID == "" {
		return domain.SOSAlert{}, &domain.ValidationError{Field: "user", Reason: "is required"}
	}
	if err := coords.Validate(); err != nil {
		return domain.SOSAlert{}, err
	}

	now := t.clock.Now().UTC()
	alert := domain.SOSAlert{
		ID:        placeholderPrefix + uuid.NewString(),
		UserID:    user.ID,
		UserEmail: user.Email,
		Latitude:  *coords.Latitude,
		Longitude: *coords.Longitude,
		Status:    domain.SOSActive,
		CreatedAt: now,
		UpdatedAt: now,
		SyncState: domain.SyncPending,
	}
	if marked != nil {
		alert.IsMarkedLocation = true
		alert.MarkedLocationName = nonEmpty(marked.Name)
		alert.MarkedLocationDescription = nonEmpty(marked.Description)
	}

	t.apply(ctx, user.ID, func(list []domain.SOSAlert) []domain.SOSAlert {
		return append([]domain.SOSAlert{alert}, list...)
	})

	stored, err := t.insert(ctx, alert)
	if err != nil {
		t.logger.Warn("sos insert failed, keeping local alert", "user_id", user.ID, "alert_id", alert.ID, "error", err)
		t.metrics.SOSAlerts.WithLabelValues("failed").Inc()
		alert.SyncState = domain.SyncFailed
		t.replace(ctx, user.ID, alert.ID, alert)
		return alert, nil
	}
	t.metrics.SOSAlerts.WithLabelValues("confirmed").Inc()
	t.replace(ctx, user.ID, alert.ID, stored)
	t.logger.Info("sos alert sent", "user_id", user.ID, "alert_id", stored.ID, "marked", stored.IsMarkedLocation)
	return stored, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *Tracker) insert(ctx context.Context, placeholder domain.SOSAlert) (domain.SOSAlert, error) {
	stored, err := backend.InsertOne[domain.SOSAlert](ctx, t.tables, backend.TableSOSAlerts, placeholder.Row())
	if err != nil {
		return domain.SOSAlert{}, err
	}
	stored.SyncState = domain.SyncConfirmed
	return stored, nil
}

// apply mutates the shadow list of userID and, when it is the tracked user,
// the in-memory list.
func (t *Tracker) apply(ctx context.Context, userID string, fn func([]domain.SOSAlert) []domain.SOSAlert) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fallback.SOSAlertsKey(userID)
	shadowed, _, err := fallback.Load[[]domain.SOSAlert](ctx, t.shadow.Store(), key)
	if err != nil {
		t.logger.Warn("read sos shadow failed", "user_id", userID, "error", err)
	}
	t.shadow.Write(ctx, key, fn(shadowed))

	if t.userID == userID {
		t.alerts = fn(t.alerts)
	}
}

// replace swaps the entry with id for alert, dropping any copy of alert that
// the feed delivered in the meantime.
func (t *Tracker) replace(ctx context.Context, userID, id string, alert domain.SOSAlert) {
	t.apply(ctx, userID, func(list []domain.SOSAlert) []domain.SOSAlert {
		out := make([]domain.SOSAlert, 0, len(list)+1)
		placed := false
		for _, a := range list {
			switch {
			case a.ID == id && !placed:
				out = append(out, alert)
				placed = true
			case a.ID == id, a.ID == alert.ID:
			default:
				out = append(out, a)
			}
		}
		if !placed {
			out = append([]domain.SOSAlert{alert}, out...)
		}
		return out
	})
}

// ListForUser returns the user's alerts newest first, including alerts not
// yet stored by the backend. A backend failure serves the shadow copy with
// Degraded set.
func (t *Tracker) ListForUser(ctx context.Context, userID string) (fallback.Result[[]domain.SOSAlert], error) {
	if userID == "" {
		return fallback.Result[[]domain.SOSAlert]{}, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	key := fallback.SOSAlertsKey(userID)
	res, err := fallback.ReadThrough(ctx, t.shadow, key, func(ctx context.Context) ([]domain.SOSAlert, error) {
		rows, err := t.query(ctx, backend.Eq("user_id", userID))
		if err != nil {
			return nil, err
		}
		shadowed, _, lerr := fallback.Load[[]domain.SOSAlert](ctx, t.shadow.Store(), key)
		if lerr != nil {
			t.logger.Warn("read sos shadow failed", "user_id", userID, "error", lerr)
		}
		return domain.MergeAlerts(placeholders(shadowed), rows), nil
	})
	if err != nil {
		return res, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	res.Value = t.withLive(userID, res.Value)
	return res, nil
}

// withLive merges alerts the feed delivered for userID ("" for every alert)
// into fetched and adopts the result as the tracked list. Callers hold t.mu.
func (t *Tracker) withLive(userID string, fetched []domain.SOSAlert) []domain.SOSAlert {
	var live []domain.SOSAlert
	if t.handle != 0 && t.userID == userID {
		live = t.live
	}
	list := domain.MergeAlerts(fetched, live)
	if t.userID == userID || t.handle == 0 {
		t.userID = userID
		t.alerts = slices.Clone(list)
	}
	return list
}

func placeholders(list []domain.SOSAlert) []domain.SOSAlert {
	var out []domain.SOSAlert
	for _, a := range list {
		if IsPlaceholder(a) {
			out = append(out, a)
		}
	}
	return out
}

// List returns every alert newest first, optionally restricted to status.
// A backend failure serves the shadow copy of the full list with Degraded set.
func (t *Tracker) List(ctx context.Context, status domain.SOSStatus) (fallback.Result[[]domain.SOSAlert], error) {
	res, err := fallback.ReadThrough(ctx, t.shadow, fallback.KeyAllSOSAlerts, func(ctx context.Context) ([]domain.SOSAlert, error) {
		return t.query(ctx)
	})
	if err != nil {
		return res, fmt.Errorf("list sos alerts: %w", err)
	}

	t.mu.Lock()
	res.Value = t.withLive("", res.Value)
	t.mu.Unlock()

	if status != "" {
		res.Value = slices.DeleteFunc(res.Value, func(a domain.SOSAlert) bool { return a.Status != status })
	}
	return res, nil
}

func (t *Tracker) query(ctx context.Context, filters ...backend.Filter) ([]domain.SOSAlert, error) {
	list, err := backend.SelectInto[domain.SOSAlert](ctx, t.tables, backend.Query{
		Table:   backend.TableSOSAlerts,
		Filters: filters,
		OrderBy: "created_at",
		Desc:    true,
	})
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].SyncState = domain.SyncConfirmed
	}
	return list, nil
}

// Snapshot returns a copy of the tracked list.
func (t *Tracker) Snapshot() []domain.SOSAlert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.alerts)
}

// SubscribeForUser mirrors INSERT and UPDATE events on the user's alerts into
// the tracked list, replacing any previous subscription.
func (t *Tracker) SubscribeForUser(ctx context.Context, userID string, onChange ChangeFunc) error {
	if userID == "" {
		return &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	own := backend.Eq("user_id", userID)
	return t.subscribe(ctx, userID, &own, onChange)
}

// SubscribeAll mirrors every alert change, for administrator dashboards.
func (t *Tracker) SubscribeAll(ctx context.Context, onChange ChangeFunc) error {
	return t.subscribe(ctx, "", nil, onChange)
}

func (t *Tracker) subscribe(ctx context.Context, userID string, filter *backend.Filter, onChange ChangeFunc) error {
	t.teardown()
	h, err := t.realtime.Subscribe(ctx, backend.Subscription{
		Table:  backend.TableSOSAlerts,
		Events: []domain.ChangeType{domain.ChangeInsert, domain.ChangeUpdate},
		Filter: filter,
	}, t.handleChange)
	if err != nil {
		return fmt.Errorf("subscribe sos alerts: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID != userID {
		t.alerts = nil
	}
	t.userID = userID
	t.live = nil
	t.handle = h
	t.onChange = onChange
	return nil
}

func (t *Tracker) teardown() {
	t.mu.Lock()
	h := t.handle
	t.handle = 0
	t.mu.Unlock()
	if h != 0 {
		t.realtime.Unsubscribe(h)
	}
}

// Close tears down the subscription.
func (t *Tracker) Close() { t.teardown() }

func (t *Tracker) handleChange(ctx context.Context, ev domain.ChangeEvent) {
	alert, err := domain.DecodeNew[domain.SOSAlert](ev)
	if err != nil {
		t.logger.Warn("undecodable sos change", "type", ev.Type, "error", err)
		return
	}
	alert.SyncState = domain.SyncConfirmed
	if err := alert.CheckInvariant(); err != nil {
		t.logger.Warn("sos change violates response invariant", "error", err)
	}

	t.mu.Lock()
	idx := slices.IndexFunc(t.alerts, func(a domain.SOSAlert) bool { return a.ID == alert.ID })
	var prev *domain.SOSAlert
	if idx >= 0 {
		p := t.alerts[idx]
		prev = &p
	}
	switch {
	case ev.Type == domain.ChangeInsert && idx >= 0:
		t.mu.Unlock()
		return
	case ev.Type == domain.ChangeInsert:
		t.alerts = append([]domain.SOSAlert{alert}, t.alerts...)
	default:
		t.alerts = domain.UpsertAlert(t.alerts, alert)
	}
	t.live = domain.UpsertAlert(t.live, alert)
	userID, list, cb := t.userID, slices.Clone(t.alerts), t.onChange
	t.mu.Unlock()

	if userID != "" {
		t.shadow.Write(ctx, fallback.SOSAlertsKey(userID), list)
		t.popupFor(ctx, ev, prev, alert)
	}
	if cb != nil {
		cb(ev.Type, alert)
	}
}

// popupFor shows "sent" for a new alert and the admin response the first time
// one appears on an alert.
func (t *Tracker) popupFor(ctx context.Context, ev domain.ChangeEvent, prev *domain.SOSAlert, alert domain.SOSAlert) {
	if t.popup == nil {
		return
	}
	to := domain.UserAddressee(alert.UserID)
	n := domain.Notification{
		UserID:            &alert.UserID,
		Type:              domain.NotificationInfo,
		RelatedEntityType: "sos_alert",
		RelatedEntityID:   alert.ID,
		CreatedAt:         t.clock.Now(),
	}
	switch ev.Type {
	case domain.ChangeInsert:
		n.Title = "SOS Sent"
		n.Message = "Your emergency SOS has been sent to administrators"
	case domain.ChangeUpdate:
		if alert.AdminResponse == nil || hadResponse(ev, prev) {
			return
		}
		n.Title = "SOS Response"
		n.Message = "Admin responded: " + *alert.AdminResponse
		n.Type = domain.NotificationSOSResponse
	default:
		return
	}
	t.popup.Notify(ctx, to, n)
}

func hadResponse(ev domain.ChangeEvent, prev *domain.SOSAlert) bool {
	if prev != nil {
		return prev.AdminResponse != nil
	}
	if len(ev.Old) == 0 {
		return false
	}
	old, err := backend.DecodeRow[domain.SOSAlert](ev.Old)
	return err == nil && old.AdminResponse != nil
}

// Respond records an administrator's response and notifies the alert's owner.
// A failed notification is logged and does not undo the response.
func (t *Tracker) Respond(ctx context.Context, alertID, adminID, text string) (domain.SOSAlert, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.SOSAlert{}, &domain.ValidationError{Field: "admin_response", Reason: "is required"}
	}
	if adminID == "" {
		return domain.SOSAlert{}, &domain.ValidationError{Field: "admin_id", Reason: "is required"}
	}
	now := t.clock.Now().UTC()
	updated, err := t.transition(ctx, alertID, domain.SOSResponded, backend.Row{
		"admin_response": text,
		"admin_id":       adminID,
		"responded_at":   now,
		"status":         string(domain.SOSResponded),
		"updated_at":     now,
	})
	if err != nil {
		return domain.SOSAlert{}, err
	}

	if t.notifier != nil {
		_, err := t.notifier.Send(ctx, domain.NotificationDraft{
			To:                domain.UserAddressee(updated.UserID),
			Title:             "SOS Response Received",
			Message:           "Admin response: " + text,
			Type:              domain.NotificationSOSResponse,
			RelatedEntityType: "sos_alert",
			RelatedEntityID:   updated.ID,
		})
		if err != nil {
			t.logger.Warn("sos response notification failed", "alert_id", updated.ID,
				"error", fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err))
		}
	}
	t.logger.Info("sos alert responded", "alert_id", updated.ID, "admin_id", adminID)
	return updated, nil
}

// Resolve closes an alert. The response, if any, is kept.
func (t *Tracker) Resolve(ctx context.Context, alertID string) (domain.SOSAlert, error) {
	updated, err := t.transition(ctx, alertID, domain.SOSResolved, backend.Row{
		"status":     string(domain.SOSResolved),
		"updated_at": t.clock.Now().UTC(),
	})
	if err != nil {
		return domain.SOSAlert{}, err
	}
	t.logger.Info("sos alert resolved", "alert_id", updated.ID)
	return updated, nil
}

// transition applies patch when the alert's current status may move to to.
// The update is guarded by the allowed source states so a concurrent change
// cannot be overwritten.
func (t *Tracker) transition(ctx context.Context, alertID string, to domain.SOSStatus, patch backend.Row) (domain.SOSAlert, error) {
	if alertID == "" || strings.HasPrefix(alertID, placeholderPrefix) {
		return domain.SOSAlert{}, fmt.Errorf("sos alert %q: %w", alertID, domain.ErrNotFound)
	}
	current, err := backend.SelectInto[domain.SOSAlert](ctx, t.tables, backend.Query{
		Table:   backend.TableSOSAlerts,
		Filters: []backend.Filter{backend.Eq("id", alertID)},
		Limit:   1,
	})
	if err != nil {
		return domain.SOSAlert{}, fmt.Errorf("load sos alert %s: %w", alertID, err)
	}
	if len(current) == 0 {
		return domain.SOSAlert{}, fmt.Errorf("sos alert %s: %w", alertID, domain.ErrNotFound)
	}
	if !current[0].Status.CanTransition(to) {
		return domain.SOSAlert{}, fmt.Errorf("sos alert %s %s -> %s: %w", alertID, current[0].Status, to, domain.ErrInvalidTransition)
	}

	var from []domain.SOSStatus
	for _, s := range []domain.SOSStatus{domain.SOSActive, domain.SOSResponded, domain.SOSResolved} {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	raws, err := t.tables.Update(ctx, backend.TableSOSAlerts, patch,
		backend.Eq("id", alertID),
		backend.In("status", from...),
	)
	if err != nil {
		return domain.SOSAlert{}, fmt.Errorf("update sos alert %s: %w", alertID, err)
	}
	if len(raws) == 0 {
		return domain.SOSAlert{}, fmt.Errorf("sos alert %s changed concurrently: %w", alertID, domain.ErrInvalidTransition)
	}
	updated, err := backend.DecodeRow[domain.SOSAlert](raws[0])
	if err != nil {
		return domain.SOSAlert{}, err
	}
	updated.SyncState = domain.SyncConfirmed
	return updated, nil
}

// Stats aggregates every alert; "today" is the current calendar date in the
// configured location. It is computed from List, so an outage yields stats
// over the shadow copy with Degraded set.
func (t *Tracker) Stats(ctx context.Context) (fallback.Result[domain.SOSStats], error) {
	list, err := t.List(ctx, "")
	if err != nil {
		return fallback.Result[domain.SOSStats]{}, fmt.Errorf("sos stats: %w", err)
	}
	return fallback.Result[domain.SOSStats]{
		Value:    domain.ComputeSOSStats(list.Value, t.clock.Now().In(t.location)),
		Degraded: list.Degraded,
	}, nil
}

// Reconcile retries the insert of every failed alert of userID with
// exponential backoff. It returns how many alerts reached the backend.
func (t *Tracker) Reconcile(ctx context.Context, userID string) (int, error) {
	shadowed, _, err := fallback.Load[[]domain.SOSAlert](ctx, t.shadow.Store(), fallback.SOSAlertsKey(userID))
	if err != nil {
		return 0, fmt.Errorf("read unsent sos alerts: %w", err)
	}

	var errs []error
	reconciled := 0
	for _, alert := range placeholders(shadowed) {
		if alert.SyncState != domain.SyncFailed {
			continue
		}
		var stored domain.SOSAlert
		op := func() error {
			var err error
			stored, err = t.insert(ctx, alert)
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				return backoff.Permanent(err)
			}
			return err
		}
		onRetry := func(err error, wait time.Duration) {
			t.logger.Warn("sos reconcile attempt failed", "alert_id", alert.ID, "retry_in", wait, "error", err)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(t.backoff(), ctx), onRetry); err != nil {
			errs = append(errs, fmt.Errorf("reconcile sos alert %s: %w", alert.ID, err))
			continue
		}
		t.metrics.SOSAlerts.WithLabelValues("reconciled").Inc()
		t.replace(ctx, userID, alert.ID, stored)
		reconciled++
	}
	if reconciled > 0 {
		t.logger.Info("sos alerts reconciled", "user_id", userID, "count", reconciled)
	}
	return reconciled, errors.Join(errs...)
}
