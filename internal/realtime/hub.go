// Package realtime fans row-level change events out to subscribers. The Hub
// is the in-process subscription registry; the Feed drives it from the Kafka
// change topic.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

type subscriber struct {
	sub     backend.Subscription
	handler backend.Handler
}

func (s subscriber) wants(ev domain.ChangeEvent, row backend.Row) bool {
	if s.sub.Table != ev.Table {
		return false
	}
	if len(s.sub.Events) > 0 && !slices.Contains(s.sub.Events, ev.Type) {
		return false
	}
	return s.sub.Filter == nil || s.sub.Filter.Match(row)
}

// Hub implements backend.Realtime and backend.ChangePublisher.
type Hub struct {
	mu      sync.RWMutex
	next    backend.Handle
	subs    map[backend.Handle]subscriber
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[backend.Handle]subscriber),
		logger:  logger,
		metrics: metrics,
	}
}

func (h *Hub) Subscribe(_ context.Context, sub backend.Subscription, handler backend.Handler) (backend.Handle, error) {
	if sub.Table == "" {
		return 0, errors.New("subscribe: table is required")
	}
	if handler == nil {
		return 0, errors.New("subscribe: handler is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.subs[h.next] = subscriber{sub: sub, handler: handler}
	h.metrics.Subscriptions.Set(float64(len(h.subs)))
	return h.next, nil
}

// Unsubscribe removes the subscription. Unknown handles are ignored.
func (h *Hub) Unsubscribe(handle backend.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, handle)
	h.metrics.Subscriptions.Set(float64(len(h.subs)))
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers each event to the matching subscribers, in order, on the
// calling goroutine.
func (h *Hub) Publish(ctx context.Context, evs ...domain.ChangeEvent) error {
	for _, ev := range evs {
		h.dispatch(ctx, ev)
	}
	return nil
}

func (h *Hub) dispatch(ctx context.Context, ev domain.ChangeEvent) {
	row, err := ev.Row()
	if err != nil {
		h.logger.Warn("undecodable change row", "table", ev.Table, "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]backend.Handler, 0, len(h.subs))
	handles := make([]backend.Handle, 0, len(h.subs))
	for handle, s := range h.subs {
		if s.wants(ev, row) {
			handles = append(handles, handle)
		}
	}
	slices.Sort(handles)
	for _, handle := range handles {
		targets = append(targets, h.subs[handle].handler)
	}
	h.mu.RUnlock()

	for _, handler := range targets {
		h.invoke(ctx, ev, handler)
	}
}

func (h *Hub) invoke(ctx context.Context, ev domain.ChangeEvent, handler backend.Handler) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("change handler panicked", "table", ev.Table, "type", ev.Type, "panic", r)
		}
	}()
	handler(ctx, ev)
}
