// Package fallback is the local fallback store: a key-value shadow of the
// last successful backend reads. Layers read through it so a backend outage
// or a missing table degrades to stale data instead of an error.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

// ErrMiss is returned by Store.Get when the key is absent.
var ErrMiss = errors.New("fallback: key not found")

// Store holds JSON values by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Well-known keys.
const (
	KeyAdminAuth        = "adminAuth"
	KeyCachedWeather    = "cachedWeather"
	KeyAnnouncements    = "announcements"
	KeyPreferences      = "notification_preferences"
	KeyAllSOSAlerts     = "sosAlerts_all"
	keyMarkedLocations  = "markedLocations"
	keyUserFavorites    = "userFavorites"
	keyUserSOSAlerts    = "userSOSAlerts"
	keyNotifications    = "notifications"
	keySession          = "session"
	keyMarkedLocCounter = "markedLocationsSeq"
)

func MarkedLocationsKey(userID string) string   { return keyMarkedLocations + "_" + userID }
func MarkedLocationSeqKey(userID string) string { return keyMarkedLocCounter + "_" + userID }
func FavoritesKey(userID string) string         { return keyUserFavorites + "_" + userID }
func SOSAlertsKey(userID string) string         { return keyUserSOSAlerts + "_" + userID }
func NotificationsKey(addresseeKey string) string {
	return keyNotifications + "_" + addresseeKey
}
func SessionKey(token string) string         { return keySession + "_" + token }
func CachedWeatherKey(userID string) string { return KeyCachedWeather + "_" + userID }
func PreferencesKey(userID string) string   { return KeyPreferences + "_" + userID }

// entity maps a key to its metric label.
func entity(key string) string {
	if strings.HasPrefix(key, KeyPreferences) {
		return KeyPreferences
	}
	if i := strings.IndexByte(key, '_'); i > 0 {
		return key[:i]
	}
	return key
}

// Load decodes the value at key into T. found is false on a miss.
func Load[T any](ctx context.Context, s Store, key string) (v T, found bool, err error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("fallback get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("fallback decode %s: %w", key, err)
	}
	return v, true, nil
}

// Save encodes v as JSON under key.
func Save(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fallback encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return fmt.Errorf("fallback set %s: %w", key, err)
	}
	return nil
}

// Result is a read-through value. Degraded is true when it came from the
// shadow copy (or is empty) because the backend read failed.
type Result[T any] struct {
	Value    T
	Degraded bool
}

// Shadow coordinates backend reads with the fallback store.
type Shadow struct {
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewShadow wires a store for read-through use.
func NewShadow(store Store, logger *slog.Logger, metrics *observability.Metrics) *Shadow {
	if store == nil {
		panic("fallback: nil store")
	}
	return &Shadow{store: store, logger: logger, metrics: metrics}
}

// Store returns the underlying store.
func (s *Shadow) Store() Store { return s.store }

// Write persists v under key, logging instead of failing.
func (s *Shadow) Write(ctx context.Context, key string, v any) {
	if err := Save(ctx, s.store, key, v); err != nil {
		s.logger.Warn("fallback write failed", "key", key, "error", err)
	}
}

// ReadThrough runs fetch and shadows its result under key. When fetch fails
// for any reason other than cancellation of ctx, the shadow copy is returned
// with Degraded set; a missing shadow yields the zero value.
func ReadThrough[T any](ctx context.Context, s *Shadow, key string, fetch func(context.Context) (T, error)) (Result[T], error) {
	v, err := fetch(ctx)
	if err == nil {
		s.Write(ctx, key, v)
		return Result[T]{Value: v}, nil
	}
	if ctx.Err() != nil {
		return Result[T]{}, err
	}

	s.logger.Warn("backend read failed, using fallback store", "key", key, "error", err)
	if s.metrics != nil {
		s.metrics.FallbackReads.WithLabelValues(entity(key)).Inc()
	}
	cached, _, lerr := Load[T](ctx, s.store, key)
	if lerr != nil {
		s.logger.Warn("fallback read failed", "key", key, "error", lerr)
	}
	return Result[T]{Value: cached, Degraded: true}, nil
}
