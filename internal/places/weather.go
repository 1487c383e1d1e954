package places

import (
	"context"
	"encoding/json"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
)

// SaveWeather stores the last weather payload fetched for a user. The
// payload is opaque to the service.
func (s *Service) SaveWeather(ctx context.Context, userID string, data json.RawMessage) (domain.WeatherSnapshot, error) {
	if !json.Valid(data) {
		return domain.WeatherSnapshot{}, &domain.ValidationError{Field: "data", Reason: "must be valid JSON"}
	}
	snap := domain.WeatherSnapshot{Data: data, FetchedAt: s.clock.Now().UTC()}
	if err := fallback.Save(ctx, s.shadow.Store(), fallback.CachedWeatherKey(userID), snap); err != nil {
		return domain.WeatherSnapshot{}, err
	}
	return snap, nil
}

// LoadWeather returns the cached payload, if any.
func (s *Service) LoadWeather(ctx context.Context, userID string) (domain.WeatherSnapshot, bool, error) {
	return fallback.Load[domain.WeatherSnapshot](ctx, s.shadow.Store(), fallback.CachedWeatherKey(userID))
}
