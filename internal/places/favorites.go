package places

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/google/uuid"
)

// Favorites returns the user's favorite locations in the order they were
// added, from the shadow copy when the backend read fails. Favorites added
// while the backend was unreachable stay listed.
func (s *Service) Favorites(ctx context.Context, userID string) (fallback.Result[[]domain.FavoriteLocation], error) {
	if userID == "" {
		return fallback.Result[[]domain.FavoriteLocation]{}, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	key := fallback.FavoritesKey(userID)
	return fallback.ReadThrough(ctx, s.shadow, key, func(ctx context.Context) ([]domain.FavoriteLocation, error) {
		rows, err := backend.SelectInto[domain.FavoriteLocation](ctx, s.tables, backend.Query{
			Table:   backend.TableFavorites,
			Filters: []backend.Filter{backend.Eq("user_id", userID)},
			OrderBy: "added_at",
		})
		if err != nil {
			return nil, err
		}
		shadowed, _, lerr := fallback.Load[[]domain.FavoriteLocation](ctx, s.shadow.Store(), key)
		if lerr != nil {
			s.logger.Warn("read favorites shadow failed", "user_id", userID, "error", lerr)
		}
		for _, f := range shadowed {
			if strings.HasPrefix(f.ID, localPrefix) {
				rows = append(rows, f)
			}
		}
		slices.SortStableFunc(rows, func(a, b domain.FavoriteLocation) int { return a.AddedAt.Compare(b.AddedAt) })
		return rows, nil
	})
}

// AddFavorite stores a favorite. The favorite is always appended to the
// shadow copy; Degraded is set when the backend insert failed and the record
// exists only locally.
func (s *Service) AddFavorite(ctx context.Context, userID string, fav domain.FavoriteLocation) (fallback.Result[domain.FavoriteLocation], error) {
	if userID == "" {
		return fallback.Result[domain.FavoriteLocation]{}, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	fav.UserID = userID
	fav.AddedAt = s.clock.Now().UTC()
	if err := domain.AsValidationError(domain.Validator().Struct(fav)); err != nil {
		return fallback.Result[domain.FavoriteLocation]{}, err
	}

	res := fallback.Result[domain.FavoriteLocation]{Value: fav}
	stored, err := backend.InsertOne[domain.FavoriteLocation](ctx, s.tables, backend.TableFavorites, backend.Row{
		"user_id":             fav.UserID,
		"location_name":       fav.LocationName,
		"latitude":            fav.Latitude,
		"longitude":           fav.Longitude,
		"weather_description": fav.WeatherDescription,
		"temperature":         fav.Temperature,
		"added_at":            fav.AddedAt,
	})
	if err != nil {
		s.logger.Warn("favorite insert failed, keeping local copy", "user_id", userID, "error", err)
		res.Value.ID = localPrefix + uuid.NewString()
		res.Degraded = true
	} else {
		res.Value.ID = stored.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := update(ctx, s, fallback.FavoritesKey(userID), func(list []domain.FavoriteLocation) []domain.FavoriteLocation {
		return append(list, res.Value)
	}); err != nil {
		s.logger.Warn("favorite shadow write failed", "user_id", userID, "error", err)
	}
	return res, nil
}

// RemoveFavorite deletes a favorite from the backend and the shadow copy.
// An unreachable backend only affects the shadow copy.
func (s *Service) RemoveFavorite(ctx context.Context, userID, id string) error {
	if !strings.HasPrefix(id, localPrefix) {
		_, err := s.tables.Delete(ctx, backend.TableFavorites, backend.Eq("id", id), backend.Eq("user_id", userID))
		switch {
		case domain.IsUnavailable(err):
			s.logger.Warn("favorite delete failed, removing local copy only", "user_id", userID, "id", id, "error", err)
		case err != nil:
			return fmt.Errorf("remove favorite %s: %w", id, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := update(ctx, s, fallback.FavoritesKey(userID), func(list []domain.FavoriteLocation) []domain.FavoriteLocation {
		return slices.DeleteFunc(list, func(f domain.FavoriteLocation) bool { return f.ID == id })
	})
	return err
}
