package places

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/google/uuid"
)

// Mark saves a marked location. An empty name becomes "Marked Location N",
// numbered per user and never reused after a delete.
func (s *Service) Mark(ctx context.Context, userID string, coords domain.Coordinates, name, description string) (domain.MarkedLocation, error) {
	if userID == "" {
		return domain.MarkedLocation{}, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if err := coords.Validate(); err != nil {
		return domain.MarkedLocation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, _, err := fallback.Load[int](ctx, s.shadow.Store(), fallback.MarkedLocationSeqKey(userID))
	if err != nil {
		return domain.MarkedLocation{}, err
	}
	seq++
	if err := fallback.Save(ctx, s.shadow.Store(), fallback.MarkedLocationSeqKey(userID), seq); err != nil {
		return domain.MarkedLocation{}, err
	}

	loc := domain.MarkedLocation{
		ID:          uuid.NewString(),
		Latitude:    *coords.Latitude,
		Longitude:   *coords.Longitude,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		CreatedAt:   s.clock.Now().UTC(),
	}
	if loc.Name == "" {
		loc.Name = fmt.Sprintf("Marked Location %d", seq)
	}
	if _, err := update(ctx, s, fallback.MarkedLocationsKey(userID), func(list []domain.MarkedLocation) []domain.MarkedLocation {
		return append(list, loc)
	}); err != nil {
		return domain.MarkedLocation{}, err
	}
	return loc, nil
}

// MarkedLocations returns the user's marked locations, oldest first.
func (s *Service) MarkedLocations(ctx context.Context, userID string) ([]domain.MarkedLocation, error) {
	list, _, err := fallback.Load[[]domain.MarkedLocation](ctx, s.shadow.Store(), fallback.MarkedLocationsKey(userID))
	return list, err
}

// MarkedLocation returns one marked location.
func (s *Service) MarkedLocation(ctx context.Context, userID, id string) (domain.MarkedLocation, error) {
	list, err := s.MarkedLocations(ctx, userID)
	if err != nil {
		return domain.MarkedLocation{}, err
	}
	i := slices.IndexFunc(list, func(m domain.MarkedLocation) bool { return m.ID == id })
	if i < 0 {
		return domain.MarkedLocation{}, fmt.Errorf("marked location %s: %w", id, domain.ErrNotFound)
	}
	return list[i], nil
}

// DeleteMarkedLocation removes a marked location.
func (s *Service) DeleteMarkedLocation(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	_, err := update(ctx, s, fallback.MarkedLocationsKey(userID), func(list []domain.MarkedLocation) []domain.MarkedLocation {
		return slices.DeleteFunc(list, func(m domain.MarkedLocation) bool {
			if m.ID == id {
				found = true
			}
			return m.ID == id
		})
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("marked location %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
