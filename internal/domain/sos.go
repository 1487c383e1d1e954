package domain

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// SOSStatus is the state of an emergency alert.
type SOSStatus string

const (
	SOSActive    SOSStatus = "active"
	SOSResponded SOSStatus = "responded"
	SOSResolved  SOSStatus = "resolved"
)

// CanTransition reports whether the state machine allows s -> to.
// Responding again to a responded alert replaces the response text.
func (s SOSStatus) CanTransition(to SOSStatus) bool {
	switch to {
	case SOSResponded:
		return s == SOSActive || s == SOSResponded
	case SOSResolved:
		return s == SOSActive || s == SOSResponded
	default:
		return false
	}
}

// SOSAlert is a row of the sos_alerts table.
type SOSAlert struct {
	ID                        string     `json:"id"`
	UserID                    string     `json:"user_id"`
	UserEmail                 string     `json:"user_email"`
	Latitude                  float64    `json:"latitude"`
	Longitude                 float64    `json:"longitude"`
	IsMarkedLocation          bool       `json:"is_marked_location"`
	MarkedLocationName        *string    `json:"marked_location_name"`
	MarkedLocationDescription *string    `json:"marked_location_description"`
	Status                    SOSStatus  `json:"status"`
	AdminResponse             *string    `json:"admin_response"`
	AdminID                   *string    `json:"admin_id"`
	RespondedAt               *time.Time `json:"responded_at"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`

	// Local-only fields, never written to the table.
	SyncState SyncState `json:"sync_state,omitempty"`
	PlaceName string    `json:"place_name,omitempty"`
}

// CheckInvariant enforces admin_response ⇒ responded_at ⇒ responded|resolved.
func (a SOSAlert) CheckInvariant() error {
	if a.AdminResponse != nil && a.RespondedAt == nil {
		return fmt.Errorf("alert %s: admin_response without responded_at", a.ID)
	}
	if a.RespondedAt != nil && a.Status != SOSResponded && a.Status != SOSResolved {
		return fmt.Errorf("alert %s: responded_at set with status %q", a.ID, a.Status)
	}
	return nil
}

// Row maps the alert to an sos_alerts insert row.
func (a SOSAlert) Row() map[string]any {
	return map[string]any{
		"user_id":                     a.UserID,
		"user_email":                  a.UserEmail,
		"latitude":                    a.Latitude,
		"longitude":                   a.Longitude,
		"is_marked_location":          a.IsMarkedLocation,
		"marked_location_name":        a.MarkedLocationName,
		"marked_location_description": a.MarkedLocationDescription,
		"status":                      string(a.Status),
		"created_at":                  a.CreatedAt.UTC(),
		"updated_at":                  a.UpdatedAt.UTC(),
	}
}

// Coordinates are the SOS origin as submitted; nil means absent.
type Coordinates struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

// Coords builds Coordinates from plain values.
func Coords(lat, lon float64) Coordinates {
	return Coordinates{Latitude: &lat, Longitude: &lon}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks that both coordinates are present and in range.
func (c Coordinates) Validate() error {
	return AsValidationError(Validator().Struct(c))
}

// AsValidationError converts validator output into a ValidationError.
func AsValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "is required"
		if fe.Tag() != "required" {
			reason = "must be a valid " + fe.Tag()
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Field: "request", Reason: err.Error()}
}

// SOSStats aggregates the alert list.
type SOSStats struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	Responded      int `json:"responded"`
	Resolved       int `json:"resolved"`
	Today          int `json:"today"`
	MarkedLocation int `json:"marked_location"`
}

// ComputeSOSStats counts alerts by status. Today compares calendar dates in
// now's location.
func ComputeSOSStats(alerts []SOSAlert, now time.Time) SOSStats {
	stats := SOSStats{Total: len(alerts)}
	y, m, d := now.Date()
	for _, a := range alerts {
		switch a.Status {
		case SOSActive:
			stats.Active++
		case SOSResponded:
			stats.Responded++
		case SOSResolved:
			stats.Resolved++
		}
		ay, am, ad := a.CreatedAt.In(now.Location()).Date()
		if ay == y && am == m && ad == d {
			stats.Today++
		}
		if a.IsMarkedLocation {
			stats.MarkedLocation++
		}
	}
	return stats
}

// UpsertAlert prepends a or replaces the entry with the same id.
func UpsertAlert(list []SOSAlert, a SOSAlert) []SOSAlert {
	for i := range list {
		if list[i].ID == a.ID {
			out := make([]SOSAlert, len(list))
			copy(out, list)
			out[i] = a
			return out
		}
	}
	return append([]SOSAlert{a}, list...)
}

// SortAlertsNewestFirst orders alerts by created_at descending, ties by id.
func SortAlertsNewestFirst(list []SOSAlert) {
	slices.SortStableFunc(list, func(a, b SOSAlert) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// MergeAlerts unions lists keyed by id, newest first. When an id appears
// more than once the copy with the later updated_at wins.
func MergeAlerts(lists ...[]SOSAlert) []SOSAlert {
	index := make(map[string]int)
	var out []SOSAlert
	for _, list := range lists {
		for _, a := range list {
			i, ok := index[a.ID]
			if !ok {
				index[a.ID] = len(out)
				out = append(out, a)
				continue
			}
			if a.UpdatedAt.After(out[i].UpdatedAt) {
				out[i] = a
			}
		}
	}
	SortAlertsNewestFirst(out)
	return out
}
