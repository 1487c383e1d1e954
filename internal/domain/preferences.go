package domain

import (
	"fmt"
	"time"
)

// QuietHours suppresses popups between Start and End (HH:MM, local time).
// A window whose end precedes its start wraps past midnight.
type QuietHours struct {
	Start   string `json:"start" validate:"datetime=15:04"`
	End     string `json:"end" validate:"datetime=15:04"`
	Enabled bool   `json:"enabled"`
}

// NotificationPreferences is a row of notification_preferences.
type NotificationPreferences struct {
	UserID             string     `json:"user_id"`
	EmailNotifications bool       `json:"email_notifications"`
	PushNotifications  bool       `json:"push_notifications"`
	SOSAlerts          bool       `json:"sos_alerts"`
	WeatherAlerts      bool       `json:"weather_alerts"`
	Announcements      bool       `json:"announcements"`
	QuietHours         QuietHours `json:"quiet_hours"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DefaultPreferences returns the preferences a new user starts with.
func DefaultPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:             userID,
		EmailNotifications: true,
		PushNotifications:  true,
		SOSAlerts:          true,
		WeatherAlerts:      true,
		Announcements:      true,
		QuietHours:         QuietHours{Start: "22:00", End: "08:00"},
	}
}

// Row maps the preferences to an upsert row.
func (p NotificationPreferences) Row(now time.Time) map[string]any {
	return map[string]any{
		"user_id":             p.UserID,
		"email_notifications": p.EmailNotifications,
		"push_notifications":  p.PushNotifications,
		"sos_alerts":          p.SOSAlerts,
		"weather_alerts":      p.WeatherAlerts,
		"announcements":       p.Announcements,
		"quiet_hours":         p.QuietHours,
		"updated_at":          now.UTC(),
	}
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := minuteOfDay(q.Start)
	if err != nil {
		return false
	}
	end, err := minuteOfDay(q.End)
	if err != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

func minuteOfDay(hhmm string) (int, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("parse quiet hours %q: %w", hhmm, err)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// AllowsPopup reports whether a popup of type typ may be shown at t.
func (p NotificationPreferences) AllowsPopup(typ NotificationType, t time.Time) bool {
	if !p.PushNotifications || p.QuietHours.Contains(t) {
		return false
	}
	return p.allowsType(typ)
}

// AllowsEmail reports whether an email of type typ may be sent.
func (p NotificationPreferences) AllowsEmail(typ NotificationType) bool {
	return p.EmailNotifications && p.allowsType(typ)
}

func (p NotificationPreferences) allowsType(typ NotificationType) bool {
	switch typ {
	case NotificationSOSResponse, NotificationAdminAlert:
		return p.SOSAlerts
	case NotificationWeatherAlert:
		return p.WeatherAlerts
	case NotificationAnnouncement:
		return p.Announcements
	default:
		return true
	}
}
