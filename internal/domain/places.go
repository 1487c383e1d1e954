package domain

import (
	"encoding/json"
	"time"
)

// MarkedLocation is a user-designated point kept only in the fallback store.
type MarkedLocation struct {
	ID          string    `json:"id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FavoriteLocation is a row of favorite_locations plus a weather snapshot.
type FavoriteLocation struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	LocationName       string    `json:"location_name" validate:"required"`
	Latitude           float64   `json:"latitude" validate:"latitude"`
	Longitude          float64   `json:"longitude" validate:"longitude"`
	WeatherDescription string    `json:"weather_description,omitempty"`
	Temperature        *float64  `json:"temperature,omitempty"`
	AddedAt            time.Time `json:"added_at"`
}

// AnnouncementType is the severity of an announcement.
type AnnouncementType string

const (
	AnnouncementInfo    AnnouncementType = "info"
	AnnouncementWarning AnnouncementType = "warning"
	AnnouncementAlert   AnnouncementType = "alert"
)

// Announcement is admin-authored and read-only for end users.
type Announcement struct {
	ID        string           `json:"id"`
	Title     string           `json:"title" validate:"required"`
	Content   string           `json:"content" validate:"required"`
	Type      AnnouncementType `json:"type" validate:"oneof=info warning alert"`
	CreatedAt time.Time        `json:"created_at"`
}

// WeatherSnapshot is the opaque last-known weather payload.
type WeatherSnapshot struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
}
