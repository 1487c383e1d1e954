package domain

import (
	"context"
	"fmt"
	"log/slog"
)

// EnrichAlertPlace fills alert.PlaceName by reverse geocoding its coordinates.
// A nil geocoder or a failed lookup leaves the alert unchanged.
func EnrichAlertPlace(ctx context.Context, alert SOSAlert, geocoder Geocoder, logger *slog.Logger) SOSAlert {
	if geocoder == nil || alert.PlaceName != "" {
		return alert
	}
	if alert.Latitude == 0 && alert.Longitude == 0 {
		return alert
	}

	result, err := geocoder.ReverseGeocode(ctx, alert.Latitude, alert.Longitude)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"alert_id", alert.ID,
			"lat", alert.Latitude,
			"lon", alert.Longitude,
			"error", err,
		)
		return alert
	}
	switch {
	case result.FormattedAddress != "":
		alert.PlaceName = result.FormattedAddress
	case result.PlaceName != "":
		alert.PlaceName = result.PlaceName
	}
	return alert
}

// Describe renders a location label for an alert, preferring the marked
// location name, then the geocoded place, then raw coordinates.
func (a SOSAlert) Describe() string {
	if a.IsMarkedLocation && a.MarkedLocationName != nil && *a.MarkedLocationName != "" {
		return *a.MarkedLocationName
	}
	if a.PlaceName != "" {
		return a.PlaceName
	}
	return formatCoords(a.Latitude, a.Longitude)
}

func formatCoords(lat, lon float64) string {
	return fmt.Sprintf("%.4f, %.4f", lat, lon)
}
