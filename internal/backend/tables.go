package backend

import "github.com/couchcryptid/storm-alert-service/internal/domain"

// Table names.
const (
	TableUsers         = "users"
	TableProfiles      = "profiles"
	TableAuthUsers     = "auth_users"
	TableNotifications = "notifications"
	TableSOSAlerts     = "sos_alerts"
	TableFavorites     = "favorite_locations"
	TableAnnouncements = "announcements"
	TablePreferences   = "notification_preferences"
)

// FuncMarkAdminRead marks every unread record visible to an admin as read.
// It takes a single admin_id argument and returns the number of rows changed.
const FuncMarkAdminRead = "mark_admin_notifications_read"

// AdminVisible is the admin feed predicate: any admin-relevant type, or a
// record addressed to this admin through metadata.admin_id.
func AdminVisible(adminID string) Filter {
	return Or(
		In("type", domain.AdminNotificationTypes...),
		Contains("metadata", map[string]any{domain.MetadataAdminID: adminID}),
	)
}
