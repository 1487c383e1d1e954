package domain

import (
	"cmp"
	"maps"
	"slices"
	"time"
)

// NotificationType classifies a notification record.
type NotificationType string

const (
	NotificationAdminAlert   NotificationType = "admin_alert"
	NotificationSystem       NotificationType = "system"
	NotificationSOSResponse  NotificationType = "sos_response"
	NotificationAnnouncement NotificationType = "announcement"
	NotificationWeatherAlert NotificationType = "weather_alert"
	NotificationInfo         NotificationType = "info"
)

// AdminNotificationTypes are visible to every administrator.
var AdminNotificationTypes = []NotificationType{NotificationAdminAlert, NotificationSystem, NotificationSOSResponse}

// IsAdminType reports whether t belongs to the admin-relevant set.
func IsAdminType(t NotificationType) bool {
	return slices.Contains(AdminNotificationTypes, t)
}

// SnapshotLimit caps the number of records a notification snapshot holds.
const SnapshotLimit = 50

// MetadataAdminID is the metadata key carrying an admin addressee id.
const MetadataAdminID = "admin_id"

// Notification is a row of the notifications table.
type Notification struct {
	ID                string           `json:"id"`
	UserID            *string          `json:"user_id"`
	Title             string           `json:"title"`
	Message           string           `json:"message"`
	Type              NotificationType `json:"type"`
	IsRead            bool             `json:"is_read"`
	RelatedEntityType string           `json:"related_entity_type,omitempty"`
	RelatedEntityID   string           `json:"related_entity_id,omitempty"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Addressee resolves the record's owner from user_id or metadata.admin_id.
func (n Notification) Addressee() Addressee {
	if n.UserID != nil && *n.UserID != "" {
		return UserAddressee(*n.UserID)
	}
	if id, ok := n.Metadata[MetadataAdminID].(string); ok && id != "" {
		return AdminAddressee(id)
	}
	return Addressee{}
}

// VisibleTo reports whether an addressee's feed should include n.
func (n Notification) VisibleTo(a Addressee) bool {
	if a.IsAdmin() && IsAdminType(n.Type) {
		return true
	}
	owner := n.Addressee()
	return owner.Kind() == a.Kind() && owner.ID() == a.ID()
}

// NotificationDraft is a notification that has not been stored yet.
type NotificationDraft struct {
	To                Addressee
	Title             string
	Message           string
	Type              NotificationType
	RelatedEntityType string
	RelatedEntityID   string
	Metadata          map[string]any
}

// Row maps the draft to a notifications-table row. Admin addressees are stored
// with a NULL user_id and their id under metadata.admin_id.
func (d NotificationDraft) Row(now time.Time) map[string]any {
	typ := d.Type
	if typ == "" {
		typ = NotificationInfo
	}
	row := map[string]any{
		"title":      d.Title,
		"message":    d.Message,
		"type":       string(typ),
		"is_read":    false,
		"created_at": now.UTC(),
	}
	if d.RelatedEntityType != "" {
		row["related_entity_type"] = d.RelatedEntityType
	}
	if d.RelatedEntityID != "" {
		row["related_entity_id"] = d.RelatedEntityID
	}

	meta := maps.Clone(d.Metadata)
	if d.To.IsAdmin() {
		if meta == nil {
			meta = map[string]any{}
		}
		meta[MetadataAdminID] = d.To.ID()
		row["user_id"] = nil
	} else {
		row["user_id"] = d.To.ID()
	}
	if meta != nil {
		row["metadata"] = meta
	}
	return row
}

// SortNewestFirst orders notifications by created_at descending. Ties keep id
// order so the result is deterministic.
func SortNewestFirst(list []Notification) {
	slices.SortStableFunc(list, func(a, b Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// MergeNotifications unions lists keyed by id, newest first, truncated to limit.
func MergeNotifications(limit int, lists ...[]Notification) []Notification {
	seen := make(map[string]struct{})
	var out []Notification
	for _, list := range lists {
		for _, n := range list {
			if _, ok := seen[n.ID]; ok {
				continue
			}
			seen[n.ID] = struct{}{}
			out = append(out, n)
		}
	}
	SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountUnread returns the number of records with is_read = false.
func CountUnread(list []Notification) int {
	n := 0
	for _, rec := range list {
		if !rec.IsRead {
			n++
		}
	}
	return n
}

// NotificationStats summarizes a user's notifications.
type NotificationStats struct {
	Total  int                      `json:"total"`
	Unread int                      `json:"unread"`
	ByType map[NotificationType]int `json:"by_type"`
	Recent []Notification           `json:"recent"`
}

// ComputeNotificationStats aggregates list, which must be newest first.
func ComputeNotificationStats(list []Notification) NotificationStats {
	stats := NotificationStats{
		Total:  len(list),
		Unread: CountUnread(list),
		ByType: make(map[NotificationType]int),
	}
	for _, n := range list {
		stats.ByType[n.Type]++
	}
	stats.Recent = slices.Clone(list[:min(5, len(list))])
	return stats
}

// SyncState tracks an optimistic local mutation against the backend.
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncConfirmed SyncState = "confirmed"
	SyncFailed    SyncState = "failed"
)
