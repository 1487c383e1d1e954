// Package domain models the records exchanged between weather dashboards,
// the emergency (SOS) desk, and the backend tables that store them.
//
// # Addressing
//
// Notifications belong to exactly one addressee. End users are rows in the
// users table and are addressed through the notification's user_id column.
// Administrators are not rows in that table: their ids follow the convention
//
//	admin-<unix millis>   e.g. "admin-1718022912345"
//
// and a notification addressed to one is stored with user_id = NULL and the id
// embedded under metadata.admin_id. [Addressee] resolves that convention once,
// at the data-access boundary, so the layers above never inspect id strings.
//
// # SOS lifecycle
//
//	active ──respond──▶ responded ──resolve──▶ resolved
//	   └──────────────resolve──────────────────▲
//
// Records are never removed. Once admin_response is set, responded_at is set
// and the status is responded or resolved; [SOSAlert.CheckInvariant] enforces
// this on every record the layers accept.
//
// # Sync state
//
// Records created optimistically carry a [SyncState]: pending until the
// backend acknowledges them, then confirmed or failed. Failed records stay
// visible locally and are retried by the reconciliation loop.
//
// # Calendar days
//
// "Today" in SOS statistics is calendar-date equality in the clock's location,
// not a rolling 24 hour window. See [ComputeSOSStats].
package domain
