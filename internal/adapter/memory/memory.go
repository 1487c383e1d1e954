// Package memory is an in-process backend used for local development and as
// the backend double in tests. It mirrors the Postgres adapter's semantics:
// unknown tables report domain.ErrTableMissing, unique keys report
// domain.ErrDuplicate, and every committed write is published as a change
// event.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Tables known to a fresh backend, with their unique columns.
var defaultTables = map[string][]string{
	"users":                    {"id"},
	"auth_users":               {"email"},
	"notifications":            nil,
	"sos_alerts":               nil,
	"favorite_locations":       nil,
	"announcements":            nil,
	"notification_preferences": {"user_id"},
}

// views map read-only aliases onto base tables.
var views = map[string]string{"profiles": "users"}

type table struct {
	unique []string
	rows   []backend.Row
}

// Backend implements backend.Tables in memory.
type Backend struct {
	mu          sync.Mutex
	tables      map[string]*table
	unavailable bool
	publisher   backend.ChangePublisher
	clock       clockwork.Clock
}

// New creates a backend with the standard tables. A nil publisher disables
// change events.
func New(publisher backend.ChangePublisher, clock clockwork.Clock) *Backend {
	b := &Backend{
		tables:    make(map[string]*table, len(defaultTables)),
		publisher: publisher,
		clock:     domain.NewClock(clock),
	}
	for name, unique := range defaultTables {
		b.tables[name] = &table{unique: unique}
	}
	return b
}

// DropTable removes a table so later calls report domain.ErrTableMissing.
func (b *Backend) DropTable(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tables, name)
}

// SetUnavailable makes every call fail with domain.ErrBackendUnavailable.
func (b *Backend) SetUnavailable(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = down
}

// lookup resolves name to a table. Callers hold b.mu.
func (b *Backend) lookup(name string) (*table, error) {
	if b.unavailable {
		return nil, domain.ErrBackendUnavailable
	}
	if base, ok := views[name]; ok {
		name = base
	}
	t, ok := b.tables[name]
	if !ok {
		return nil, fmt.Errorf("relation %q: %w", name, domain.ErrTableMissing)
	}
	return t, nil
}

func baseName(name string) string {
	if base, ok := views[name]; ok {
		return base
	}
	return name
}

func (b *Backend) Select(ctx context.Context, q backend.Query) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.lookup(q.Table)
	if err != nil {
		return nil, err
	}

	var matched []backend.Row
	for _, row := range t.rows {
		if backend.MatchAll(row, q.Filters) {
			matched = append(matched, row)
		}
	}
	if q.OrderBy != "" {
		slices.SortStableFunc(matched, func(x, y backend.Row) int {
			c, _ := backend.Compare(x[q.OrderBy], y[q.OrderBy])
			if q.Desc {
				return -c
			}
			return c
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return encodeRows(matched)
}

func (b *Backend) Insert(ctx context.Context, name string, rows ...backend.Row) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	t, err := b.lookup(name)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}

	now := b.clock.Now().UTC()
	stored := make([]backend.Row, 0, len(rows))
	for _, r := range rows {
		row, err := backend.NormalizeRow(r)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if id, _ := row["id"].(string); id == "" {
			row["id"] = uuid.NewString()
		}
		if _, ok := row["created_at"]; !ok {
			row["created_at"] = now.Format(time.RFC3339Nano)
		}
		if conflict := t.conflict(row, append(slices.Clone(stored), t.rows...)); conflict {
			b.mu.Unlock()
			return nil, fmt.Errorf("insert %s: %w", name, domain.ErrDuplicate)
		}
		stored = append(stored, row)
	}
	t.rows = append(t.rows, stored...)
	b.mu.Unlock()

	out, err := encodeRows(stored)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, baseName(name), domain.ChangeInsert, out, nil)
	return out, nil
}

func (b *Backend) Update(ctx context.Context, name string, patch backend.Row, filters ...backend.Filter) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm, err := backend.NormalizeRow(patch)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	t, err := b.lookup(name)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	var before, after []backend.Row
	for i, row := range t.rows {
		if !backend.MatchAll(row, filters) {
			continue
		}
		before = append(before, row)
		updated := maps.Clone(row)
		maps.Copy(updated, norm)
		t.rows[i] = updated
		after = append(after, updated)
	}
	b.mu.Unlock()

	out, err := encodeRows(after)
	if err != nil {
		return nil, err
	}
	old, _ := encodeRows(before)
	b.publish(ctx, baseName(name), domain.ChangeUpdate, out, old)
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, name string, filters ...backend.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	t, err := b.lookup(name)
	if err != nil {
		b.mu.Unlock()
		return 0, err
	}
	var removed []backend.Row
	kept := t.rows[:0:0]
	for _, row := range t.rows {
		if backend.MatchAll(row, filters) {
			removed = append(removed, row)
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	b.mu.Unlock()

	old, err := encodeRows(removed)
	if err != nil {
		return 0, err
	}
	b.publish(ctx, baseName(name), domain.ChangeDelete, nil, old)
	return int64(len(removed)), nil
}

func (b *Backend) Upsert(ctx context.Context, name string, row backend.Row, onConflict ...string) (json.RawMessage, error) {
	if len(onConflict) == 0 {
		return nil, fmt.Errorf("upsert %s: conflict columns required", name)
	}
	filters := make([]backend.Filter, 0, len(onConflict))
	for _, col := range onConflict {
		filters = append(filters, backend.Eq(col, row[col]))
	}

	existing, err := b.Select(ctx, backend.Query{Table: name, Filters: filters, Limit: 1})
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if len(existing) > 0 {
		out, err = b.Update(ctx, name, row, filters...)
	} else {
		out, err = b.Insert(ctx, name, row)
	}
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("upsert %s: %w", name, domain.ErrNotFound)
	}
	return out[0], nil
}

// RPC runs a stored procedure.
func (b *Backend) RPC(ctx context.Context, fn string, args backend.Row) (json.RawMessage, error) {
	switch fn {
	case backend.FuncMarkAdminRead:
		adminID, _ := args["admin_id"].(string)
		if adminID == "" {
			return nil, fmt.Errorf("%s: admin_id is required", fn)
		}
		updated, err := b.Update(ctx, "notifications", backend.Row{"is_read": true},
			backend.Eq("is_read", false),
			backend.AdminVisible(adminID),
		)
		if err != nil {
			return nil, err
		}
		return json.Marshal(len(updated))
	default:
		return nil, fmt.Errorf("function %q: %w", fn, domain.ErrNotFound)
	}
}

func (t *table) conflict(row backend.Row, existing []backend.Row) bool {
	for _, col := range t.unique {
		v, ok := row[col]
		if !ok || v == nil {
			continue
		}
		for _, other := range existing {
			if backend.Eq(col, v).Match(other) {
				return true
			}
		}
	}
	return false
}

func (b *Backend) publish(ctx context.Context, name string, typ domain.ChangeType, rows, old []json.RawMessage) {
	if b.publisher == nil {
		return
	}
	n := max(len(rows), len(old))
	if n == 0 {
		return
	}
	evs := make([]domain.ChangeEvent, 0, n)
	now := b.clock.Now().UTC()
	for i := range n {
		ev := domain.ChangeEvent{Table: name, Type: typ, CommitTime: now}
		if i < len(rows) {
			ev.New = rows[i]
		}
		if i < len(old) {
			ev.Old = old[i]
		}
		evs = append(evs, ev)
	}
	// The write is committed; subscribers resync on their next snapshot.
	_ = b.publisher.Publish(ctx, evs...)
}

func encodeRows(rows []backend.Row) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}
