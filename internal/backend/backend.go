// Package backend defines the contract of the hosted backend: relational
// tables with filtered queries, a row-level change feed, and password auth.
// Adapters translate their native failures into the domain sentinel errors so
// callers can decide between surfacing an error and reading the fallback store.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

// Row is a column-name to value map used for inserts and patches.
type Row = map[string]any

// Query selects rows from one table.
type Query struct {
	Table   string
	Filters []Filter // ANDed
	OrderBy string
	Desc    bool
	Limit   int
}

// Tables is the relational half of the backend.
type Tables interface {
	Select(ctx context.Context, q Query) ([]json.RawMessage, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]json.RawMessage, error)
	Update(ctx context.Context, table string, patch Row, filters ...Filter) ([]json.RawMessage, error)
	Delete(ctx context.Context, table string, filters ...Filter) (int64, error)
	Upsert(ctx context.Context, table string, row Row, onConflict ...string) (json.RawMessage, error)
	RPC(ctx context.Context, fn string, args Row) (json.RawMessage, error)
}

// Handler receives change events for a subscription.
type Handler func(ctx context.Context, ev domain.ChangeEvent)

// Subscription scopes a change feed to one table, a set of change types,
// and an optional row filter.
type Subscription struct {
	Table  string
	Events []domain.ChangeType
	Filter *Filter
}

// Handle identifies an open subscription. The zero value is never issued.
type Handle uint64

// Realtime is the change-feed half of the backend.
type Realtime interface {
	Subscribe(ctx context.Context, sub Subscription, h Handler) (Handle, error)
	Unsubscribe(h Handle)
}

// AuthEvent is an auth-state transition.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// AuthUser is the account record behind a session.
type AuthUser struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an authenticated backend session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         AuthUser  `json:"user"`
}

// AuthListener observes auth-state transitions. For SIGNED_OUT the session
// is the one that ended; for TOKEN_REFRESHED prev carries the old tokens.
type AuthListener func(ev AuthEvent, s *Session, prev *Session)

// Auth is the password-auth half of the backend.
type Auth interface {
	GetSession(ctx context.Context, accessToken string) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string) (*AuthUser, error)
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	OnAuthStateChange(l AuthListener) (unsubscribe func())
}

// DecodeRows unmarshals raw rows into T.
func DecodeRows[T any](raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeRow unmarshals a single raw row into T.
func DecodeRow[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}

// SelectInto runs q and decodes the result into T.
func SelectInto[T any](ctx context.Context, t Tables, q Query) ([]T, error) {
	raws, err := t.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	return DecodeRows[T](raws)
}

// InsertOne inserts row and decodes the stored record into T.
func InsertOne[T any](ctx context.Context, t Tables, table string, row Row) (T, error) {
	var zero T
	raws, err := t.Insert(ctx, table, row)
	if err != nil {
		return zero, err
	}
	if len(raws) == 0 {
		return zero, fmt.Errorf("insert %s: no row returned", table)
	}
	return DecodeRow[T](raws[0])
}

// Normalize converts v to its JSON value form (maps, slices, float64,
// string, bool, nil) so rows and filter operands compare uniformly.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeRow applies Normalize to every column of row.
func NormalizeRow(row Row) (Row, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("normalize row: %w", err)
	}
	var out Row
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize row: %w", err)
	}
	return out, nil
}

// ChangePublisher emits change events after a successful write.
type ChangePublisher interface {
	Publish(ctx context.Context, evs ...domain.ChangeEvent) error
}
