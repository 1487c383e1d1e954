// Package identity holds the two principal registries: end users backed by
// the backend auth service, and administrators backed by a credential
// verifier with their sign-in records persisted in the fallback store.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/jonboulle/clockwork"
)

// UserSession pairs a principal with the tokens that authenticate it.
type UserSession struct {
	Principal domain.UserPrincipal `json:"user"`
	Session   *backend.Session     `json:"session"`
}

// Users tracks signed-in end users by access token.
type Users struct {
	auth   backend.Auth
	tables backend.Tables
	clock  clockwork.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	principals  map[string]domain.UserPrincipal
	unsubscribe func()
}

// NewUsers creates the registry and starts following auth-state events.
func NewUsers(auth backend.Auth, tables backend.Tables, clock clockwork.Clock, logger *slog.Logger) *Users {
	if auth == nil || tables == nil {
		panic("identity: nil dependency")
	}
	u := &Users{
		auth:       auth,
		tables:     tables,
		clock:      domain.NewClock(clock),
		logger:     logger,
		principals: make(map[string]domain.UserPrincipal),
	}
	u.unsubscribe = auth.OnAuthStateChange(u.onAuthEvent)
	return u
}

// Close stops following auth-state events.
func (u *Users) Close() {
	if u.unsubscribe != nil {
		u.unsubscribe()
	}
}

func (u *Users) onAuthEvent(ev backend.AuthEvent, s, prev *backend.Session) {
	if s == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	switch ev {
	case backend.EventSignedIn:
		if _, ok := u.principals[s.AccessToken]; !ok {
			u.principals[s.AccessToken] = domain.UserPrincipal{ID: s.User.ID, Email: s.User.Email}
		}
	case backend.EventSignedOut:
		delete(u.principals, s.AccessToken)
	case backend.EventTokenRefreshed:
		p := domain.UserPrincipal{ID: s.User.ID, Email: s.User.Email}
		if prev != nil {
			if old, ok := u.principals[prev.AccessToken]; ok {
				p = old
			}
			delete(u.principals, prev.AccessToken)
		}
		u.principals[s.AccessToken] = p
	}
}

// SignIn authenticates with the backend and attaches the profile row,
// creating it on first sign-in. A profile failure leaves Profile nil.
func (u *Users) SignIn(ctx context.Context, email, password string) (UserSession, error) {
	sess, err := u.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return UserSession{}, &domain.AuthError{Op: "sign in", Err: err}
	}
	p := domain.UserPrincipal{ID: sess.User.ID, Email: sess.User.Email}
	p.Profile = u.ensureProfile(ctx, sess.User)

	u.mu.Lock()
	u.principals[sess.AccessToken] = p
	u.mu.Unlock()
	return UserSession{Principal: p, Session: sess}, nil
}

// SignUp creates a backend account. The profile is created on first sign-in.
func (u *Users) SignUp(ctx context.Context, email, password string) (*backend.AuthUser, error) {
	user, err := u.auth.SignUp(ctx, email, password)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, &domain.AuthError{Op: "sign up", Err: err}
	}
	return user, nil
}

// Refresh rotates the session tokens; the principal follows the new token.
func (u *Users) Refresh(ctx context.Context, refreshToken string) (UserSession, error) {
	sess, err := u.auth.Refresh(ctx, refreshToken)
	if err != nil {
		return UserSession{}, &domain.AuthError{Op: "refresh", Err: err}
	}
	p, ok := u.cached(sess.AccessToken)
	if !ok {
		p = domain.UserPrincipal{ID: sess.User.ID, Email: sess.User.Email}
	}
	return UserSession{Principal: p, Session: sess}, nil
}

// SignOut ends the session. It is idempotent.
func (u *Users) SignOut(ctx context.Context, accessToken string) error {
	u.mu.Lock()
	delete(u.principals, accessToken)
	u.mu.Unlock()
	if err := u.auth.SignOut(ctx, accessToken); err != nil {
		u.logger.Warn("backend sign-out failed", "error", err)
	}
	return nil
}

// Restore resolves an access token to its principal, rehydrating from the
// backend session when it is not cached. It never fails: any problem means
// there is no session.
func (u *Users) Restore(ctx context.Context, accessToken string) (domain.UserPrincipal, bool) {
	if accessToken == "" {
		return domain.UserPrincipal{}, false
	}
	if p, ok := u.cached(accessToken); ok {
		if _, err := u.auth.GetSession(ctx, accessToken); err == nil {
			return p, true
		}
		u.mu.Lock()
		delete(u.principals, accessToken)
		u.mu.Unlock()
		return domain.UserPrincipal{}, false
	}

	sess, err := u.auth.GetSession(ctx, accessToken)
	if err != nil {
		return domain.UserPrincipal{}, false
	}
	p := domain.UserPrincipal{ID: sess.User.ID, Email: sess.User.Email}
	p.Profile = u.ensureProfile(ctx, sess.User)

	u.mu.Lock()
	u.principals[accessToken] = p
	u.mu.Unlock()
	return p, true
}

func (u *Users) cached(accessToken string) (domain.UserPrincipal, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	p, ok := u.principals[accessToken]
	return p, ok && p.ID != ""
}

// ensureProfile fetches the profile row or creates it with role user.
func (u *Users) ensureProfile(ctx context.Context, user backend.AuthUser) *domain.Profile {
	if p, err := fetchProfile(ctx, u.tables, user.ID); err == nil && p != nil {
		return p
	} else if err != nil {
		u.logger.Warn("profile fetch failed", "user_id", user.ID, "error", err)
		return nil
	}

	now := u.clock.Now().UTC()
	created, err := backend.InsertOne[domain.Profile](ctx, u.tables, backend.TableUsers, backend.Row{
		"id":         user.ID,
		"email":      user.Email,
		"role":       string(domain.RoleUser),
		"is_active":  true,
		"created_at": now,
		"updated_at": now,
	})
	if errors.Is(err, domain.ErrDuplicate) {
		p, err := fetchProfile(ctx, u.tables, user.ID)
		if err != nil {
			u.logger.Warn("profile refetch failed", "user_id", user.ID, "error", err)
		}
		return p
	}
	if err != nil {
		u.logger.Warn("profile create failed", "user_id", user.ID, "error", err)
		return nil
	}
	return &created
}

// Profile returns the users-table row for id, or nil when there is none.
func (u *Users) Profile(ctx context.Context, id string) (*domain.Profile, error) {
	return fetchProfile(ctx, u.tables, id)
}

func fetchProfile(ctx context.Context, tables backend.Tables, id string) (*domain.Profile, error) {
	profiles, err := backend.SelectInto[domain.Profile](ctx, tables, backend.Query{
		Table:   backend.TableProfiles,
		Filters: []backend.Filter{backend.Eq("id", id)},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	return &profiles[0], nil
}

// Role returns the routing role of any principal.
func Role(p domain.Principal) domain.Role {
	if p == nil {
		return ""
	}
	return p.PrincipalRole()
}
