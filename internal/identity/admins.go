package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// AdminSession is the result of a successful administrator sign-in.
type AdminSession struct {
	Token     string                `json:"token"`
	Principal domain.AdminPrincipal `json:"admin"`
}

// Admins tracks signed-in administrators. Each sign-in is keyed by an opaque
// token and persisted under the adminAuth fallback key so it survives a
// restart.
type Admins struct {
	verifier CredentialVerifier
	store    fallback.Store
	delay    time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]domain.AdminPrincipal
	loaded   bool
}

// NewAdmins creates the registry. delay paces failed sign-ins.
func NewAdmins(verifier CredentialVerifier, store fallback.Store, delay time.Duration, clock clockwork.Clock, logger *slog.Logger) *Admins {
	if verifier == nil || store == nil {
		panic("identity: nil dependency")
	}
	return &Admins{
		verifier: verifier,
		store:    store,
		delay:    delay,
		clock:    domain.NewClock(clock),
		logger:   logger,
		sessions: make(map[string]domain.AdminPrincipal),
	}
}

// SignIn verifies the credentials and fabricates an admin principal.
func (a *Admins) SignIn(ctx context.Context, email, password string) (AdminSession, error) {
	id, err := a.verifier.Verify(ctx, email, password)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidCredentials) {
			a.logger.Warn("admin credential check failed", "error", err)
		}
		a.pace(ctx)
		return AdminSession{}, &domain.AuthError{Op: "admin sign in", Err: domain.ErrInvalidCredentials}
	}

	p := domain.NewAdminPrincipal(id.Email, id.Name, a.clock.Now())
	token := uuid.NewString()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.loadLocked(ctx)
	a.sessions[token] = p
	a.persistLocked(ctx)
	a.logger.Info("admin signed in", "admin_id", p.ID)
	return AdminSession{Token: token, Principal: p}, nil
}

func (a *Admins) pace(ctx context.Context) {
	if a.delay <= 0 {
		return
	}
	select {
	case <-a.clock.After(a.delay):
	case <-ctx.Done():
	}
}

// SignOut forgets the admin behind token. It is idempotent.
func (a *Admins) SignOut(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loadLocked(ctx)
	if _, ok := a.sessions[token]; !ok {
		return nil
	}
	delete(a.sessions, token)
	a.persistLocked(ctx)
	return nil
}

// Restore resolves a token to its admin principal, reading the persisted
// records on first use. Corrupt records are cleared; it never fails.
func (a *Admins) Restore(ctx context.Context, token string) (domain.AdminPrincipal, bool) {
	if token == "" {
		return domain.AdminPrincipal{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loadLocked(ctx)
	p, ok := a.sessions[token]
	return p, ok
}

// HasPermission reports whether the admin behind token holds permission.
func (a *Admins) HasPermission(ctx context.Context, token, permission string) bool {
	p, ok := a.Restore(ctx, token)
	return ok && p.HasPermission(permission)
}

// loadLocked merges persisted sign-ins into memory once.
func (a *Admins) loadLocked(ctx context.Context) {
	if a.loaded {
		return
	}
	stored, found, err := fallback.Load[map[string]domain.AdminPrincipal](ctx, a.store, fallback.KeyAdminAuth)
	if err != nil {
		a.logger.Warn("clearing unreadable admin sessions", "error", err)
		if derr := a.store.Delete(ctx, fallback.KeyAdminAuth); derr != nil {
			a.logger.Warn("clear admin sessions failed", "error", derr)
			return
		}
		a.loaded = true
		return
	}
	a.loaded = true
	if !found {
		return
	}

	dirty := false
	for token, p := range stored {
		if !p.Valid() {
			dirty = true
			continue
		}
		if _, ok := a.sessions[token]; !ok {
			a.sessions[token] = p
		}
	}
	if dirty {
		a.persistLocked(ctx)
	}
}

func (a *Admins) persistLocked(ctx context.Context) {
	var err error
	if len(a.sessions) == 0 {
		err = a.store.Delete(ctx, fallback.KeyAdminAuth)
	} else {
		err = fallback.Save(ctx, a.store, fallback.KeyAdminAuth, a.sessions)
	}
	if err != nil {
		a.logger.Warn("persist admin sessions failed", "error", err)
	}
}
