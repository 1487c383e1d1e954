// Package auth implements backend.Auth: password accounts in the auth_users
// table, HS256 access and refresh tokens, and server-side session records in
// the fallback store so sign-out and refresh rotation revoke old tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer            = "storm-alert-service"
	kindAccess        = "access"
	kindRefresh       = "refresh"
	minPasswordLength = 6
)

// Options configures a Service.
type Options struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	BcryptCost int
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

type account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type claims struct {
	Email     string `json:"email"`
	Kind      string `json:"kind"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Service is the password-auth backend.
type Service struct {
	tables     backend.Tables
	store      fallback.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	cost       int
	clock      clockwork.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]backend.AuthListener
}

// New creates an auth service. Sessions are kept in store.
func New(tables backend.Tables, store fallback.Store, opts Options) *Service {
	if tables == nil || store == nil {
		panic("auth: nil dependency")
	}
	if opts.Secret == "" {
		panic("auth: empty signing secret")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = time.Hour
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 30 * 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		tables:     tables,
		store:      store,
		secret:     []byte(opts.Secret),
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		cost:       opts.BcryptCost,
		clock:      domain.NewClock(opts.Clock),
		logger:     opts.Logger,
		listeners:  make(map[int]backend.AuthListener),
	}
}

type signUpRequest struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// SignUp creates a password account.
func (s *Service) SignUp(ctx context.Context, email, password string) (*backend.AuthUser, error) {
	email = normalizeEmail(email)
	if err := domain.AsValidationError(domain.Validator().Struct(signUpRequest{Email: email, Password: password})); err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters: %w", minPasswordLength, domain.ErrWeakPassword)
	}

	if _, err := s.lookup(ctx, email); err == nil {
		return nil, domain.ErrAccountExists
	} else if !errors.Is(err, domain.ErrInvalidCredentials) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acct, err := backend.InsertOne[account](ctx, s.tables, backend.TableAuthUsers, backend.Row{
		"email":         email,
		"password_hash": string(hash),
		"created_at":    s.clock.Now().UTC(),
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return nil, domain.ErrAccountExists
	}
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.logger.Info("account created", "user_id", acct.ID)
	return &backend.AuthUser{ID: acct.ID, Email: acct.Email, CreatedAt: acct.CreatedAt}, nil
}

// SignInWithPassword verifies the password and opens a new session.
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	acct, err := s.lookup(ctx, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	user := backend.AuthUser{ID: acct.ID, Email: acct.Email, CreatedAt: acct.CreatedAt}
	sessionID := uuid.NewString()
	sess, err := s.issue(sessionID, user)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, sessionID, sess); err != nil {
		return nil, err
	}
	s.logger.Info("signed in", "user_id", user.ID)
	s.emit(backend.EventSignedIn, sess, nil)
	return sess, nil
}

// GetSession resolves an access token to its live session.
func (s *Service) GetSession(ctx context.Context, accessToken string) (*backend.Session, error) {
	c, err := s.parse(accessToken, kindAccess)
	if err != nil {
		return nil, err
	}
	sess, err := s.load(ctx, c.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.AccessToken != accessToken {
		return nil, domain.ErrSessionExpired
	}
	return sess, nil
}

// Refresh rotates both tokens of the session behind refreshToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*backend.Session, error) {
	c, err := s.parse(refreshToken, kindRefresh)
	if err != nil {
		return nil, err
	}
	prev, err := s.load(ctx, c.SessionID)
	if err != nil {
		return nil, err
	}
	if prev.RefreshToken != refreshToken {
		return nil, domain.ErrSessionExpired
	}

	next, err := s.issue(c.SessionID, prev.User)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, c.SessionID, next); err != nil {
		return nil, err
	}
	s.emit(backend.EventTokenRefreshed, next, prev)
	return next, nil
}

// SignOut revokes the session. Unknown or expired tokens are a no-op.
func (s *Service) SignOut(ctx context.Context, accessToken string) error {
	c, err := s.parse(accessToken, kindAccess)
	if errors.Is(err, domain.ErrSessionExpired) {
		c, err = s.parseUnverifiedTime(accessToken)
	}
	if err != nil {
		return nil
	}
	sess, err := s.load(ctx, c.SessionID)
	if errors.Is(err, domain.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, fallback.SessionKey(c.SessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info("signed out", "user_id", sess.User.ID)
	s.emit(backend.EventSignedOut, sess, nil)
	return nil
}

// OnAuthStateChange registers l for auth-state transitions.
func (s *Service) OnAuthStateChange(l backend.AuthListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Service) emit(ev backend.AuthEvent, sess, prev *backend.Session) {
	s.mu.Lock()
	ls := make([]backend.AuthListener, 0, len(s.listeners))
	for id := 1; id <= s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(ev, sess, prev)
	}
}

func (s *Service) lookup(ctx context.Context, email string) (account, error) {
	accts, err := backend.SelectInto[account](ctx, s.tables, backend.Query{
		Table:   backend.TableAuthUsers,
		Filters: []backend.Filter{backend.Eq("email", email)},
		Limit:   1,
	})
	if err != nil {
		return account{}, fmt.Errorf("look up account: %w", err)
	}
	if len(accts) == 0 {
		return account{}, domain.ErrInvalidCredentials
	}
	return accts[0], nil
}

func (s *Service) issue(sessionID string, user backend.AuthUser) (*backend.Session, error) {
	now := s.clock.Now()
	access, err := s.sign(sessionID, user, kindAccess, now, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(sessionID, user, kindRefresh, now, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &backend.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.accessTTL).UTC(),
		User:         user,
	}, nil
}

func (s *Service) sign(sessionID string, user backend.AuthUser, kind string, now time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email:     user.Email,
		Kind:      kind,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

func (s *Service) keyFunc(*jwt.Token) (any, error) { return s.secret, nil }

func (s *Service) parse(token, kind string) (*claims, error) {
	if token == "" {
		return nil, domain.ErrNoSession
	}
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSessionExpired, err)
	}
	if c.Kind != kind || c.SessionID == "" {
		return nil, fmt.Errorf("%w: not an %s token", domain.ErrSessionExpired, kind)
	}
	return c, nil
}

// parseUnverifiedTime accepts an expired but correctly signed token so that
// sign-out still revokes the session record.
func (s *Service) parseUnverifiedTime(token string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || c.SessionID == "" {
		return nil, domain.ErrSessionExpired
	}
	return c, nil
}

func (s *Service) persist(ctx context.Context, sessionID string, sess *backend.Session) error {
	return fallback.Save(ctx, s.store, fallback.SessionKey(sessionID), sess)
}

func (s *Service) load(ctx context.Context, sessionID string) (*backend.Session, error) {
	sess, found, err := fallback.Load[backend.Session](ctx, s.store, fallback.SessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrNoSession
	}
	return &sess, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
