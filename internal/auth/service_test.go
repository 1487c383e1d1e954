package auth

import (
	"context"
	"testing"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/adapter/memory"
	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recorded struct {
	ev   backend.AuthEvent
	sess *backend.Session
	prev *backend.Session
}

func newTestService(t *testing.T) (*Service, *clockwork.FakeClock, *[]recorded) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := New(memory.New(nil, clock), fallback.NewMemory(), Options{
		Secret:     "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		BcryptCost: bcrypt.MinCost,
		Clock:      clock,
	})
	var events []recorded
	svc.OnAuthStateChange(func(ev backend.AuthEvent, s, prev *backend.Session) {
		events = append(events, recorded{ev, s, prev})
	})
	return svc, clock, &events
}

func TestSignUpAndSignIn(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()

	user, err := svc.SignUp(ctx, "  Jane@Example.com ", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", user.Email)
	assert.NotEmpty(t, user.ID)

	sess, err := svc.SignInWithPassword(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, user.ID, sess.User.ID)
	assert.NotEqual(t, sess.AccessToken, sess.RefreshToken)

	got, err := svc.GetSession(ctx, sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.User.ID)

	require.Len(t, *events, 1)
	assert.Equal(t, backend.EventSignedIn, (*events)[0].ev)
}

func TestSignUpRejections(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SignUp(ctx, "jane@example.com", "123")
	require.ErrorIs(t, err, domain.ErrWeakPassword)

	_, err = svc.SignUp(ctx, "not-an-email", "hunter22")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Email", verr.Field)

	_, err = svc.SignUp(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, "JANE@example.com", "another1")
	require.ErrorIs(t, err, domain.ErrAccountExists)
}

func TestSignInInvalidCredentials(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)

	_, err = svc.SignInWithPassword(ctx, "jane@example.com", "wrong")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	_, err = svc.SignInWithPassword(ctx, "nobody@example.com", "hunter22")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.Empty(t, *events)
}

func TestGetSessionExpiry(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)
	sess, err := svc.SignInWithPassword(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = svc.GetSession(ctx, sess.AccessToken)
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	_, err = svc.GetSession(ctx, "garbage")
	require.ErrorIs(t, err, domain.ErrSessionExpired)
	_, err = svc.GetSession(ctx, "")
	require.ErrorIs(t, err, domain.ErrNoSession)

	// A refresh token is not accepted as an access token.
	_, err = svc.GetSession(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestRefreshRotatesTokens(t *testing.T) {
	svc, clock, events := newTestService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)
	first, err := svc.SignInWithPassword(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	next, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, next.AccessToken)

	_, err = svc.GetSession(ctx, next.AccessToken)
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, domain.ErrSessionExpired, "rotated refresh token must not be reusable")

	last := (*events)[len(*events)-1]
	assert.Equal(t, backend.EventTokenRefreshed, last.ev)
	assert.Equal(t, first.AccessToken, last.prev.AccessToken)
}

func TestSignOutIsIdempotent(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)
	sess, err := svc.SignInWithPassword(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)

	require.NoError(t, svc.SignOut(ctx, sess.AccessToken))
	require.NoError(t, svc.SignOut(ctx, sess.AccessToken))
	require.NoError(t, svc.SignOut(ctx, "garbage"))

	_, err = svc.GetSession(ctx, sess.AccessToken)
	require.ErrorIs(t, err, domain.ErrNoSession)

	var signedOut int
	for _, e := range *events {
		if e.ev == backend.EventSignedOut {
			signedOut++
		}
	}
	assert.Equal(t, 1, signedOut)
}

func TestSignOutExpiredTokenRevokesSession(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)
	sess, err := svc.SignInWithPassword(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	require.NoError(t, svc.SignOut(ctx, sess.AccessToken))
	_, err = svc.Refresh(ctx, sess.RefreshToken)
	require.ErrorIs(t, err, domain.ErrNoSession)
}

func TestUnsubscribeListener(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	calls := 0
	unsubscribe := svc.OnAuthStateChange(func(backend.AuthEvent, *backend.Session, *backend.Session) { calls++ })
	unsubscribe()

	_, err := svc.SignUp(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)
	_, err = svc.SignInWithPassword(ctx, "jane@example.com", "hunter22")
	require.NoError(t, err)
	assert.Zero(t, calls)
}
