package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAdminPrincipal(t *testing.T) {
	now := time.UnixMilli(1717243200000)

	a := NewAdminPrincipal("admin@demo.com", "Demo Administrator", now)

	assert.Equal(t, "admin-1717243200000", a.ID)
	assert.Equal(t, RoleAdmin, a.PrincipalRole())
	assert.True(t, a.Valid())
	assert.True(t, a.HasPermission(PermManageAlerts))
	assert.False(t, a.HasPermission("delete_everything"))
	assert.True(t, a.Addressee().IsAdmin())
}

func TestUserPrincipal_Role(t *testing.T) {
	assert.Equal(t, RoleUser, UserPrincipal{ID: "u-1"}.PrincipalRole())
	assert.Equal(t, RoleAdmin, UserPrincipal{ID: "u-1", Profile: &Profile{Role: RoleAdmin}}.PrincipalRole())
}

func TestParseAddressee(t *testing.T) {
	admin := ParseAddressee("admin-123")
	user := ParseAddressee("8b1c0e2a-0000-4000-8000-000000000000")

	assert.True(t, admin.IsAdmin())
	assert.Equal(t, "admin:admin-123", admin.Key())
	assert.Equal(t, AddresseeUser, user.Kind())
	assert.Equal(t, "user:8b1c0e2a-0000-4000-8000-000000000000", user.String())
}

func TestErrors(t *testing.T) {
	assert.True(t, IsUnavailable(ErrTableMissing))
	assert.False(t, IsUnavailable(ErrNotFound))

	err := &AuthError{Op: "sign in", Err: ErrInvalidCredentials}
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.Equal(t, "sign in: invalid credentials", err.Error())
}
