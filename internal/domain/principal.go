package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is the routing role of a principal.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// AdminIDPrefix distinguishes administrator ids from user row ids.
const AdminIDPrefix = "admin-"

// Administrator permissions granted on a successful admin sign-in.
const (
	PermManageUsers  = "manage_users"
	PermViewReports  = "view_reports"
	PermManageAlerts = "manage_alerts"
	PermSystemConfig = "system_config"
)

// DefaultAdminPermissions is the permission set every admin principal receives.
var DefaultAdminPermissions = []string{PermManageUsers, PermViewReports, PermManageAlerts, PermSystemConfig}

// Principal is an authenticated identity driving authorization decisions.
type Principal interface {
	PrincipalID() string
	PrincipalRole() Role
	Addressee() Addressee
}

// Profile is the users-table row that backs an end user's role.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserPrincipal is an end user sourced from the backend session. Profile may
// be nil when the profile row could not be fetched or created.
type UserPrincipal struct {
	ID      string   `json:"id"`
	Email   string   `json:"email"`
	Profile *Profile `json:"profile,omitempty"`
}

func (u UserPrincipal) PrincipalID() string { return u.ID }

// PrincipalRole derives the role from the profile row, defaulting to user.
func (u UserPrincipal) PrincipalRole() Role {
	if u.Profile != nil && u.Profile.Role != "" {
		return u.Profile.Role
	}
	return RoleUser
}

func (u UserPrincipal) Addressee() Addressee { return UserAddressee(u.ID) }

// AdminPrincipal is an administrator fabricated on a successful admin sign-in.
type AdminPrincipal struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}

// NewAdminPrincipal builds an admin principal with the default permission set.
func NewAdminPrincipal(email, name string, now time.Time) AdminPrincipal {
	return AdminPrincipal{
		ID:          fmt.Sprintf("%s%d", AdminIDPrefix, now.UnixMilli()),
		Email:       email,
		Name:        name,
		Role:        RoleAdmin,
		Permissions: slices.Clone(DefaultAdminPermissions),
	}
}

func (a AdminPrincipal) PrincipalID() string  { return a.ID }
func (a AdminPrincipal) PrincipalRole() Role  { return RoleAdmin }
func (a AdminPrincipal) Addressee() Addressee { return AdminAddressee(a.ID) }

// HasPermission reports whether the admin holds permission.
func (a AdminPrincipal) HasPermission(permission string) bool {
	return slices.Contains(a.Permissions, permission)
}

// Valid reports whether a persisted admin record is usable.
func (a AdminPrincipal) Valid() bool {
	return strings.HasPrefix(a.ID, AdminIDPrefix) && a.Email != ""
}

// AddresseeKind tags an Addressee.
type AddresseeKind int

const (
	AddresseeUser AddresseeKind = iota + 1
	AddresseeAdmin
)

// Addressee identifies who a notification belongs to: a user row or an admin.
type Addressee struct {
	kind AddresseeKind
	id   string
}

// UserAddressee addresses an end user by users-table id.
func UserAddressee(id string) Addressee { return Addressee{kind: AddresseeUser, id: id} }

// AdminAddressee addresses an administrator by admin id.
func AdminAddressee(id string) Addressee { return Addressee{kind: AddresseeAdmin, id: id} }

// ParseAddressee resolves a raw id using the admin id prefix convention.
func ParseAddressee(id string) Addressee {
	if strings.HasPrefix(id, AdminIDPrefix) {
		return AdminAddressee(id)
	}
	return UserAddressee(id)
}

func (a Addressee) Kind() AddresseeKind { return a.kind }
func (a Addressee) ID() string          { return a.id }
func (a Addressee) IsAdmin() bool       { return a.kind == AddresseeAdmin }
func (a Addressee) IsZero() bool        { return a.id == "" }

// Key is a stable string form used for cache keys and channel names.
func (a Addressee) Key() string {
	if a.IsAdmin() {
		return "admin:" + a.id
	}
	return "user:" + a.id
}

func (a Addressee) String() string { return a.Key() }
