package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// AdminIdentity is what a verifier knows about an administrator.
type AdminIdentity struct {
	Email string
	Name  string
}

// CredentialVerifier checks administrator credentials. It returns
// domain.ErrInvalidCredentials when they do not match.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (AdminIdentity, error)
}

// Credential is a configured administrator account.
type Credential struct {
	Email    string
	Password string
	Name     string
}

// defaultAdminName labels configured accounts that carry no display name.
const defaultAdminName = "Administrator"

type staticEntry struct {
	email string
	name  string
	hash  []byte
}

// StaticCredentials verifies against a fixed list. Passwords are held only as
// bcrypt hashes.
type StaticCredentials struct {
	entries []staticEntry
}

// NewStaticCredentials hashes plaintext creds with the given bcrypt cost (0
// means the library default).
func NewStaticCredentials(creds []Credential, cost int) (*StaticCredentials, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	s := &StaticCredentials{entries: make([]staticEntry, 0, len(creds))}
	for _, c := range creds {
		hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), cost)
		if err != nil {
			return nil, fmt.Errorf("hash credential %s: %w", c.Email, err)
		}
		name := c.Name
		if name == "" {
			name = defaultAdminName
		}
		s.entries = append(s.entries, staticEntry{email: strings.ToLower(c.Email), name: name, hash: hash})
	}
	return s, nil
}

// ParseStaticCredentials reads a comma-separated list of
// email=bcrypt-hash[=Display Name] entries, as set in ADMIN_CREDENTIALS. An
// empty spec yields a verifier that rejects everyone.
func ParseStaticCredentials(spec string) (*StaticCredentials, error) {
	s := &StaticCredentials{}
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, "=", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("admin credential %q: want email=hash", raw)
		}
		email := strings.ToLower(strings.TrimSpace(parts[0]))
		hash := []byte(strings.TrimSpace(parts[1]))
		if _, err := bcrypt.Cost(hash); err != nil {
			return nil, fmt.Errorf("admin credential %s: %w", email, err)
		}
		name := defaultAdminName
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			name = strings.TrimSpace(parts[2])
		}
		s.entries = append(s.entries, staticEntry{email: email, name: name, hash: hash})
	}
	return s, nil
}

// Len returns the number of configured accounts.
func (s *StaticCredentials) Len() int { return len(s.entries) }

func (s *StaticCredentials) Verify(_ context.Context, email, password string) (AdminIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, e := range s.entries {
		if e.email != email {
			continue
		}
		if bcrypt.CompareHashAndPassword(e.hash, []byte(password)) == nil {
			return AdminIdentity{Email: e.email, Name: e.name}, nil
		}
		break
	}
	return AdminIdentity{}, domain.ErrInvalidCredentials
}

// BackendCredentials authenticates administrators the same way as end users
// and requires their profile role to be admin.
type BackendCredentials struct {
	auth   backend.Auth
	tables backend.Tables
}

func NewBackendCredentials(auth backend.Auth, tables backend.Tables) *BackendCredentials {
	return &BackendCredentials{auth: auth, tables: tables}
}

func (b *BackendCredentials) Verify(ctx context.Context, email, password string) (AdminIdentity, error) {
	sess, err := b.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return AdminIdentity{}, err
	}
	// The backend session only proves the password; the admin principal is
	// tracked separately.
	defer func() { _ = b.auth.SignOut(ctx, sess.AccessToken) }()

	profile, err := fetchProfile(ctx, b.tables, sess.User.ID)
	if err != nil {
		return AdminIdentity{}, fmt.Errorf("admin profile: %w", err)
	}
	if profile == nil || profile.Role != domain.RoleAdmin || !profile.IsActive {
		return AdminIdentity{}, domain.ErrInvalidCredentials
	}
	name, _, _ := strings.Cut(sess.User.Email, "@")
	return AdminIdentity{Email: sess.User.Email, Name: name}, nil
}
