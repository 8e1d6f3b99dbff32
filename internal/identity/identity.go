// Package identity holds the tenant and acting-identity types every
// operation in the core is scoped by.
package identity

import (
	"errors"
	"time"
)

// ErrMembershipNotFound indicates the owning tenant could not be resolved.
var ErrMembershipNotFound = errors.New("identity: membership not found")

// Hash algorithm names a membership may configure for credential hashing.
const (
	HashBcrypt   = "bcrypt"
	HashArgon2id = "argon2id"
)

// Membership is a tenant: the isolation boundary for all documents and
// roles. Memberships are administered externally; the core reads them and
// uses the secret key for reset-payload encryption and token signing.
type Membership struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	SecretKey       string        `json:"secret_key"`
	HashAlgorithm   string        `json:"hash_algorithm"`
	SearchLanguage  string        `json:"search_language"`
	TokenTTL        time.Duration `json:"token_ttl"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"`
}

// UtilizerKind distinguishes human callers from system-initiated flows.
type UtilizerKind int

const (
	// KindHuman is an interactive identity carrying an id and a role slug.
	KindHuman UtilizerKind = iota
	// KindSystem is a system-initiated identity. It passes the reserved-name
	// and password-reset authorization gates.
	KindSystem
)

// Utilizer is the acting identity an operation runs as.
type Utilizer struct {
	ID           string
	Role         string
	MembershipID string
	Kind         UtilizerKind
}

// Human builds an interactive utilizer.
func Human(id, role, membershipID string) Utilizer {
	return Utilizer{ID: id, Role: role, MembershipID: membershipID, Kind: KindHuman}
}

// System builds the system utilizer used by bootstrap and server flows.
func System() Utilizer {
	return Utilizer{ID: "system", Kind: KindSystem}
}

// IsSystem reports whether the utilizer is system-initiated. Authorization
// checks branch on this rather than comparing role strings.
func (u Utilizer) IsSystem() bool { return u.Kind == KindSystem }

// Sys is the audit stamp attached to every entity.
type Sys struct {
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedBy string    `json:"modified_by"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Stamp returns sys metadata for a fresh document.
func Stamp(u Utilizer, now time.Time) Sys {
	return Sys{CreatedBy: u.ID, CreatedAt: now, ModifiedBy: u.ID, ModifiedAt: now}
}

// Touch updates the modification half of the stamp, keeping creation intact.
func (s Sys) Touch(u Utilizer, now time.Time) Sys {
	s.ModifiedBy = u.ID
	s.ModifiedAt = now
	return s
}
