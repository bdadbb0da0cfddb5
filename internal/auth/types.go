package auth

import (
	"time"

	"mediateca.org/internal/pii"
)

// Role is the coarse authorization level attached to an identity.
type Role string

const (
	RoleGuest Role = "Guest"
	RoleUser  Role = "User"
	RoleAdmin Role = "Admin"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleGuest, RoleUser, RoleAdmin:
		return true
	}
	return false
}

// Identity is the encrypted user profile row. Name, surname, email and fiscal
// code are stored as ciphertext; the hash_* columns hold deterministic digests
// of the normalized plaintext and are what lookups and uniqueness run against.
type Identity struct {
	ID             string
	Name           pii.Encrypted
	Surname        pii.Encrypted
	Email          pii.Encrypted
	FiscalCode     pii.Encrypted
	HashName       string
	HashSurname    string
	HashEmail      string
	HashFiscalCode string
	Role           Role
	Credits        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Credential holds password verification material, decoupled from the
// identity record. The row is replaced wholesale on every password change.
type Credential struct {
	UserID       string
	PasswordHash string
	Salt         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionSecret is the per-user key that signs that user's bearer tokens.
// Rotating it invalidates every previously issued token at once.
type SessionSecret struct {
	UserID    string
	Secret    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lockout tracks consecutive failed login attempts for one user.
// FailedAttempts never exceeds the configured maximum; LockedAt is set
// exactly when the counter reaches it.
type Lockout struct {
	UserID         string
	EmailHash      string
	FailedAttempts int
	LockedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Locked reports whether the account is currently locked.
func (l Lockout) Locked() bool {
	return l.LockedAt != nil
}

// AccessFingerprint is an advisory record of a (user, ip, user agent) sighting.
// It is never consulted for access control.
type AccessFingerprint struct {
	UserID     string
	IP         string
	UserAgent  string
	Hits       int64
	LastSeenAt time.Time
}

// Profile is the optional extension of an identity. All fields are nullable
// and validated independently of the core identity.
type Profile struct {
	UserID        string
	BirthDate     *time.Time
	BirthCity     *string
	BirthProvince *string
	Gender        *string
	Street        *string
	City          *string
	Province      *string
	PostalCode    *string
	Country       *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ResetToken is a hashed, single-use password reset token with a deadline.
type ResetToken struct {
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// UserView is the minimal decrypted representation returned to callers.
// It is produced only by the service's sanctioned decrypt path; call sites
// must not cache or log it.
type UserView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Role    Role   `json:"role"`
	Credits int64  `json:"credits,omitempty"`
}

// Principal is the authenticated caller resolved from a bearer token.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the principal carries the Admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
