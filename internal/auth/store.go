package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// InTx runs fn against a store bound to a single database transaction; the
// orchestrator owns transaction boundaries and uses it for the multi-write
// flows (register, password change, reset confirm, lockout transitions).
type Store interface {
	Identities() IdentityStore
	Credentials() CredentialStore
	Secrets() SecretStore
	Lockouts() LockoutStore
	Access() AccessStore
	Profiles() ProfileStore
	Resets() ResetStore
	InTx(ctx context.Context, fn func(Store) error) error
}

// IdentityStore manages encrypted identity rows. Lookups run against the
// deterministic hash columns, never the ciphertext.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmailHash(ctx context.Context, emailHash string) (*Identity, error)
	// UpdateEncrypted writes changed ciphertext columns together with their
	// recomputed hashes in one statement; a field's ciphertext and hash are
	// never updated independently of one another.
	UpdateEncrypted(ctx context.Context, id *Identity) error
	UpdateRole(ctx context.Context, userID string, role Role) error
	AddCredits(ctx context.Context, userID string, amount int64) (int64, error)
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context) ([]*Identity, error)
}

// CredentialStore manages password verification material.
type CredentialStore interface {
	// Set replaces the single credential row for the user (new salt, new hash).
	Set(ctx context.Context, cred *Credential) error
	Find(ctx context.Context, userID string) (*Credential, error)
}

// SecretStore manages the per-user token signing secret.
type SecretStore interface {
	Find(ctx context.Context, userID string) (*SessionSecret, error)
	Create(ctx context.Context, sec *SessionSecret) error
	// Rotate persists a fresh secret, invalidating every outstanding token.
	Rotate(ctx context.Context, userID, secret string) error
}

// LockoutStore manages the per-user failed-attempt counter.
// FindForUpdate must take a row-level lock so concurrent attempts cannot
// both read the same counter value.
type LockoutStore interface {
	Ensure(ctx context.Context, userID, emailHash string) error
	Find(ctx context.Context, userID string) (*Lockout, error)
	FindForUpdate(ctx context.Context, userID string) (*Lockout, error)
	Update(ctx context.Context, userID string, failedAttempts int, lockedAt *time.Time) error
}

// AccessStore records access fingerprints; at most one row exists per
// (user, ip, user agent) triple.
type AccessStore interface {
	Record(ctx context.Context, userID, ip, userAgent string) error
	ListByUser(ctx context.Context, userID string) ([]AccessFingerprint, error)
}

// ProfileStore manages the optional profile extension.
type ProfileStore interface {
	Upsert(ctx context.Context, p *Profile) error
	Find(ctx context.Context, userID string) (*Profile, error)
}

// ResetStore manages hashed single-use password reset tokens.
type ResetStore interface {
	Put(ctx context.Context, tok *ResetToken) error
	Find(ctx context.Context, userID string) (*ResetToken, error)
	Delete(ctx context.Context, userID string) error
}
