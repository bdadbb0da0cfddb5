package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediateca.org/internal/ids"
	"mediateca.org/internal/obs"
	"mediateca.org/internal/pii"
)

const (
	defaultTokenTTL    = time.Hour
	defaultMaxAttempts = 3

	// maxAttemptsCap is a hard ceiling. Operators may configure fewer
	// attempts before lockout, never more.
	maxAttemptsCap = 3
)

// Service is the auth orchestrator. It owns the flow ordering (lockout gate
// before password verification, hash recomputation alongside re-encryption)
// and is the only component that decrypts identity fields.
type Service struct {
	store          Store
	codec          *pii.Codec
	mailer         Mailer
	now            func() time.Time
	tokenTTL       time.Duration
	resetTTL       time.Duration
	maxAttempts    int
	legacyFallback bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTokenTTL sets the bearer token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithMaxLoginAttempts sets the failed attempts threshold, clamped to the
// hard cap of 3.
func WithMaxLoginAttempts(n int) Option {
	return func(s *Service) {
		if n < 1 {
			n = 1
		}
		if n > maxAttemptsCap {
			n = maxAttemptsCap
		}
		s.maxAttempts = n
	}
}

// WithLegacyPlaintextFallback enables the lenient decrypt path for rows
// written before field encryption was introduced.
func WithLegacyPlaintextFallback(enabled bool) Option {
	return func(s *Service) { s.legacyFallback = enabled }
}

// WithMailer sets the reset token delivery channel.
func WithMailer(m Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

// WithResetTTL sets the password reset token lifetime.
func WithResetTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// NewService builds the orchestrator over a store and a field codec.
func NewService(store Store, codec *pii.Codec, opts ...Option) *Service {
	s := &Service{
		store:       store,
		codec:       codec,
		mailer:      NopMailer{},
		now:         time.Now,
		tokenTTL:    defaultTokenTTL,
		resetTTL:    defaultResetTTL,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoginResult is the successful login payload: the decrypted minimal view
// plus a freshly minted bearer token.
type LoginResult struct {
	User      UserView  `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Register creates an identity with encrypted fields, a credential row, a
// session secret and an open lockout record, all in one transaction. The new
// account is not logged in; callers authenticate separately.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*UserView, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	emailHash := pii.Digest(in.Email)
	if _, err := s.store.Identities().FindByEmailHash(ctx, emailHash); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	identity, err := s.encryptIdentity(in)
	if err != nil {
		return nil, err
	}
	cred, err := newCredential(identity.ID, in.Password)
	if err != nil {
		return nil, err
	}
	secret, err := pii.RandomHex(secretBytes)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.Identities().Create(ctx, identity); err != nil {
			return err
		}
		if err := tx.Credentials().Set(ctx, cred); err != nil {
			return err
		}
		if err := tx.Secrets().Create(ctx, &SessionSecret{UserID: identity.ID, Secret: secret}); err != nil {
			return err
		}
		return tx.Lockouts().Ensure(ctx, identity.ID, emailHash)
	})
	if err != nil {
		return nil, err
	}

	obs.IncRegistration()
	return s.decryptView(ctx, identity)
}

// Login authenticates email and password. The lockout gate runs strictly
// before any credential material is read: a locked account returns
// ErrAccountLocked without the submitted password ever being verified.
func (s *Service) Login(ctx context.Context, in LoginInput, ip, userAgent string) (*LoginResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	emailHash := pii.Digest(in.Email)
	identity, err := s.store.Identities().FindByEmailHash(ctx, emailHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.IncLogin("invalid")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.store.Lockouts().Ensure(ctx, identity.ID, emailHash); err != nil {
		return nil, err
	}
	lockout, err := s.store.Lockouts().Find(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if lockout.Locked() {
		obs.IncLogin("locked")
		return nil, ErrAccountLocked
	}

	ok := false
	cred, err := s.store.Credentials().Find(ctx, identity.ID)
	switch {
	case err == nil:
		ok = verifyPassword(cred, in.Password)
	case errors.Is(err, ErrNotFound):
		// A missing credential row counts as a failed attempt.
	default:
		return nil, err
	}

	if err := s.recordLoginOutcome(ctx, identity.ID, ok); err != nil {
		return nil, err
	}
	if !ok {
		obs.IncLogin("invalid")
		return nil, ErrInvalidCredentials
	}

	token, exp, err := s.IssueToken(ctx, identity.ID)
	if err != nil {
		return nil, err
	}

	// The fingerprint is advisory; failing to record it must not fail the
	// login that produced it.
	if err := s.store.Access().Record(ctx, identity.ID, ip, userAgent); err != nil {
		obs.LogEvent("warn", "access fingerprint record failed", map[string]any{
			"user_id": identity.ID,
			"error":   err.Error(),
		})
	}

	view, err := s.decryptView(ctx, identity)
	if err != nil {
		return nil, err
	}
	obs.IncLogin("success")
	return &LoginResult{User: *view, Token: token, ExpiresAt: exp}, nil
}

// recordLoginOutcome applies the lockout transition in its own transaction.
// The row is re-read under a row lock so concurrent attempts serialize on the
// counter, and the write commits regardless of whether the login itself is
// about to be rejected.
func (s *Service) recordLoginOutcome(ctx context.Context, userID string, success bool) error {
	return s.store.InTx(ctx, func(tx Store) error {
		current, err := tx.Lockouts().FindForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		attempts, lockedAt := lockoutTransition(*current, success, s.maxAttempts, s.now())
		if attempts == current.FailedAttempts && equalLockTime(lockedAt, current.LockedAt) {
			return nil
		}
		if lockedAt != nil && current.LockedAt == nil {
			obs.IncLockout()
			obs.LogEvent("warn", "account locked", map[string]any{
				"user_id":         userID,
				"failed_attempts": attempts,
			})
		}
		return tx.Lockouts().Update(ctx, userID, attempts, lockedAt)
	})
}

// Authenticate resolves a bearer token into a principal. A bad token is
// ErrInvalidToken; a storage failure while resolving it is passed through so
// callers do not mistake an outage for a forged token.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	userID, err := s.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			obs.IncTokenValidation("invalid")
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	identity, err := s.store.Identities().Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.IncTokenValidation("invalid")
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	obs.IncTokenValidation("valid")
	return Principal{UserID: identity.ID, Role: identity.Role}, nil
}

// ChangePassword verifies the current password, then replaces the credential
// and rotates the session secret in one transaction. Every outstanding token
// for the user dies with the old secret; the caller must log in again.
func (s *Service) ChangePassword(ctx context.Context, userID string, in ChangePasswordInput) error {
	if err := in.validate(); err != nil {
		return err
	}
	cred, err := s.store.Credentials().Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !verifyPassword(cred, in.CurrentPassword) {
		return ErrInvalidCredentials
	}
	next, err := newCredential(userID, in.Password)
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx Store) error {
		if err := tx.Credentials().Set(ctx, next); err != nil {
			return err
		}
		return s.rotateSecret(ctx, tx, userID)
	})
}

// DeleteAccount removes the identity after re-verifying the password.
// Dependent rows (credential, secret, lockout, fingerprints, profile, reset
// tokens) go with it via cascading deletes.
func (s *Service) DeleteAccount(ctx context.Context, userID, password string) error {
	cred, err := s.store.Credentials().Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !verifyPassword(cred, password) {
		return ErrInvalidCredentials
	}
	return s.store.Identities().Delete(ctx, userID)
}

// AddCredits atomically adjusts the credit balance and returns the new value.
func (s *Service) AddCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount == 0 {
		v := newValidationError()
		v.add("amount", "must be non-zero")
		return 0, v.orNil()
	}
	return s.store.Identities().AddCredits(ctx, userID, amount)
}

// GetUser returns the decrypted minimal view of one identity.
func (s *Service) GetUser(ctx context.Context, userID string) (*UserView, error) {
	identity, err := s.store.Identities().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.decryptView(ctx, identity)
}

// ListUsers returns decrypted views of every identity. Authorization is the
// caller's concern; handlers restrict this to admins.
func (s *Service) ListUsers(ctx context.Context) ([]*UserView, error) {
	identities, err := s.store.Identities().List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*UserView, 0, len(identities))
	for _, identity := range identities {
		view, err := s.decryptView(ctx, identity)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// RecordAccess upserts the (user, ip, user agent) fingerprint. Advisory:
// errors are returned for logging but must not fail the request they rode in on.
func (s *Service) RecordAccess(ctx context.Context, userID, ip, userAgent string) error {
	return s.store.Access().Record(ctx, userID, ip, userAgent)
}

// ListAccess returns the recorded access fingerprints for a user.
func (s *Service) ListAccess(ctx context.Context, userID string) ([]AccessFingerprint, error) {
	return s.store.Access().ListByUser(ctx, userID)
}

// UpdateProfile validates and upserts the optional profile extension. When a
// fiscal code is supplied, its ciphertext and digest on the identity row are
// rewritten together in the same transaction.
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileInput) error {
	birthDate, err := in.validate()
	if err != nil {
		return err
	}
	identity, err := s.store.Identities().Find(ctx, userID)
	if err != nil {
		return err
	}

	profile := &Profile{
		UserID:        userID,
		BirthDate:     birthDate,
		BirthCity:     optional(in.BirthCity),
		BirthProvince: optional(in.BirthProvince),
		Gender:        optional(strings.ToUpper(strings.TrimSpace(in.Gender))),
		Street:        optional(in.Street),
		City:          optional(in.City),
		Province:      optional(in.Province),
		PostalCode:    optional(in.PostalCode),
		Country:       optional(in.Country),
	}

	return s.store.InTx(ctx, func(tx Store) error {
		if in.FiscalCode != "" {
			code := normalizeFiscalCode(in.FiscalCode)
			enc, err := s.codec.Encrypt(code)
			if err != nil {
				return err
			}
			identity.FiscalCode = enc
			identity.HashFiscalCode = pii.Digest(code)
			if err := tx.Identities().UpdateEncrypted(ctx, identity); err != nil {
				return err
			}
		}
		return tx.Profiles().Upsert(ctx, profile)
	})
}

// GetProfile returns the profile extension, or ErrNotFound when none exists.
func (s *Service) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return s.store.Profiles().Find(ctx, userID)
}

// UpdateRole changes an identity's role. Restricted to admins at the handler.
func (s *Service) UpdateRole(ctx context.Context, userID string, role Role) error {
	if !ValidRole(role) {
		v := newValidationError()
		v.add("role", "must be one of Guest, User, Admin")
		return v.orNil()
	}
	return s.store.Identities().UpdateRole(ctx, userID, role)
}

// encryptIdentity builds a new identity row from registration input: each
// field's ciphertext and its deterministic digest are produced side by side
// so they can only ever be written together.
func (s *Service) encryptIdentity(in RegisterInput) (*Identity, error) {
	name := strings.TrimSpace(in.Name)
	surname := strings.TrimSpace(in.Surname)
	email := pii.Normalize(in.Email)
	fiscalCode := ""
	if in.FiscalCode != "" {
		fiscalCode = normalizeFiscalCode(in.FiscalCode)
	}

	identity := &Identity{
		ID:   ids.New(),
		Role: RoleGuest,
	}
	var err error
	if identity.Name, err = s.codec.Encrypt(name); err != nil {
		return nil, err
	}
	if identity.Surname, err = s.codec.Encrypt(surname); err != nil {
		return nil, err
	}
	if identity.Email, err = s.codec.Encrypt(email); err != nil {
		return nil, err
	}
	if identity.FiscalCode, err = s.codec.Encrypt(fiscalCode); err != nil {
		return nil, err
	}
	identity.HashName = pii.Digest(name)
	identity.HashSurname = pii.Digest(surname)
	identity.HashEmail = pii.Digest(email)
	if fiscalCode != "" {
		identity.HashFiscalCode = pii.Digest(fiscalCode)
	}
	return identity, nil
}

// decryptView is the sanctioned decrypt site. With the legacy fallback
// enabled, unauthenticated ciphertext is served as-is and counted; with it
// disabled the read fails closed.
func (s *Service) decryptView(ctx context.Context, identity *Identity) (*UserView, error) {
	name, err := s.decryptField(ctx, identity.ID, "name", identity.Name)
	if err != nil {
		return nil, err
	}
	surname, err := s.decryptField(ctx, identity.ID, "surname", identity.Surname)
	if err != nil {
		return nil, err
	}
	return &UserView{
		ID:      identity.ID,
		Name:    name,
		Surname: surname,
		Role:    identity.Role,
		Credits: identity.Credits,
	}, nil
}

func (s *Service) decryptField(_ context.Context, userID, field string, value pii.Encrypted) (string, error) {
	if s.legacyFallback {
		plain, degraded := s.codec.DecryptLenient(value)
		if degraded {
			obs.IncDegradedDecrypt()
			obs.LogEvent("warn", "degraded decrypt", map[string]any{
				"user_id": userID,
				"field":   field,
			})
		}
		return plain, nil
	}
	plain, err := s.codec.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("auth: decrypt %s for %s: %w", field, userID, err)
	}
	return plain, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
