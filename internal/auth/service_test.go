package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediateca.org/internal/pii"
)

const serviceTestKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestService(t *testing.T, store Store, opts ...Option) *Service {
	t.Helper()
	codec, err := pii.NewCodec(serviceTestKey)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return NewService(store, codec, opts...)
}

func registerTestUser(t *testing.T, svc *Service, email string) *UserView {
	t.Helper()
	view, err := svc.Register(context.Background(), RegisterInput{
		Name:                 "Ada",
		Surname:              "Lovelace",
		Email:                email,
		Password:             "segreto1",
		PasswordConfirmation: "segreto1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return view
}

func TestRegisterAndLogin(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	if view.Name != "Ada" || view.Surname != "Lovelace" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Role != RoleGuest {
		t.Fatalf("new accounts must start as Guest, got %s", view.Role)
	}

	// Registration does not log the user in; a token must come from login.
	res, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto1"}, "10.0.0.1", "test-agent")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Token == "" {
		t.Fatal("expected a bearer token")
	}
	if res.User.ID != view.ID {
		t.Fatalf("login returned wrong user: %s != %s", res.User.ID, view.ID)
	}

	userID, err := svc.ValidateToken(ctx, res.Token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if userID != view.ID {
		t.Fatalf("token subject mismatch: %s != %s", userID, view.ID)
	}

	principal, err := svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.UserID != view.ID || principal.Role != RoleGuest {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestIdentityFieldsStoredEncrypted(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)

	view := registerTestUser(t, svc, "ada@example.com")
	row := store.identities[view.ID]
	if row == nil {
		t.Fatal("identity row missing")
	}
	if string(row.Name) == "Ada" || string(row.Email) == "ada@example.com" {
		t.Fatal("identity fields stored as plaintext")
	}
	if row.HashEmail != pii.Digest("ada@example.com") {
		t.Fatal("email digest missing or wrong")
	}
}

func TestRegisterDuplicateEmailNormalized(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)

	registerTestUser(t, svc, "Ada@Example.com")
	_, err := svc.Register(context.Background(), RegisterInput{
		Name:                 "Other",
		Surname:              "Person",
		Email:                "  ada@example.COM ",
		Password:             "segreto1",
		PasswordConfirmation: "segreto1",
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:                "not-an-email",
		Password:             "short",
		PasswordConfirmation: "other",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"name", "surname", "email", "password", "password_confirmation"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Fatalf("expected a message for %q, got %v", field, verr.Fields)
		}
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)

	_, err := svc.Login(context.Background(), LoginInput{Email: "nobody@example.com", Password: "whatever"}, "", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

// countingStore wraps a Store and counts credential lookups.
type countingStore struct {
	Store
	credentialFinds int
}

func (s *countingStore) Credentials() CredentialStore {
	return countingCredentials{s.Store.Credentials(), &s.credentialFinds}
}

type countingCredentials struct {
	CredentialStore
	finds *int
}

func (c countingCredentials) Find(ctx context.Context, userID string) (*Credential, error) {
	*c.finds++
	return c.CredentialStore.Find(ctx, userID)
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	mem := NewMemStore()
	store := &countingStore{Store: mem}
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	in := LoginInput{Email: "ada@example.com", Password: "wrong-pass"}

	for i := 0; i < 3; i++ {
		_, err := svc.Login(ctx, in, "", "")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	lockout := mem.lockouts[view.ID]
	if lockout.FailedAttempts != 3 || !lockout.Locked() {
		t.Fatalf("expected locked at 3 attempts, got %+v", lockout)
	}

	// Once locked, even the correct password is rejected before any
	// credential read happens.
	findsBefore := store.credentialFinds
	_, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto1"}, "", "")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if store.credentialFinds != findsBefore {
		t.Fatal("credential row was read for a locked account")
	}
	if mem.lockouts[view.ID].FailedAttempts != 3 {
		t.Fatalf("counter must not exceed the cap, got %d", mem.lockouts[view.ID].FailedAttempts)
	}
}

func TestConcurrentFailedLoginsDoNotUndercount(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	in := LoginInput{Email: "ada@example.com", Password: "wrong-pass"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Login(ctx, in, "", "")
		}()
	}
	wg.Wait()

	// Interleaved failures must serialize on the counter: no lost update may
	// leave the account below the threshold and open.
	lockout, err := store.Lockouts().Find(ctx, view.ID)
	if err != nil {
		t.Fatalf("find lockout: %v", err)
	}
	if lockout.FailedAttempts != 3 || !lockout.Locked() {
		t.Fatalf("expected locked at 3 attempts, got %+v", lockout)
	}
}

func TestLockoutCounterResetsOnSuccess(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	bad := LoginInput{Email: "ada@example.com", Password: "wrong-pass"}

	for i := 0; i < 2; i++ {
		if _, err := svc.Login(ctx, bad, "", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if store.lockouts[view.ID].FailedAttempts != 2 {
		t.Fatalf("expected 2 failed attempts, got %d", store.lockouts[view.ID].FailedAttempts)
	}

	if _, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto1"}, "", ""); err != nil {
		t.Fatalf("login: %v", err)
	}
	lockout := store.lockouts[view.ID]
	if lockout.FailedAttempts != 0 || lockout.Locked() {
		t.Fatalf("expected counter reset, got %+v", lockout)
	}
}

func TestMaxAttemptsOptionClamped(t *testing.T) {
	svc := newTestService(t, NewMemStore(), WithMaxLoginAttempts(10))
	if svc.maxAttempts != 3 {
		t.Fatalf("expected clamp to 3, got %d", svc.maxAttempts)
	}
	svc = newTestService(t, NewMemStore(), WithMaxLoginAttempts(0))
	if svc.maxAttempts != 1 {
		t.Fatalf("expected floor of 1, got %d", svc.maxAttempts)
	}
}

func TestChangePasswordRotatesSecret(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	res, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto1"}, "", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	err = svc.ChangePassword(ctx, view.ID, ChangePasswordInput{
		CurrentPassword:      "segreto1",
		Password:             "segreto2",
		PasswordConfirmation: "segreto2",
	})
	if err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := svc.ValidateToken(ctx, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old token must be invalid after rotation, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto1"}, "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must be rejected, got %v", err)
	}

	res2, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto2"}, "", "")
	if err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, res2.Token); err != nil {
		t.Fatalf("fresh token must validate: %v", err)
	}
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)

	view := registerTestUser(t, svc, "ada@example.com")
	err := svc.ChangePassword(context.Background(), view.ID, ChangePasswordInput{
		CurrentPassword:      "not-it",
		Password:             "segreto2",
		PasswordConfirmation: "segreto2",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

type captureMailer struct {
	email string
	token string
	calls int
}

func (m *captureMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.email = email
	m.token = token
	m.calls++
	return nil
}

func TestPasswordResetFlow(t *testing.T) {
	store := NewMemStore()
	mailer := &captureMailer{}
	svc := newTestService(t, store, WithMailer(mailer))
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")

	if err := svc.RequestPasswordReset(ctx, ResetRequestInput{Email: "ada@example.com"}); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if mailer.calls != 1 || mailer.token == "" {
		t.Fatalf("expected one delivered token, got %+v", mailer)
	}
	if stored := store.resets[view.ID]; stored == nil || stored.TokenHash == mailer.token {
		t.Fatal("only the token digest may be persisted")
	}

	wrong := ResetConfirmInput{
		Email:                "ada@example.com",
		Token:                "deadbeef",
		Password:             "segreto2",
		PasswordConfirmation: "segreto2",
	}
	if err := svc.ConfirmPasswordReset(ctx, wrong); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong token, got %v", err)
	}

	good := wrong
	good.Token = mailer.token
	if err := svc.ConfirmPasswordReset(ctx, good); err != nil {
		t.Fatalf("confirm reset: %v", err)
	}

	if _, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto1"}, "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must be rejected, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto2"}, "", ""); err != nil {
		t.Fatalf("login with reset password: %v", err)
	}

	// The token is single-use.
	if err := svc.ConfirmPasswordReset(ctx, good); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken on reuse, got %v", err)
	}
}

func TestPasswordResetUnknownEmail(t *testing.T) {
	store := NewMemStore()
	mailer := &captureMailer{}
	svc := newTestService(t, store, WithMailer(mailer))

	// The outcome must be indistinguishable from the known-email case.
	if err := svc.RequestPasswordReset(context.Background(), ResetRequestInput{Email: "nobody@example.com"}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if mailer.calls != 0 {
		t.Fatal("no mail may be sent for unknown addresses")
	}
}

func TestPasswordResetExpiry(t *testing.T) {
	store := NewMemStore()
	mailer := &captureMailer{}
	now := time.Now()
	svc := newTestService(t, store,
		WithMailer(mailer),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	registerTestUser(t, svc, "ada@example.com")
	if err := svc.RequestPasswordReset(ctx, ResetRequestInput{Email: "ada@example.com"}); err != nil {
		t.Fatalf("request reset: %v", err)
	}

	now = now.Add(defaultResetTTL + time.Minute)
	err := svc.ConfirmPasswordReset(ctx, ResetConfirmInput{
		Email:                "ada@example.com",
		Token:                mailer.token,
		Password:             "segreto2",
		PasswordConfirmation: "segreto2",
	})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestPasswordResetUnlocksAccount(t *testing.T) {
	store := NewMemStore()
	mailer := &captureMailer{}
	svc := newTestService(t, store, WithMailer(mailer))
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	bad := LoginInput{Email: "ada@example.com", Password: "wrong-pass"}
	for i := 0; i < 3; i++ {
		_, _ = svc.Login(ctx, bad, "", "")
	}
	if !store.lockouts[view.ID].Locked() {
		t.Fatal("expected locked account")
	}

	if err := svc.RequestPasswordReset(ctx, ResetRequestInput{Email: "ada@example.com"}); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	err := svc.ConfirmPasswordReset(ctx, ResetConfirmInput{
		Email:                "ada@example.com",
		Token:                mailer.token,
		Password:             "segreto2",
		PasswordConfirmation: "segreto2",
	})
	if err != nil {
		t.Fatalf("confirm reset: %v", err)
	}

	if _, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto2"}, "", ""); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}

func TestAccessFingerprintDedup(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	in := LoginInput{Email: "ada@example.com", Password: "segreto1"}
	for i := 0; i < 2; i++ {
		if _, err := svc.Login(ctx, in, "10.0.0.1", "test-agent"); err != nil {
			t.Fatalf("login %d: %v", i+1, err)
		}
	}
	if _, err := svc.Login(ctx, in, "10.0.0.2", "test-agent"); err != nil {
		t.Fatalf("login from second ip: %v", err)
	}

	prints, err := svc.ListAccess(ctx, view.ID)
	if err != nil {
		t.Fatalf("list access: %v", err)
	}
	if len(prints) != 2 {
		t.Fatalf("expected 2 fingerprints, got %d", len(prints))
	}
	for _, p := range prints {
		if p.IP == "10.0.0.1" && p.Hits != 2 {
			t.Fatalf("expected 2 hits for repeated triple, got %d", p.Hits)
		}
	}
}

func TestLegacyPlaintextFallback(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store, WithLegacyPlaintextFallback(true))

	// A row written before field encryption was introduced.
	store.identities["legacy"] = &Identity{
		ID:        "legacy",
		Name:      "Grace",
		Surname:   "Hopper",
		HashEmail: pii.Digest("grace@example.com"),
		Role:      RoleUser,
	}

	view, err := svc.GetUser(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if view.Name != "Grace" || view.Surname != "Hopper" {
		t.Fatalf("expected plaintext fallback, got %+v", view)
	}

	strict := newTestService(t, store)
	if _, err := strict.GetUser(context.Background(), "legacy"); err == nil {
		t.Fatal("expected decrypt failure with fallback disabled")
	}
}

func TestDeleteAccountRequiresPassword(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	if _, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto1"}, "10.0.0.1", "test-agent"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := svc.DeleteAccount(ctx, view.ID, "not-it"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.DeleteAccount(ctx, view.ID, "segreto1"); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := svc.GetUser(ctx, view.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Fingerprints are dependent records; they go with the account.
	prints, err := svc.ListAccess(ctx, view.ID)
	if err != nil {
		t.Fatalf("list access: %v", err)
	}
	if len(prints) != 0 {
		t.Fatalf("expected fingerprints swept on delete, got %d", len(prints))
	}
}

var errStorageDown = errors.New("storage down")

// failingSecretStore wraps a Store with a secret lookup that always errors.
type failingSecretStore struct {
	Store
}

func (s failingSecretStore) Secrets() SecretStore {
	return failingSecrets{s.Store.Secrets()}
}

type failingSecrets struct {
	SecretStore
}

func (failingSecrets) Find(context.Context, string) (*SessionSecret, error) {
	return nil, errStorageDown
}

func TestAuthenticateSurfacesStorageFailure(t *testing.T) {
	mem := NewMemStore()
	svc := newTestService(t, mem)
	ctx := context.Background()

	registerTestUser(t, svc, "ada@example.com")
	res, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "segreto1"}, "", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// A backend outage during secret lookup must not masquerade as a forged
	// token.
	broken := newTestService(t, failingSecretStore{mem})
	_, err = broken.Authenticate(ctx, res.Token)
	if !errors.Is(err, errStorageDown) {
		t.Fatalf("expected storage error passed through, got %v", err)
	}
	if errors.Is(err, ErrInvalidToken) {
		t.Fatal("storage failure must not collapse to ErrInvalidToken")
	}
}

func TestAddCredits(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	balance, err := svc.AddCredits(ctx, view.ID, 10)
	if err != nil || balance != 10 {
		t.Fatalf("expected balance 10, got %d (%v)", balance, err)
	}
	balance, err = svc.AddCredits(ctx, view.ID, -4)
	if err != nil || balance != 6 {
		t.Fatalf("expected balance 6, got %d (%v)", balance, err)
	}
	if _, err := svc.AddCredits(ctx, view.ID, 0); err == nil {
		t.Fatal("expected validation error for zero amount")
	}
}

func TestUpdateProfileRewritesFiscalCode(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	err := svc.UpdateProfile(ctx, view.ID, ProfileInput{
		BirthDate:  "1815-12-10",
		City:       "London",
		FiscalCode: "lvlada15t50z114p",
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}

	profile, err := svc.GetProfile(ctx, view.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.City == nil || *profile.City != "London" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.BirthDate == nil || profile.BirthDate.Format("2006-01-02") != "1815-12-10" {
		t.Fatalf("unexpected birth date: %v", profile.BirthDate)
	}

	row := store.identities[view.ID]
	if row.HashFiscalCode != pii.Digest("LVLADA15T50Z114P") {
		t.Fatal("fiscal code digest not rewritten alongside ciphertext")
	}
	if string(row.FiscalCode) == "LVLADA15T50Z114P" {
		t.Fatal("fiscal code stored as plaintext")
	}
}

func TestUpdateProfileTrimsFields(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	view := registerTestUser(t, svc, "ada@example.com")
	err := svc.UpdateProfile(ctx, view.ID, ProfileInput{
		City:    "  London  ",
		Country: " UK ",
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}

	profile, err := svc.GetProfile(ctx, view.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.City == nil || *profile.City != "London" {
		t.Fatalf("expected trimmed city, got %v", profile.City)
	}
	if profile.Country == nil || *profile.Country != "UK" {
		t.Fatalf("expected trimmed country, got %v", profile.Country)
	}
}
