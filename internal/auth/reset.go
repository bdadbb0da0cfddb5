package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"mediateca.org/internal/obs"
	"mediateca.org/internal/pii"
)

const (
	defaultResetTTL = 30 * time.Minute
	resetTokenBytes = 32
)

// Mailer delivers a password reset token to the account's email address.
// Implementations receive the plaintext token exactly once; only its digest
// is persisted.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string) error
}

// NopMailer drops reset mail. Used when no delivery channel is configured.
type NopMailer struct{}

func (NopMailer) SendPasswordReset(context.Context, string, string) error { return nil }

// ResetRequestInput is the untrusted reset request payload.
type ResetRequestInput struct {
	Email string `json:"email"`
}

// ResetConfirmInput is the untrusted reset confirmation payload.
type ResetConfirmInput struct {
	Email                string `json:"email"`
	Token                string `json:"token"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// RequestPasswordReset generates a single-use token, stores its digest with a
// deadline and hands the plaintext to the mailer. The outcome is identical
// whether or not the email is registered, so the endpoint cannot be used to
// enumerate accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, in ResetRequestInput) error {
	v := newValidationError()
	if pii.Normalize(in.Email) == "" {
		v.add("email", "is required")
	}
	if err := v.orNil(); err != nil {
		return err
	}

	identity, err := s.store.Identities().FindByEmailHash(ctx, pii.Digest(in.Email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	token, err := pii.RandomHex(resetTokenBytes)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	err = s.store.Resets().Put(ctx, &ResetToken{
		UserID:    identity.ID,
		TokenHash: hashResetToken(token),
		ExpiresAt: now.Add(s.resetTTL),
	})
	if err != nil {
		return err
	}

	if err := s.mailer.SendPasswordReset(ctx, pii.Normalize(in.Email), token); err != nil {
		// Delivery failure is logged but not surfaced: the response must stay
		// indistinguishable from the unknown-email case.
		obs.LogEvent("error", "reset mail delivery failed", map[string]any{
			"user_id": identity.ID,
			"error":   err.Error(),
		})
	}
	return nil
}

// ConfirmPasswordReset consumes a reset token: the digest is compared in
// constant time, expiry is checked against the service clock, and on success
// the credential is replaced, the session secret rotated and the token
// deleted, all in one transaction.
func (s *Service) ConfirmPasswordReset(ctx context.Context, in ResetConfirmInput) error {
	v := newValidationError()
	if pii.Normalize(in.Email) == "" {
		v.add("email", "is required")
	}
	if in.Token == "" {
		v.add("token", "is required")
	}
	validatePassword(v, in.Password, in.PasswordConfirmation)
	if err := v.orNil(); err != nil {
		return err
	}

	identity, err := s.store.Identities().FindByEmailHash(ctx, pii.Digest(in.Email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	stored, err := s.store.Resets().Find(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}

	candidate := hashResetToken(in.Token)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(stored.TokenHash)) != 1 {
		return ErrInvalidToken
	}
	if s.now().UTC().After(stored.ExpiresAt) {
		// Expired tokens are removed so they cannot be retried.
		_ = s.store.Resets().Delete(ctx, identity.ID)
		return ErrInvalidToken
	}

	cred, err := newCredential(identity.ID, in.Password)
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx Store) error {
		if err := tx.Credentials().Set(ctx, cred); err != nil {
			return err
		}
		if err := s.rotateSecret(ctx, tx, identity.ID); err != nil {
			return err
		}
		// A successful reset reopens a locked account.
		if err := tx.Lockouts().Ensure(ctx, identity.ID, identity.HashEmail); err != nil {
			return err
		}
		if err := tx.Lockouts().Update(ctx, identity.ID, 0, nil); err != nil {
			return err
		}
		return tx.Resets().Delete(ctx, identity.ID)
	})
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
