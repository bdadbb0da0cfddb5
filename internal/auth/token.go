package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mediateca.org/internal/pii"
)

const (
	tokenIssuer = "mediateca"

	// clockSkew backdates nbf and widens validation so tokens survive small
	// clock drift between nodes.
	clockSkew = 30 * time.Second

	secretBytes = 32
)

// IssueToken mints a signed bearer token for the user, creating the session
// secret first if none exists yet.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, time.Time, error) {
	secret, err := s.ensureSecret(ctx, s.store, userID)
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now().UTC()
	exp := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-clockSkew)),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateToken checks a bearer token and returns the subject user id.
//
// The subject claim is read without trusting the token, the *current* session
// secret for that subject is loaded, and only then is the signature verified
// against it. Every failure mode — malformed token, unknown subject, wrong
// signature, expired, not yet valid — collapses to ErrInvalidToken so the
// outcome never aids account enumeration.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	subject, err := unverifiedSubject(token)
	if err != nil {
		return "", ErrInvalidToken
	}

	sec, err := s.store.Secrets().Find(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", err
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return []byte(sec.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != subject {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// unverifiedSubject extracts the sub claim without signature verification.
// The result is only ever used to look up which secret to verify with.
func unverifiedSubject(token string) (string, error) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ensureSecret returns the user's session secret, creating one when absent.
func (s *Service) ensureSecret(ctx context.Context, store Store, userID string) (string, error) {
	sec, err := store.Secrets().Find(ctx, userID)
	if err == nil {
		return sec.Secret, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	secret, err := pii.RandomHex(secretBytes)
	if err != nil {
		return "", err
	}
	if err := store.Secrets().Create(ctx, &SessionSecret{UserID: userID, Secret: secret}); err != nil {
		return "", err
	}
	// Another request may have created the row first; read back the winner.
	sec, err = store.Secrets().Find(ctx, userID)
	if err != nil {
		return "", err
	}
	return sec.Secret, nil
}

// rotateSecret persists a fresh secret for the user, invalidating every token
// signed with the previous one.
func (s *Service) rotateSecret(ctx context.Context, store Store, userID string) error {
	secret, err := pii.RandomHex(secretBytes)
	if err != nil {
		return err
	}
	err = store.Secrets().Rotate(ctx, userID, secret)
	if errors.Is(err, ErrNotFound) {
		return store.Secrets().Create(ctx, &SessionSecret{UserID: userID, Secret: secret})
	}
	return err
}
