package auth

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound = errors.New("auth: not found")

	// ErrDuplicateEmail is surfaced as a validation-shaped error; it must not
	// reveal more than "email already registered".
	ErrDuplicateEmail = errors.New("auth: email already registered")

	// ErrInvalidCredentials covers unknown user, wrong password and missing
	// credential row alike, so callers cannot distinguish them.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrAccountLocked is returned before password verification when the
	// lockout record is in the locked state.
	ErrAccountLocked = errors.New("auth: account locked")

	// ErrInvalidToken covers malformed, expired, mis-signed and
	// unknown-subject tokens alike.
	ErrInvalidToken = errors.New("auth: invalid token")

	ErrUnauthorized = errors.New("auth: unauthorized")
)

// ValidationError carries field-level messages that are safe to expose.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "auth: validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "auth: validation failed: " + strings.Join(parts, "; ")
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

func (e *ValidationError) add(field, msg string) {
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
