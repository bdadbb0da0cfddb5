package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"mediateca.org/internal/pii"
)

const (
	saltBytes   = 32
	pbkdf2Iters = 100_000
	pbkdf2Len   = 32
)

// passwordDigest derives the stored hash from a plaintext password and a
// per-credential hex salt using PBKDF2-SHA256.
func passwordDigest(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iters, pbkdf2Len, sha256.New)
	return hex.EncodeToString(key)
}

// newCredential builds a replacement credential row with a fresh salt.
func newCredential(userID, password string) (*Credential, error) {
	salt, err := pii.RandomHex(saltBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	return &Credential{
		UserID:       userID,
		PasswordHash: passwordDigest(password, salt),
		Salt:         salt,
	}, nil
}

// verifyPassword compares a candidate password against the stored credential
// in constant time.
func verifyPassword(cred *Credential, candidate string) bool {
	if cred == nil || cred.PasswordHash == "" {
		return false
	}
	computed := passwordDigest(candidate, cred.Salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(cred.PasswordHash)) == 1
}
