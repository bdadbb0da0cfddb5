// Package pii implements the codec boundary for personally identifiable data:
// reversible field encryption, deterministic lookup digests and secure random
// material. Plaintext only ever leaves this package through an explicit
// Decrypt call, so every read site stays auditable.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Encrypted is ciphertext as stored in an identity column. The named type
// keeps encrypted values from being passed around as ordinary strings.
type Encrypted string

var (
	// ErrDecrypt indicates that ciphertext failed authentication. The codec
	// fails closed: callers never see partially decrypted data.
	ErrDecrypt = errors.New("pii: decryption failed")

	errKeySize = errors.New("pii: key must be 32 bytes (hex encoded)")
)

// Codec performs AES-256-GCM encryption of identity fields using a
// process-wide key loaded once at startup. The key is never logged.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a Codec from a hex-encoded 32-byte key.
func NewCodec(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("pii: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, errKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pii: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pii: init gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. Empty input encrypts to
// the empty ciphertext so that nullable columns round-trip unchanged.
func (c *Codec) Encrypt(plaintext string) (Encrypted, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("pii: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Encrypted(base64.RawStdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens ciphertext produced by Encrypt. Tampered or foreign-key
// ciphertext yields ErrDecrypt, never garbage.
func (c *Codec) Decrypt(ciphertext Encrypted) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(string(ciphertext))
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// DecryptLenient decrypts ciphertext, falling back to treating the stored
// value as legacy plaintext when authentication fails. The fallback exists
// only for rows written before field encryption was introduced; degraded
// reports whether it was taken so the caller can log the degraded path.
func (c *Codec) DecryptLenient(ciphertext Encrypted) (plaintext string, degraded bool) {
	out, err := c.Decrypt(ciphertext)
	if err != nil {
		return string(ciphertext), true
	}
	return out, false
}

// Digest returns the deterministic lookup digest of a field value: SHA-256
// over the lowercased, trimmed input, hex encoded. Being unsalted is
// intentional — the same input must always map to the same digest so that
// encrypted columns stay searchable and uniqueness-checkable. The tradeoff is
// reduced resistance to offline guessing of low-entropy values.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])
}

// Normalize applies the canonical form used for digests and email lookups.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RandomHex returns n cryptographically random bytes, hex encoded. Used for
// credential salts, per-user token secrets and reset tokens.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pii: random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
