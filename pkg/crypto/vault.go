// Package crypto implements CryptoVault: symmetric seal/unseal of
// per-worker secrets and credential blobs, keyed deterministically off a
// single master secret, plus the hashing and random-token helpers the rest
// of the module needs for authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/ushadow-io/fleetd/pkg/fleeterr"
)

// Vault seals and unseals short strings and blobs with AES-256-GCM, using a
// key derived once from the master secret at construction time. It is a
// read-only value after construction, safe for concurrent use, and
// deliberately constructed explicitly rather than kept as a package-level
// mutable singleton.
type Vault struct {
	key []byte // 32 bytes, derived from the master secret
}

// New derives a Vault's key from masterSecret via SHA-256. Rotating the
// master secret invalidates every blob previously sealed by a Vault
// constructed from the old one.
func New(masterSecret string) *Vault {
	key := sha256.Sum256([]byte(masterSecret))
	return &Vault{key: key[:]}
}

// Seal encrypts plaintext and returns nonce||ciphertext||tag.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "construct AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "construct GCM", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts a blob produced by Seal. Any tag mismatch, key rotation,
// or truncated input surfaces as fleeterr.TokenInvalid.
func (v *Vault) Unseal(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "construct AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "construct GCM", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fleeterr.New(fleeterr.TokenInvalid, "ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.TokenInvalid, "authentication failed", err)
	}
	return plaintext, nil
}

// Hash returns the SHA-256 hex digest of secret, used only for constant-time
// authentication comparisons (never for confidentiality).
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares a presented secret's hash against a stored
// digest without leaking timing information.
func ConstantTimeEqual(candidateHash, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(candidateHash), []byte(storedHash)) == 1
}

// RandomToken returns a cryptographically strong, URL-safe random string
// built from nBytes of entropy.
func RandomToken(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fleeterr.Wrap(fleeterr.Internal, "read random bytes", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}
