// Package cipher implements the gateway's credential-at-rest encryption:
// AES-256-GCM with a process-wide secret key, derived the way the
// teacher's messaging package derives its message key — stdlib
// crypto/aes + crypto/cipher, a random nonce prepended to the
// ciphertext, base64 for storage.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrNotEncrypted is returned by Decrypt in strict mode when the input
// is not valid ciphertext for this cipher.
var ErrNotEncrypted = errors.New("cipher: input is not valid ciphertext")

// Service encrypts and decrypts provider credential bags with a
// process-wide secret key. The secret is hashed to a 32-byte AES-256 key
// with SHA-256 so operators can configure any length string ≥ 32 bytes.
type Service struct {
	key    [32]byte
	strict bool
}

// NewService builds a Service from the raw configured secret. strict
// controls the behavior of Decrypt on malformed/legacy-plaintext input:
// see the doc on Decrypt.
func NewService(secret string, strict bool) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("cipher: secret key must be at least 32 bytes, got %d", len(secret))
	}
	return &Service{key: sha256.Sum256([]byte(secret)), strict: strict}, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns base64(nonce ||
// ciphertext). New writes are always encrypted; there is no plaintext
// write path.
func (s *Service) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: new block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt.
//
// DESIGN NOTE (spec.md §9 open question, resolved): legacy rows may
// contain a credential bag that was never encrypted. In strict mode
// (Service.strict == true, CRYPTO_STRICT_DECRYPT=true) Decrypt returns
// ErrNotEncrypted for anything that doesn't parse as this cipher's
// format — callers must re-encrypt legacy rows out of band before
// enabling strict mode. In passthrough mode (the default) Decrypt
// returns the input unchanged
// when it fails to parse as ciphertext, so legacy plaintext rows keep
// working until they are rewritten (every write always re-encrypts).
func (s *Service) Decrypt(data []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return s.onDecryptFailure(data, err)
	}
	raw = raw[:n]

	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: new block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: new gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return s.onDecryptFailure(data, errors.New("ciphertext shorter than nonce"))
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return s.onDecryptFailure(data, err)
	}
	return plaintext, nil
}

func (s *Service) onDecryptFailure(original []byte, cause error) ([]byte, error) {
	if s.strict {
		return nil, fmt.Errorf("%w: %v", ErrNotEncrypted, cause)
	}
	return original, nil
}
