// Package encryption provides the field-level encryption service used to wrap
// blob storage. Every ciphertext is bound to the context it was written under.
package encryption

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/jonathan/therapy-pipeline/internal/failure"
)

const (
	// KeySize is the required master key length in bytes
	KeySize = 32

	formatV1 byte = 0x01
	hkdfInfo      = "therapy-pipeline/blob/v1"
)

// Service encrypts with XChaCha20-Poly1305 under a per-context key derived from the master key
type Service struct {
	master []byte
}

// NewService creates a service from a 32-byte master key
func NewService(masterKey []byte) (*Service, error) {
	if len(masterKey) != KeySize {
		return nil, failure.Encryption(fmt.Sprintf("master key must be %d bytes", KeySize), nil)
	}
	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &Service{master: key}, nil
}

// ParseKey decodes a hex or base64 master key
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	return nil, failure.Encryption(fmt.Sprintf("master key must be %d bytes, hex or base64 encoded", KeySize), nil)
}

// GenerateKey returns a random master key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func (s *Service) aead(aad []byte) (cipher.AEAD, error) {
	r := hkdf.New(sha256.New, s.master, nil, append([]byte(hkdfInfo+":"), aad...))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, failure.Encryption("key derivation failed", err)
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, failure.Encryption("cipher initialisation failed", err)
	}
	return a, nil
}

// Encrypt seals plaintext under the context aad
func (s *Service) Encrypt(_ context.Context, plaintext, aad []byte) ([]byte, error) {
	a, err := s.aead(aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+a.NonceSize(), 1+a.NonceSize()+len(plaintext)+a.Overhead())
	out[0] = formatV1
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, failure.Encryption("nonce generation failed", err)
	}
	return a.Seal(out, nonce, plaintext, aad), nil
}

// Decrypt opens a ciphertext; a wrong key or context fails with an encryption error
func (s *Service) Decrypt(_ context.Context, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) == 0 || ciphertext[0] != formatV1 {
		return nil, failure.Encryption("unsupported ciphertext format", nil)
	}
	a, err := s.aead(aad)
	if err != nil {
		return nil, err
	}
	body := ciphertext[1:]
	if len(body) < a.NonceSize()+a.Overhead() {
		return nil, failure.Encryption("ciphertext too short", nil)
	}
	nonce, sealed := body[:a.NonceSize()], body[a.NonceSize():]
	plaintext, err := a.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, failure.Encryption("decryption failed: key or context mismatch", err)
	}
	return plaintext, nil
}
