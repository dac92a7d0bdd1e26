package blob

import (
	"context"
)

// Encryptor is the encryption service the blob layer treats as a black box
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

// Encrypted wraps a Store so that values are encrypted at rest.
// The blob key is the encryption context; ciphertext moved to another key will not decrypt.
type Encrypted struct {
	inner Store
	enc   Encryptor
}

// NewEncrypted wraps inner with enc
func NewEncrypted(inner Store, enc Encryptor) *Encrypted {
	return &Encrypted{inner: inner, enc: enc}
}

// Get reads and decrypts
func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	ct, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.enc.Decrypt(ctx, ct, []byte(key))
}

// Put encrypts and writes
func (e *Encrypted) Put(ctx context.Context, key string, plaintext []byte) error {
	ct, err := e.enc.Encrypt(ctx, plaintext, []byte(key))
	if err != nil {
		return err
	}
	return e.inner.Put(ctx, key, ct)
}
