// Package biometric encrypts raw biometric templates under the long-lived
// biometric master key before they are attached to a document.
//
// Blob layout: IV (16) || tag (16) || ciphertext. The master key is never the
// per-document envelope key.
package biometric

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize = 32
	IVSize  = 16
	TagSize = 16
)

// additionalData binds blobs to this use so they cannot be replayed as
// envelope ciphertext under the same key.
var additionalData = []byte("docseal/biometric/v1")

var (
	ErrInvalidKey    = errors.New("biometric: master key must be 32 bytes")
	ErrEmpty         = errors.New("biometric: empty template")
	ErrBlobTooShort  = errors.New("biometric: blob too short")
	ErrDecryptFailed = errors.New("biometric: authentication failed")
)

type Encryptor struct {
	rand io.Reader
}

type Option func(*Encryptor)

func WithRand(r io.Reader) Option {
	return func(e *Encryptor) {
		e.rand = r
	}
}

func New(opts ...Option) *Encryptor {
	e := &Encryptor{rand: rand.Reader}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encrypt seals raw under masterKey with a fresh IV.
func (e *Encryptor) Encrypt(raw, masterKey []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return nil, fmt.Errorf("biometric: read iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, raw, additionalData)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, IVSize+TagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt reverses Encrypt. Any key or blob mismatch yields ErrDecryptFailed.
func (e *Encryptor) Decrypt(blob, masterKey []byte) ([]byte, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	if len(blob) < IVSize+TagSize+1 {
		return nil, ErrBlobTooShort
	}
	iv := blob[:IVSize]
	tag := blob[IVSize : IVSize+TagSize]
	ct := blob[IVSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, iv, sealed, additionalData)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("biometric: cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("biometric: gcm: %w", err)
	}
	return gcm, nil
}
