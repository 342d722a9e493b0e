// Package envelope seals a signed document into an AES-256-GCM envelope
// addressed to one recipient, and opens it again through an explicit state
// machine that reports a single verification outcome.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"docseal/internal/document/canonical"
	"docseal/internal/document/models"
)

const (
	IVSize  = 16
	TagSize = 16
)

// Sealer encrypts envelope payloads under fresh per-envelope keys.
type Sealer struct {
	rand io.Reader
}

type SealerOption func(*Sealer)

// WithSealerRand overrides the randomness source used for DEKs and IVs.
func WithSealerRand(r io.Reader) SealerOption {
	return func(s *Sealer) {
		s.rand = r
	}
}

func NewSealer(opts ...SealerOption) *Sealer {
	s := &Sealer{rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seal encrypts the payload for the recipient. The metadata's wrap
// algorithm and version are set from the recipient and the current format,
// then bound to the ciphertext as associated data.
func (s *Sealer) Seal(p canonical.Payload, recipient KeyWrapper) (models.SealedEnvelope, error) {
	if recipient == nil {
		return models.SealedEnvelope{}, ErrUnsupportedRecipient
	}
	p.Metadata.Version = models.EnvelopeVersion
	p.Metadata.KeyWrapAlgorithm = recipient.Algorithm()

	aad, err := canonical.Metadata(p.Metadata)
	if err != nil {
		return models.SealedEnvelope{}, err
	}
	plaintext, err := canonical.EncodePayload(p)
	if err != nil {
		return models.SealedEnvelope{}, err
	}

	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(s.rand, dek); err != nil {
		return models.SealedEnvelope{}, fmt.Errorf("envelope: dek: %w", err)
	}
	defer clear(dek)
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return models.SealedEnvelope{}, fmt.Errorf("envelope: iv: %w", err)
	}

	gcm, err := dataAEAD(dek)
	if err != nil {
		return models.SealedEnvelope{}, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	clear(plaintext)

	wrapped, err := recipient.Wrap(s.rand, dek)
	if err != nil {
		return models.SealedEnvelope{}, err
	}

	split := len(sealed) - TagSize
	return models.SealedEnvelope{
		Ciphertext: sealed[:split:split],
		AuthTag:    sealed[split:],
		WrappedKey: wrapped,
		IV:         iv,
		Metadata:   p.Metadata,
	}, nil
}

func dataAEAD(dek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	return gcm, nil
}
