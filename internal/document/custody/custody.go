// Package custody supplies long-term key material to the sealing pipeline
// from files on disk. Keys are read once at startup and handed out per call.
package custody

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"docseal/internal/document/signer"
	"docseal/internal/platform/config"
	"docseal/pkg/platform/sentinel"
)

// BiometricKeySize is the required master key length.
const BiometricKeySize = 32

// FileCustody holds keys loaded from PEM and base64 files.
type FileCustody struct {
	signingKeyID string
	signing      crypto.Signer
	recipient    crypto.PrivateKey
	recipientPub crypto.PublicKey
	biometric    []byte
	issuers      *signer.KeyRing
}

// Keys is the in-memory form accepted by New.
type Keys struct {
	SigningKeyID string
	Signing      crypto.Signer
	Recipient    crypto.PrivateKey
	RecipientPub crypto.PublicKey
	Biometric    []byte
	Issuers      map[string]crypto.PublicKey
}

// New builds custody from keys already in memory. The signing key's public
// half is trusted under its own key ID.
func New(k Keys) (*FileCustody, error) {
	c := &FileCustody{
		signingKeyID: k.SigningKeyID,
		signing:      k.Signing,
		recipient:    k.Recipient,
		recipientPub: k.RecipientPub,
		issuers:      signer.NewKeyRing(),
	}
	if len(k.Biometric) > 0 {
		if len(k.Biometric) != BiometricKeySize {
			return nil, fmt.Errorf("custody: biometric key must be %d bytes", BiometricKeySize)
		}
		c.biometric = append([]byte(nil), k.Biometric...)
	}
	if c.recipientPub == nil && c.recipient != nil {
		pub, err := PublicKeyOf(c.recipient)
		if err != nil {
			return nil, fmt.Errorf("recipient key: %w", err)
		}
		c.recipientPub = pub
	}
	for keyID, pub := range k.Issuers {
		c.issuers.Add(keyID, pub)
	}
	if c.signing != nil {
		if c.signingKeyID == "" {
			return nil, fmt.Errorf("custody: signing key id is required")
		}
		c.issuers.Add(c.signingKeyID, c.signing.Public())
	}
	return c, nil
}

// Load reads every configured path. Unset paths leave the matching key absent.
func Load(cfg config.Keys) (*FileCustody, error) {
	k := Keys{SigningKeyID: cfg.SigningKeyID}

	if cfg.SigningKeyPath != "" {
		key, err := readPrivate(cfg.SigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("signing key: %w", ErrUnsupportedKey)
		}
		k.Signing = s
	}
	if cfg.RecipientKeyPath != "" {
		data, err := os.ReadFile(cfg.RecipientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("recipient key: %w", err)
		}
		if key, err := ParsePrivateKeyPEM(data); err == nil {
			k.Recipient = key
		} else if pub, perr := ParsePublicKeyPEM(data); perr == nil {
			k.RecipientPub = pub
		} else {
			return nil, fmt.Errorf("recipient key: %w", err)
		}
	}
	if cfg.BiometricKeyPath != "" {
		data, err := os.ReadFile(cfg.BiometricKeyPath)
		if err != nil {
			return nil, fmt.Errorf("biometric key: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("biometric key: %w", err)
		}
		k.Biometric = raw
	}
	if cfg.TrustedIssuersPath != "" {
		data, err := os.ReadFile(cfg.TrustedIssuersPath)
		if err != nil {
			return nil, fmt.Errorf("trusted issuers: %w", err)
		}
		issuers, err := ParseIssuerBundle(data)
		if err != nil {
			return nil, err
		}
		k.Issuers = issuers
	}
	return New(k)
}

func readPrivate(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(data)
}

// SigningKey returns the issuer signing key and its ID.
func (c *FileCustody) SigningKey() (string, crypto.Signer, error) {
	if c.signing == nil {
		return "", nil, fmt.Errorf("%w: signing key", sentinel.ErrNotFound)
	}
	return c.signingKeyID, c.signing, nil
}

func (c *FileCustody) IssuerPublicKey(keyID string) (crypto.PublicKey, bool) {
	return c.issuers.IssuerPublicKey(keyID)
}

func (c *FileCustody) RecipientPrivateKey() (crypto.PrivateKey, error) {
	if c.recipient == nil {
		return nil, fmt.Errorf("%w: recipient private key", sentinel.ErrNotFound)
	}
	return c.recipient, nil
}

func (c *FileCustody) RecipientPublicKey() (crypto.PublicKey, error) {
	if c.recipientPub == nil {
		return nil, fmt.Errorf("%w: recipient public key", sentinel.ErrNotFound)
	}
	return c.recipientPub, nil
}

// BiometricMasterKey returns a copy the caller may clear.
func (c *FileCustody) BiometricMasterKey() ([]byte, error) {
	if c.biometric == nil {
		return nil, fmt.Errorf("%w: biometric master key", sentinel.ErrNotFound)
	}
	return append([]byte(nil), c.biometric...), nil
}
