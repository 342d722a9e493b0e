package envelope

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/hkdf"

	"docseal/internal/document/models"
)

// DEKSize is the per-envelope data encryption key length.
const DEKSize = 32

var (
	ErrUnsupportedRecipient = errors.New("envelope: unsupported recipient key")
	ErrUnwrap               = errors.New("envelope: key unwrap failed")
)

var (
	oaepLabel = []byte("docseal/dek/v1")
	kemInfo   = []byte("docseal/dek-wrap/v1")
)

// KeyWrapper wraps a DEK for one recipient.
type KeyWrapper interface {
	Algorithm() models.KeyWrapAlgorithm
	Wrap(rand io.Reader, dek []byte) ([]byte, error)
}

// KeyUnwrapper recovers a DEK with the recipient's private key.
type KeyUnwrapper interface {
	Algorithm() models.KeyWrapAlgorithm
	Unwrap(wrapped []byte) ([]byte, error)
}

// NewWrapper selects the wrap scheme for a recipient public key.
func NewWrapper(pub crypto.PublicKey) (KeyWrapper, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < 2048 {
			return nil, fmt.Errorf("%w: rsa key under 2048 bits", ErrUnsupportedRecipient)
		}
		return RSAWrapper{pub: k}, nil
	case *mlkem768.PublicKey:
		return MLKEMWrapper{pub: k}, nil
	}
	return nil, ErrUnsupportedRecipient
}

// NewUnwrapper selects the unwrap scheme for a recipient private key.
func NewUnwrapper(priv crypto.PrivateKey) (KeyUnwrapper, error) {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return RSAUnwrapper{priv: k}, nil
	case *mlkem768.PrivateKey:
		return MLKEMUnwrapper{priv: k}, nil
	}
	return nil, ErrUnsupportedRecipient
}

// -----------------------------------------------------------------------------
// RSA-OAEP-256
// -----------------------------------------------------------------------------

type RSAWrapper struct{ pub *rsa.PublicKey }

func (RSAWrapper) Algorithm() models.KeyWrapAlgorithm { return models.WrapRSAOAEP256 }

func (w RSAWrapper) Wrap(rand io.Reader, dek []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand, w.pub, dek, oaepLabel)
	if err != nil {
		return nil, fmt.Errorf("envelope: rsa wrap: %w", err)
	}
	return out, nil
}

type RSAUnwrapper struct{ priv *rsa.PrivateKey }

func (RSAUnwrapper) Algorithm() models.KeyWrapAlgorithm { return models.WrapRSAOAEP256 }

func (u RSAUnwrapper) Unwrap(wrapped []byte) ([]byte, error) {
	dek, err := rsa.DecryptOAEP(sha256.New(), nil, u.priv, wrapped, oaepLabel)
	if err != nil || len(dek) != DEKSize {
		return nil, ErrUnwrap
	}
	return dek, nil
}

// -----------------------------------------------------------------------------
// ML-KEM-768 + HKDF-SHA-512 + AES-256-GCM
//
// wrapped = kemCiphertext (1088) || nonce (12) || GCM(kek, dek) (48)
// kek     = HKDF-SHA-512(sharedSecret, salt = SHA-256(kemCiphertext), info)
// -----------------------------------------------------------------------------

const (
	kemNonceSize  = 12
	kemWrappedLen = mlkem768.CiphertextSize + kemNonceSize + DEKSize + 16
)

type MLKEMWrapper struct{ pub *mlkem768.PublicKey }

func (MLKEMWrapper) Algorithm() models.KeyWrapAlgorithm { return models.WrapMLKEM768 }

func (w MLKEMWrapper) Wrap(rand io.Reader, dek []byte) ([]byte, error) {
	seed := make([]byte, mlkem768.EncapsulationSeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("envelope: kem seed: %w", err)
	}
	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	w.pub.EncapsulateTo(ct, ss, seed)
	defer clear(ss)

	gcm, err := kekAEAD(ss, ct)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, kemNonceSize)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, fmt.Errorf("envelope: kem nonce: %w", err)
	}

	out := make([]byte, 0, kemWrappedLen)
	out = append(out, ct...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, dek, ct), nil
}

type MLKEMUnwrapper struct{ priv *mlkem768.PrivateKey }

func (MLKEMUnwrapper) Algorithm() models.KeyWrapAlgorithm { return models.WrapMLKEM768 }

func (u MLKEMUnwrapper) Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) != kemWrappedLen {
		return nil, ErrUnwrap
	}
	ct := wrapped[:mlkem768.CiphertextSize]
	nonce := wrapped[mlkem768.CiphertextSize : mlkem768.CiphertextSize+kemNonceSize]
	sealed := wrapped[mlkem768.CiphertextSize+kemNonceSize:]

	ss := make([]byte, mlkem768.SharedKeySize)
	u.priv.DecapsulateTo(ss, ct)
	defer clear(ss)

	gcm, err := kekAEAD(ss, ct)
	if err != nil {
		return nil, ErrUnwrap
	}
	dek, err := gcm.Open(nil, nonce, sealed, ct)
	if err != nil {
		return nil, ErrUnwrap
	}
	return dek, nil
}

func kekAEAD(sharedSecret, kemCiphertext []byte) (cipher.AEAD, error) {
	salt := sha256.Sum256(kemCiphertext)
	kek := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha512.New, sharedSecret, salt[:], kemInfo), kek); err != nil {
		return nil, fmt.Errorf("envelope: hkdf: %w", err)
	}
	defer clear(kek)
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("envelope: kek cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
