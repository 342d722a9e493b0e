// Package signer produces and checks detached signatures over canonical
// document bytes.
//
// Classical keys are signed through COSE algorithm implementations (EdDSA,
// PS256, ES256). ML-DSA-65 keys use the post-quantum scheme directly. The
// algorithm tag travels with the signature and must agree with the key used
// to verify it.
package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/veraison/go-cose"

	"docseal/internal/document/models"
)

var (
	ErrUnsupportedKey = errors.New("signer: unsupported key type")
	ErrEmptyContent   = errors.New("signer: empty content")
)

// AlgorithmFor picks the signature algorithm implied by a private key.
func AlgorithmFor(key crypto.Signer) (models.SignatureAlgorithm, error) {
	if key == nil {
		return "", ErrUnsupportedKey
	}
	switch pub := key.Public().(type) {
	case ed25519.PublicKey:
		return models.AlgEdDSA, nil
	case *rsa.PublicKey:
		return models.AlgPS256, nil
	case *ecdsa.PublicKey:
		if pub.Curve != elliptic.P256() {
			return "", fmt.Errorf("%w: ecdsa curve %s", ErrUnsupportedKey, pub.Curve.Params().Name)
		}
		return models.AlgES256, nil
	case *mldsa65.PublicKey:
		return models.AlgMLDSA65, nil
	}
	return "", ErrUnsupportedKey
}

func coseAlgorithm(alg models.SignatureAlgorithm) (cose.Algorithm, bool) {
	switch alg {
	case models.AlgEdDSA:
		return cose.AlgorithmEd25519, true
	case models.AlgPS256:
		return cose.AlgorithmPS256, true
	case models.AlgES256:
		return cose.AlgorithmES256, true
	}
	return 0, false
}

// Sign signs content with key. rand may be nil to use crypto/rand.
func Sign(rnd io.Reader, content []byte, keyID string, key crypto.Signer) (models.Signature, error) {
	if len(content) == 0 {
		return models.Signature{}, ErrEmptyContent
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	alg, err := AlgorithmFor(key)
	if err != nil {
		return models.Signature{}, err
	}

	var sig []byte
	if alg == models.AlgMLDSA65 {
		sig, err = key.Sign(rnd, content, crypto.Hash(0))
	} else {
		coseAlg, _ := coseAlgorithm(alg)
		var s cose.Signer
		s, err = cose.NewSigner(coseAlg, key)
		if err == nil {
			sig, err = s.Sign(rnd, content)
		}
	}
	if err != nil {
		return models.Signature{}, fmt.Errorf("signer: sign with %s: %w", alg, err)
	}
	return models.Signature{Algorithm: alg, KeyID: keyID, Bytes: sig}, nil
}

// Verify reports whether sig is a valid signature over content under pub.
// It returns false for any malformed input.
func Verify(content []byte, sig models.Signature, pub crypto.PublicKey) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(content) == 0 || len(sig.Bytes) == 0 || pub == nil {
		return false
	}

	if sig.Algorithm == models.AlgMLDSA65 {
		pk, isMLDSA := pub.(*mldsa65.PublicKey)
		if !isMLDSA || len(sig.Bytes) != mldsa65.SignatureSize {
			return false
		}
		return mldsa65.Verify(pk, content, nil, sig.Bytes)
	}

	coseAlg, known := coseAlgorithm(sig.Algorithm)
	if !known || !keyMatches(sig.Algorithm, pub) {
		return false
	}
	v, err := cose.NewVerifier(coseAlg, pub)
	if err != nil {
		return false
	}
	return v.Verify(content, sig.Bytes) == nil
}

func keyMatches(alg models.SignatureAlgorithm, pub crypto.PublicKey) bool {
	switch alg {
	case models.AlgEdDSA:
		k, ok := pub.(ed25519.PublicKey)
		return ok && len(k) == ed25519.PublicKeySize
	case models.AlgPS256:
		_, ok := pub.(*rsa.PublicKey)
		return ok
	case models.AlgES256:
		k, ok := pub.(*ecdsa.PublicKey)
		return ok && k.Curve == elliptic.P256()
	}
	return false
}
