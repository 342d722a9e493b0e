package custody

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// PEM block types.
const (
	BlockPrivateKey      = "PRIVATE KEY"
	BlockPublicKey       = "PUBLIC KEY"
	BlockMLDSAPrivateKey = "ML-DSA-65 PRIVATE KEY"
	BlockMLDSAPublicKey  = "ML-DSA-65 PUBLIC KEY"
	BlockMLKEMPrivateKey = "ML-KEM-768 PRIVATE KEY"
	BlockMLKEMPublicKey  = "ML-KEM-768 PUBLIC KEY"
	HeaderKeyID          = "Key-Id"
)

var ErrUnsupportedKey = errors.New("custody: unsupported key")

// ParsePrivateKeyPEM decodes the first PEM block in data.
func ParsePrivateKeyPEM(data []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrUnsupportedKey)
	}
	return parsePrivateBlock(block)
}

func parsePrivateBlock(block *pem.Block) (crypto.PrivateKey, error) {
	switch block.Type {
	case BlockPrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		switch key.(type) {
		case ed25519.PrivateKey, *rsa.PrivateKey, *ecdsa.PrivateKey:
			return key, nil
		}
		return nil, fmt.Errorf("%w: pkcs8 %T", ErrUnsupportedKey, key)
	case BlockMLDSAPrivateKey:
		key, err := mldsa65.Scheme().UnmarshalBinaryPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		return key, nil
	case BlockMLKEMPrivateKey:
		key, err := mlkem768.Scheme().UnmarshalBinaryPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: block %q", ErrUnsupportedKey, block.Type)
}

func parsePublicBlock(block *pem.Block) (crypto.PublicKey, error) {
	switch block.Type {
	case BlockPublicKey:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		return pub, nil
	case BlockMLDSAPublicKey:
		pub, err := mldsa65.Scheme().UnmarshalBinaryPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		return pub, nil
	case BlockMLKEMPublicKey:
		pub, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		return pub, nil
	}
	return nil, fmt.Errorf("%w: block %q", ErrUnsupportedKey, block.Type)
}

// ParsePublicKeyPEM decodes the first PEM block in data.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrUnsupportedKey)
	}
	return parsePublicBlock(block)
}

// ParseIssuerBundle reads every public key block in data. Each block names
// its key with a Key-Id header.
func ParseIssuerBundle(data []byte) (map[string]crypto.PublicKey, error) {
	out := make(map[string]crypto.PublicKey)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		keyID := block.Headers[HeaderKeyID]
		if keyID == "" {
			return nil, fmt.Errorf("custody: issuer block %q without %s header", block.Type, HeaderKeyID)
		}
		pub, err := parsePublicBlock(block)
		if err != nil {
			return nil, fmt.Errorf("issuer %s: %w", keyID, err)
		}
		out[keyID] = pub
	}
	return out, nil
}

// EncodePrivateKeyPEM renders a private key in the block type ParsePrivateKeyPEM expects.
func EncodePrivateKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	switch k := key.(type) {
	case *mldsa65.PrivateKey:
		raw, err := k.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: BlockMLDSAPrivateKey, Bytes: raw}), nil
	case *mlkem768.PrivateKey:
		raw, err := k.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: BlockMLKEMPrivateKey, Bytes: raw}), nil
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: BlockPrivateKey, Bytes: der}), nil
}

// EncodePublicKeyPEM renders a public key, tagging it with keyID when set.
func EncodePublicKeyPEM(pub crypto.PublicKey, keyID string) ([]byte, error) {
	var block *pem.Block
	switch k := pub.(type) {
	case *mldsa65.PublicKey:
		raw, err := k.MarshalBinary()
		if err != nil {
			return nil, err
		}
		block = &pem.Block{Type: BlockMLDSAPublicKey, Bytes: raw}
	case *mlkem768.PublicKey:
		raw, err := k.MarshalBinary()
		if err != nil {
			return nil, err
		}
		block = &pem.Block{Type: BlockMLKEMPublicKey, Bytes: raw}
	default:
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		block = &pem.Block{Type: BlockPublicKey, Bytes: der}
	}
	if keyID != "" {
		block.Headers = map[string]string{HeaderKeyID: keyID}
	}
	return pem.EncodeToMemory(block), nil
}

// PublicKeyOf derives the public half of a supported private key.
func PublicKeyOf(key crypto.PrivateKey) (crypto.PublicKey, error) {
	switch k := key.(type) {
	case *mlkem768.PrivateKey:
		return k.Public(), nil
	case crypto.Signer:
		return k.Public(), nil
	}
	return nil, ErrUnsupportedKey
}
