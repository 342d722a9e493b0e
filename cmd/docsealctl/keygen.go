package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/spf13/cobra"

	"docseal/internal/document/custody"
)

// Key kinds accepted by keygen.
const (
	kindEd25519   = "ed25519"
	kindECDSA     = "ecdsa"
	kindRSA       = "rsa"
	kindMLDSA     = "ml-dsa-65"
	kindMLKEM     = "ml-kem-768"
	kindBiometric = "biometric"
)

func newKeygenCmd() *cobra.Command {
	var kind, out, public, keyID string
	var rsaBits int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate issuer, recipient or biometric key material",
		Long: `Signing kinds: ed25519, ecdsa, rsa, ml-dsa-65.
Recipient kinds: rsa, ml-kem-768.
biometric writes a base64 32-byte master key.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if kind == kindBiometric {
				key := make([]byte, custody.BiometricKeySize)
				if _, err := rand.Read(key); err != nil {
					return err
				}
				return os.WriteFile(out, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0o600)
			}

			priv, err := generateKey(kind, rsaBits)
			if err != nil {
				return err
			}
			privPEM, err := custody.EncodePrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, privPEM, 0o600); err != nil {
				return err
			}
			if public == "" {
				return nil
			}
			pub, err := custody.PublicKeyOf(priv)
			if err != nil {
				return err
			}
			pubPEM, err := custody.EncodePublicKeyPEM(pub, keyID)
			if err != nil {
				return err
			}
			return os.WriteFile(public, pubPEM, 0o644)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", kindEd25519, "Key kind")
	cmd.Flags().StringVar(&out, "out", "", "Private key output path")
	cmd.Flags().StringVar(&public, "public", "", "Public key output path")
	cmd.Flags().StringVar(&keyID, "key-id", "", "Key-Id header on the public key")
	cmd.Flags().IntVar(&rsaBits, "rsa-bits", 3072, "RSA modulus size")
	return cmd
}

func generateKey(kind string, rsaBits int) (crypto.PrivateKey, error) {
	switch kind {
	case kindEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		return k, err
	case kindECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case kindRSA:
		if rsaBits < 2048 {
			return nil, fmt.Errorf("rsa keys must be at least 2048 bits")
		}
		return rsa.GenerateKey(rand.Reader, rsaBits)
	case kindMLDSA:
		_, k, err := mldsa65.GenerateKey(rand.Reader)
		return k, err
	case kindMLKEM:
		_, k, err := mlkem768.GenerateKeyPair(rand.Reader)
		return k, err
	}
	return nil, fmt.Errorf("unknown key kind %q", kind)
}
