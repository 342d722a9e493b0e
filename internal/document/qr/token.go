package qr

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docseal/internal/document/models"
	id "docseal/pkg/domain"
	dErrors "docseal/pkg/domain-errors"
)

// ErrNoTokenAlgorithm is returned for issuer keys without a JOSE algorithm,
// such as ML-DSA. Issuance proceeds without a token.
var ErrNoTokenAlgorithm = errors.New("qr: issuer key has no token algorithm")

// TokenClaims carries the verification payload inside a JWT.
type TokenClaims struct {
	DocType  models.DocumentType `json:"docType"`
	IDNumber string              `json:"id"`
	Hash     string              `json:"hash"`
	jwt.RegisteredClaims
}

func (c TokenClaims) Payload() models.VerificationPayload {
	return models.VerificationPayload{DocType: c.DocType, ID: c.IDNumber, Hash: c.Hash}
}

func methodFor(pub crypto.PublicKey) (jwt.SigningMethod, bool) {
	switch pub.(type) {
	case ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, true
	case *rsa.PublicKey:
		return jwt.SigningMethodPS256, true
	case *ecdsa.PublicKey:
		return jwt.SigningMethodES256, true
	}
	return nil, false
}

// TokenSigner signs verification payloads with the issuer key.
type TokenSigner struct {
	issuer string
	keyID  string
	key    crypto.Signer
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

type SignerOption func(*TokenSigner)

// WithTTL bounds token lifetime. Zero means the token does not expire.
func WithTTL(d time.Duration) SignerOption {
	return func(s *TokenSigner) {
		s.ttl = d
	}
}

func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *TokenSigner) {
		s.now = now
	}
}

func NewTokenSigner(issuer, keyID string, key crypto.Signer, opts ...SignerOption) (*TokenSigner, error) {
	if key == nil {
		return nil, ErrNoTokenAlgorithm
	}
	method, ok := methodFor(key.Public())
	if !ok {
		return nil, ErrNoTokenAlgorithm
	}
	s := &TokenSigner{issuer: issuer, keyID: keyID, key: key, method: method, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign issues a token for the payload. The JWT id is the envelope id.
func (s *TokenSigner) Sign(p models.VerificationPayload, envelopeID id.EnvelopeID) (string, error) {
	now := s.now()
	claims := TokenClaims{
		DocType:  p.DocType,
		IDNumber: p.ID,
		Hash:     p.Hash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       envelopeID.String(),
		},
	}
	if s.ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	token := jwt.NewWithClaims(s.method, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "sign verification token")
	}
	return signed, nil
}

// IssuerKeys resolves a key ID to a trusted public key.
type IssuerKeys interface {
	IssuerPublicKey(keyID string) (crypto.PublicKey, bool)
}

// TokenVerifier checks tokens offline against the issuer key ring.
type TokenVerifier struct {
	keys   IssuerKeys
	issuer string
	now    func() time.Time
}

func NewTokenVerifier(keys IssuerKeys, issuer string) *TokenVerifier {
	return &TokenVerifier{keys: keys, issuer: issuer, now: time.Now}
}

// WithClock returns a copy of the verifier using now.
func (v *TokenVerifier) WithClock(now func() time.Time) *TokenVerifier {
	cp := *v
	cp.now = now
	return &cp
}

// Verify returns the authenticated payload and envelope id. Every failure is
// reported as verification_failed.
func (v *TokenVerifier) Verify(tokenString string) (models.VerificationPayload, string, error) {
	var claims TokenClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		pub, ok := v.keys.IssuerPublicKey(kid)
		if !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		method, ok := methodFor(pub)
		if !ok || method.Alg() != token.Method.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{"EdDSA", "PS256", "ES256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return models.VerificationPayload{}, "", dErrors.New(dErrors.CodeVerificationFailed, "verification_failed")
	}
	p := claims.Payload()
	if err := Validate(p); err != nil {
		return models.VerificationPayload{}, "", dErrors.New(dErrors.CodeVerificationFailed, "verification_failed")
	}
	return p, claims.ID, nil
}
