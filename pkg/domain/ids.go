// Package domain holds the identifier primitives shared across packages.
//
// IDs are distinct named types over uuid.UUID so the compiler rejects passing an
// EnvelopeID where a DocumentID is expected. Parse functions are the trust
// boundary: they reject empty, malformed and nil UUIDs.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/google/uuid"

	dErrors "docseal/pkg/domain-errors"
)

type (
	DocumentID uuid.UUID
	EnvelopeID uuid.UUID
)

func NewDocumentID() DocumentID { return DocumentID(uuid.New()) }
func NewEnvelopeID() EnvelopeID { return EnvelopeID(uuid.New()) }

func (id DocumentID) String() string { return uuid.UUID(id).String() }
func (id EnvelopeID) String() string { return uuid.UUID(id).String() }

func (id DocumentID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id EnvelopeID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// Text marshaling keeps IDs in canonical string form in JSON and YAML.
func (id DocumentID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id EnvelopeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *DocumentID) UnmarshalText(b []byte) error {
	u, err := parseUUID(string(b), "document ID")
	if err != nil {
		return err
	}
	*id = DocumentID(u)
	return nil
}

func (id *EnvelopeID) UnmarshalText(b []byte) error {
	u, err := parseUUID(string(b), "envelope ID")
	if err != nil {
		return err
	}
	*id = EnvelopeID(u)
	return nil
}

func ParseDocumentID(s string) (DocumentID, error) {
	u, err := parseUUID(s, "document ID")
	return DocumentID(u), err
}

func ParseEnvelopeID(s string) (EnvelopeID, error) {
	u, err := parseUUID(s, "envelope ID")
	return EnvelopeID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}

// NationalID is the subject's identity number (the idNumber field).
type NationalID string

const maxNationalIDLength = 32

// ParseNationalID trims and validates an identity number. Only letters, digits
// and '-' are accepted.
func ParseNationalID(s string) (NationalID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "idNumber is required")
	}
	if len(s) > maxNationalIDLength {
		return "", dErrors.New(dErrors.CodeValidation, "idNumber is too long")
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
			return "", dErrors.New(dErrors.CodeValidation, "idNumber contains invalid characters")
		}
	}
	return NationalID(s), nil
}

func (n NationalID) String() string { return string(n) }

// Hash returns the hex SHA-256 of the identity number, for logs and audit
// records that must not carry the raw value.
func (n NationalID) Hash() string {
	sum := sha256.Sum256([]byte(n))
	return hex.EncodeToString(sum[:])
}
