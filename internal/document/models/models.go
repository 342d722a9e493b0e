// Package models defines the document, feature, anchor, signature and
// envelope types shared by the sealing pipeline.
package models

import (
	"time"
	"unicode/utf8"

	id "docseal/pkg/domain"
	dErrors "docseal/pkg/domain-errors"
)

type DocumentType string

const (
	DocumentTypePassport         DocumentType = "passport"
	DocumentTypeIDCard           DocumentType = "id_card"
	DocumentTypeBirthCertificate DocumentType = "birth_certificate"
)

func (t DocumentType) IsValid() bool {
	switch t {
	case DocumentTypePassport, DocumentTypeIDCard, DocumentTypeBirthCertificate:
		return true
	}
	return false
}

// ParseDocumentType validates a document type string.
func ParseDocumentType(s string) (DocumentType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "documentType is required")
	}
	t := DocumentType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unsupported documentType")
	}
	return t, nil
}

// SubjectKeyIDNumber is the subject field that must always be present.
const SubjectKeyIDNumber = "idNumber"

// DocumentRequest is the immutable intake for one issuance.
type DocumentRequest struct {
	DocumentType DocumentType
	SubjectData  map[string]string
	Biometrics   []byte
	Features     *SecurityConfig
}

// IDNumber returns the validated identity number.
func (r DocumentRequest) IDNumber() (id.NationalID, error) {
	return id.ParseNationalID(r.SubjectData[SubjectKeyIDNumber])
}

// Validate checks the fields every downstream stage relies on.
func (r DocumentRequest) Validate() error {
	if _, err := ParseDocumentType(string(r.DocumentType)); err != nil {
		return err
	}
	if _, err := r.IDNumber(); err != nil {
		return err
	}
	for k, v := range r.SubjectData {
		if k == "" {
			return dErrors.New(dErrors.CodeValidation, "subject field names cannot be empty")
		}
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return dErrors.New(dErrors.CodeValidation, "subject data must be valid UTF-8")
		}
	}
	return nil
}

// SecurityConfig toggles individual security features.
type SecurityConfig struct {
	Watermark  bool `json:"watermark"`
	Hologram   bool `json:"hologram"`
	Microprint bool `json:"microprint"`
	UVFeatures bool `json:"uvFeatures"`
	RFIDChip   bool `json:"rfidChip"`
}

// AllFeatures enables every generated feature.
func AllFeatures() SecurityConfig {
	return SecurityConfig{Watermark: true, Hologram: true, Microprint: true, UVFeatures: true, RFIDChip: true}
}

type FeatureKind string

const (
	FeatureWatermark  FeatureKind = "watermark"
	FeatureHologram   FeatureKind = "hologram"
	FeatureMicroprint FeatureKind = "microprint"
	FeatureUV         FeatureKind = "uv"
	FeatureRFID       FeatureKind = "rfid"
	FeatureBiometric  FeatureKind = "biometric"
)

type VerificationMethod string

const (
	MethodOptical          VerificationMethod = "optical"
	MethodScanner          VerificationMethod = "scanner"
	MethodMicroscope       VerificationMethod = "microscope"
	MethodUVLight          VerificationMethod = "uv_light"
	MethodRFIDScanner      VerificationMethod = "rfid_scanner"
	MethodBiometricScanner VerificationMethod = "biometric_scanner"
)

// SecurityFeature is one physical or electronic feature. Order within a
// document is generation order and is part of the signed content.
type SecurityFeature struct {
	Kind               FeatureKind        `json:"kind"`
	Payload            []byte             `json:"payload"`
	VerificationMethod VerificationMethod `json:"verificationMethod"`
}

// Document is the issued payload recovered on open. IssuedAt has millisecond
// precision.
type Document struct {
	ID       id.DocumentID     `json:"id"`
	Type     DocumentType      `json:"type"`
	Subject  map[string]string `json:"subject"`
	IssuedAt time.Time         `json:"issuedAt"`
	Issuer   string            `json:"issuer"`
}

// AnchorStatus is the anchoring outcome recorded in envelope metadata.
type AnchorStatus string

const (
	AnchorStatusAnchored AnchorStatus = "anchored"
	AnchorStatusPending  AnchorStatus = "anchor_pending"
)

// AnchorRecord is the result of anchoring a content hash. An empty Reference
// with Pending set means the backend was unavailable.
type AnchorRecord struct {
	Hash      [32]byte  `json:"-"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
	Pending   bool      `json:"pending"`
	Backend   string    `json:"backend"`
}

func (a AnchorRecord) Status() AnchorStatus {
	if a.Pending {
		return AnchorStatusPending
	}
	return AnchorStatusAnchored
}

// SignatureAlgorithm tags how a signature was produced.
type SignatureAlgorithm string

const (
	AlgEdDSA   SignatureAlgorithm = "EdDSA"
	AlgPS256   SignatureAlgorithm = "PS256"
	AlgES256   SignatureAlgorithm = "ES256"
	AlgMLDSA65 SignatureAlgorithm = "ML-DSA-65"
)

// Signature is a detached signature over the canonical document bytes.
type Signature struct {
	Algorithm SignatureAlgorithm `json:"algorithm"`
	KeyID     string             `json:"keyId"`
	Bytes     []byte             `json:"bytes"`
}

// KeyWrapAlgorithm tags how the data encryption key was wrapped.
type KeyWrapAlgorithm string

const (
	WrapRSAOAEP256 KeyWrapAlgorithm = "RSA-OAEP-256"
	WrapMLKEM768   KeyWrapAlgorithm = "ML-KEM-768+HKDF-SHA-512"
)

// EnvelopeVersion is the current envelope format.
const EnvelopeVersion = 1

// EnvelopeMetadata travels in the clear and is authenticated as AEAD
// additional data.
type EnvelopeMetadata struct {
	EnvelopeID       id.EnvelopeID    `json:"envelopeId"`
	Version          int              `json:"version"`
	IssuedAt         time.Time        `json:"issuedAt"`
	Issuer           string           `json:"issuer"`
	DocumentType     DocumentType     `json:"documentType"`
	AnchorStatus     AnchorStatus     `json:"anchorStatus"`
	KeyWrapAlgorithm KeyWrapAlgorithm `json:"keyWrapAlgorithm"`
}

// SealedEnvelope is the only artifact that leaves the service. Byte fields
// marshal to base64 in JSON.
type SealedEnvelope struct {
	Ciphertext []byte           `json:"ciphertext"`
	WrappedKey []byte           `json:"wrappedKey"`
	IV         []byte           `json:"iv"`
	AuthTag    []byte           `json:"authTag"`
	Metadata   EnvelopeMetadata `json:"metadata"`
}

// VerificationPayload is the compact record printed as a QR code.
type VerificationPayload struct {
	DocType DocumentType `json:"docType"`
	ID      string       `json:"id"`
	Hash    string       `json:"hash"`
}
