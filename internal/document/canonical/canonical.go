// Package canonical produces the deterministic CBOR encodings used by the
// sealing pipeline.
//
// Content is the single byte string both signed and anchored: document
// identity, subject data and a digest per security feature. Payload is the
// full plaintext sealed into an envelope. Metadata is the envelope's
// additional authenticated data. All three use RFC 8949 core deterministic
// encoding, so map insertion order never changes the output.
package canonical

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"docseal/internal/document/models"
	id "docseal/pkg/domain"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("canonical: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canonical: cbor dec mode: %v", err))
	}
}

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("canonical: malformed encoding")

type featureDigest struct {
	Kind   models.FeatureKind        `cbor:"1,keyasint"`
	Method models.VerificationMethod `cbor:"2,keyasint"`
	Digest []byte                    `cbor:"3,keyasint"`
}

type contentWire struct {
	DocumentType models.DocumentType `cbor:"1,keyasint"`
	DocumentID   string              `cbor:"2,keyasint"`
	Issuer       string              `cbor:"3,keyasint"`
	IssuedAt     int64               `cbor:"4,keyasint"`
	Subject      map[string]string   `cbor:"5,keyasint"`
	Features     []featureDigest     `cbor:"6,keyasint"`
}

// Content returns the canonical bytes that are signed and anchored.
func Content(doc models.Document, features []models.SecurityFeature) ([]byte, error) {
	w := contentWire{
		DocumentType: doc.Type,
		DocumentID:   doc.ID.String(),
		Issuer:       doc.Issuer,
		IssuedAt:     doc.IssuedAt.UnixMilli(),
		Subject:      subjectOrEmpty(doc.Subject),
		Features:     make([]featureDigest, 0, len(features)),
	}
	for _, f := range features {
		sum := sha256.Sum256(f.Payload)
		w.Features = append(w.Features, featureDigest{Kind: f.Kind, Method: f.VerificationMethod, Digest: sum[:]})
	}
	b, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return b, nil
}

// Digest is the content hash recorded by the anchor service.
func Digest(content []byte) [32]byte {
	return sha256.Sum256(content)
}

type metadataWire struct {
	EnvelopeID       string                  `cbor:"1,keyasint"`
	Version          int                     `cbor:"2,keyasint"`
	IssuedAt         int64                   `cbor:"3,keyasint"`
	Issuer           string                  `cbor:"4,keyasint"`
	DocumentType     models.DocumentType     `cbor:"5,keyasint"`
	AnchorStatus     models.AnchorStatus     `cbor:"6,keyasint"`
	KeyWrapAlgorithm models.KeyWrapAlgorithm `cbor:"7,keyasint"`
}

func toMetadataWire(m models.EnvelopeMetadata) metadataWire {
	return metadataWire{
		EnvelopeID:       m.EnvelopeID.String(),
		Version:          m.Version,
		IssuedAt:         m.IssuedAt.UnixMilli(),
		Issuer:           m.Issuer,
		DocumentType:     m.DocumentType,
		AnchorStatus:     m.AnchorStatus,
		KeyWrapAlgorithm: m.KeyWrapAlgorithm,
	}
}

func fromMetadataWire(w metadataWire) (models.EnvelopeMetadata, error) {
	envID, err := id.ParseEnvelopeID(w.EnvelopeID)
	if err != nil {
		return models.EnvelopeMetadata{}, fmt.Errorf("%w: envelope id: %v", ErrMalformed, err)
	}
	return models.EnvelopeMetadata{
		EnvelopeID:       envID,
		Version:          w.Version,
		IssuedAt:         time.UnixMilli(w.IssuedAt).UTC(),
		Issuer:           w.Issuer,
		DocumentType:     w.DocumentType,
		AnchorStatus:     w.AnchorStatus,
		KeyWrapAlgorithm: w.KeyWrapAlgorithm,
	}, nil
}

// Metadata returns the additional authenticated data for an envelope.
func Metadata(m models.EnvelopeMetadata) ([]byte, error) {
	b, err := encMode.Marshal(toMetadataWire(m))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

// Payload is the plaintext sealed inside an envelope.
type Payload struct {
	Document  models.Document
	Signature models.Signature
	Features  []models.SecurityFeature
	Anchor    models.AnchorRecord
	Metadata  models.EnvelopeMetadata
}

type documentWire struct {
	ID       string              `cbor:"1,keyasint"`
	Type     models.DocumentType `cbor:"2,keyasint"`
	Subject  map[string]string   `cbor:"3,keyasint"`
	IssuedAt int64               `cbor:"4,keyasint"`
	Issuer   string              `cbor:"5,keyasint"`
}

type signatureWire struct {
	Algorithm models.SignatureAlgorithm `cbor:"1,keyasint"`
	KeyID     string                    `cbor:"2,keyasint"`
	Bytes     []byte                    `cbor:"3,keyasint"`
}

type featureWire struct {
	Kind    models.FeatureKind        `cbor:"1,keyasint"`
	Payload []byte                    `cbor:"2,keyasint"`
	Method  models.VerificationMethod `cbor:"3,keyasint"`
}

type anchorWire struct {
	Hash      []byte `cbor:"1,keyasint"`
	Reference string `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"`
	Pending   bool   `cbor:"4,keyasint"`
	Backend   string `cbor:"5,keyasint"`
}

type payloadWire struct {
	Document  documentWire  `cbor:"1,keyasint"`
	Signature signatureWire `cbor:"2,keyasint"`
	Features  []featureWire `cbor:"3,keyasint"`
	Anchor    anchorWire    `cbor:"4,keyasint"`
	Metadata  metadataWire  `cbor:"5,keyasint"`
}

// EncodePayload serializes the full envelope plaintext.
func EncodePayload(p Payload) ([]byte, error) {
	w := payloadWire{
		Document: documentWire{
			ID:       p.Document.ID.String(),
			Type:     p.Document.Type,
			Subject:  subjectOrEmpty(p.Document.Subject),
			IssuedAt: p.Document.IssuedAt.UnixMilli(),
			Issuer:   p.Document.Issuer,
		},
		Signature: signatureWire{
			Algorithm: p.Signature.Algorithm,
			KeyID:     p.Signature.KeyID,
			Bytes:     p.Signature.Bytes,
		},
		Features: make([]featureWire, 0, len(p.Features)),
		Anchor: anchorWire{
			Hash:      p.Anchor.Hash[:],
			Reference: p.Anchor.Reference,
			Timestamp: p.Anchor.Timestamp.UnixMilli(),
			Pending:   p.Anchor.Pending,
			Backend:   p.Anchor.Backend,
		},
		Metadata: toMetadataWire(p.Metadata),
	}
	for _, f := range p.Features {
		w.Features = append(w.Features, featureWire{Kind: f.Kind, Payload: f.Payload, Method: f.VerificationMethod})
	}
	b, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload parses envelope plaintext. Unknown fields, duplicate keys and
// indefinite-length items are rejected. The returned error wraps ErrMalformed.
func DecodePayload(b []byte) (Payload, error) {
	var w payloadWire
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	docID, err := id.ParseDocumentID(w.Document.ID)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: document id: %v", ErrMalformed, err)
	}
	if len(w.Anchor.Hash) != sha256.Size {
		return Payload{}, fmt.Errorf("%w: anchor hash length %d", ErrMalformed, len(w.Anchor.Hash))
	}
	meta, err := fromMetadataWire(w.Metadata)
	if err != nil {
		return Payload{}, err
	}

	p := Payload{
		Document: models.Document{
			ID:       docID,
			Type:     w.Document.Type,
			Subject:  subjectOrEmpty(w.Document.Subject),
			IssuedAt: time.UnixMilli(w.Document.IssuedAt).UTC(),
			Issuer:   w.Document.Issuer,
		},
		Signature: models.Signature{
			Algorithm: w.Signature.Algorithm,
			KeyID:     w.Signature.KeyID,
			Bytes:     w.Signature.Bytes,
		},
		Features: make([]models.SecurityFeature, 0, len(w.Features)),
		Anchor: models.AnchorRecord{
			Reference: w.Anchor.Reference,
			Timestamp: time.UnixMilli(w.Anchor.Timestamp).UTC(),
			Pending:   w.Anchor.Pending,
			Backend:   w.Anchor.Backend,
		},
		Metadata: meta,
	}
	copy(p.Anchor.Hash[:], w.Anchor.Hash)
	for _, f := range w.Features {
		p.Features = append(p.Features, models.SecurityFeature{Kind: f.Kind, Payload: f.Payload, VerificationMethod: f.Method})
	}
	return p, nil
}

func subjectOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
