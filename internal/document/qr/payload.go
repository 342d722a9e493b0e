// Package qr builds the compact verification payload printed on a document
// and the optional signed token that lets a scanner check it offline.
package qr

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"docseal/internal/document/models"
	dErrors "docseal/pkg/domain-errors"
)

// NewPayload binds the document type and identity number to the content digest.
func NewPayload(docType models.DocumentType, idNumber string, digest [32]byte) models.VerificationPayload {
	return models.VerificationPayload{
		DocType: docType,
		ID:      idNumber,
		Hash:    hex.EncodeToString(digest[:]),
	}
}

// Encode renders the payload as compact JSON.
func Encode(p models.VerificationPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode verification payload: %w", err)
	}
	return b, nil
}

// Decode parses and validates a scanned payload.
func Decode(b []byte) (models.VerificationPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p models.VerificationPayload
	if err := dec.Decode(&p); err != nil {
		return models.VerificationPayload{}, dErrors.New(dErrors.CodeBadRequest, "invalid verification payload")
	}
	if err := Validate(p); err != nil {
		return models.VerificationPayload{}, err
	}
	return p, nil
}

// Validate checks field shapes.
func Validate(p models.VerificationPayload) error {
	if !p.DocType.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unsupported docType")
	}
	if p.ID == "" {
		return dErrors.New(dErrors.CodeValidation, "id is required")
	}
	raw, err := hex.DecodeString(p.Hash)
	if err != nil || len(raw) != 32 {
		return dErrors.New(dErrors.CodeValidation, "hash must be 64 hex characters")
	}
	return nil
}

// Digest returns the decoded content hash.
func Digest(p models.VerificationPayload) ([32]byte, bool) {
	var out [32]byte
	raw, err := hex.DecodeString(p.Hash)
	if err != nil || len(raw) != 32 {
		return out, false
	}
	copy(out[:], raw)
	return out, true
}

// Match reports whether a scanned payload describes the given document.
func Match(p models.VerificationPayload, docType models.DocumentType, idNumber string, digest [32]byte) error {
	got, ok := Digest(p)
	if !ok || p.DocType != docType || p.ID != idNumber || got != digest {
		return dErrors.New(dErrors.CodeVerificationFailed, "verification payload does not match document")
	}
	return nil
}
