package handler

import (
	"encoding/hex"
	"time"

	"docseal/internal/document/models"
	"docseal/internal/document/service"
)

// IssueResponse is the HTTP response for POST /v1/documents.
type IssueResponse struct {
	Envelope     models.SealedEnvelope      `json:"envelope"`
	Verification models.VerificationPayload `json:"verification"`
	Token        string                     `json:"token,omitempty"`
}

func FromIssueResult(r *service.IssueResult) *IssueResponse {
	return &IssueResponse{
		Envelope:     r.Envelope,
		Verification: r.Verification,
		Token:        r.Token,
	}
}

// VerifyResponse is the HTTP response for POST /v1/documents/verify. On
// failure only Verified and Error are set.
type VerifyResponse struct {
	Verified bool                     `json:"verified"`
	Document *models.Document         `json:"document,omitempty"`
	Metadata *models.EnvelopeMetadata `json:"metadata,omitempty"`
	Features []FeatureResponse        `json:"features,omitempty"`
	Anchor   *AnchorResponse          `json:"anchor,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// FeatureResponse omits feature payloads; they stay inside the envelope.
type FeatureResponse struct {
	Kind               models.FeatureKind        `json:"kind"`
	VerificationMethod models.VerificationMethod `json:"verificationMethod"`
	Consistent         bool                      `json:"consistent"`
}

type AnchorResponse struct {
	Hash      string    `json:"hash"`
	Reference string    `json:"reference,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Pending   bool      `json:"pending"`
	Backend   string    `json:"backend,omitempty"`
}

func FromOpenResult(r *service.OpenResult) *VerifyResponse {
	resp := &VerifyResponse{
		Verified: true,
		Document: &r.Document,
		Metadata: &r.Metadata,
		Anchor: &AnchorResponse{
			Hash:      hex.EncodeToString(r.Anchor.Hash[:]),
			Reference: r.Anchor.Reference,
			Timestamp: r.Anchor.Timestamp,
			Pending:   r.Anchor.Pending,
			Backend:   r.Anchor.Backend,
		},
	}
	for _, f := range r.Features {
		resp.Features = append(resp.Features, FeatureResponse{
			Kind:               f.Kind,
			VerificationMethod: f.VerificationMethod,
			Consistent:         r.FeatureChecks[f.Kind],
		})
	}
	return resp
}

// VerifyTokenResponse is the HTTP response for POST /v1/documents/qr/verify.
type VerifyTokenResponse struct {
	Valid   bool                        `json:"valid"`
	Payload *models.VerificationPayload `json:"payload,omitempty"`
	Error   string                      `json:"error,omitempty"`
}
