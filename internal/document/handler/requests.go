package handler

import (
	"strings"

	"github.com/mitchellh/mapstructure"

	"docseal/internal/document/models"
	dErrors "docseal/pkg/domain-errors"
)

const (
	maxSubjectFields  = 64
	maxSubjectValue   = 512
	maxBiometricBytes = 64 << 10
	maxTokenLength    = 4096
)

// IssueRequest is the HTTP request body for POST /v1/documents.
type IssueRequest struct {
	DocumentType string                 `json:"documentType"`
	SubjectData  map[string]any         `json:"subjectData"`
	Biometrics   []byte                 `json:"biometrics,omitempty"`
	Features     *models.SecurityConfig `json:"features,omitempty"`

	parsed models.DocumentRequest
}

// Validate decodes subject data and checks sizes. Scalar subject values of
// any JSON type are accepted and stored as strings.
func (r *IssueRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.SubjectData) > maxSubjectFields {
		return dErrors.New(dErrors.CodeValidation, "too many subject fields")
	}
	if len(r.Biometrics) > maxBiometricBytes {
		return dErrors.New(dErrors.CodeValidation, "biometric template too large")
	}

	docType, err := models.ParseDocumentType(strings.TrimSpace(r.DocumentType))
	if err != nil {
		return err
	}
	subject, err := decodeSubject(r.SubjectData)
	if err != nil {
		return err
	}

	r.parsed = models.DocumentRequest{
		DocumentType: docType,
		SubjectData:  subject,
		Biometrics:   r.Biometrics,
		Features:     r.Features,
	}
	return r.parsed.Validate()
}

// Parsed returns the domain request built by Validate.
func (r *IssueRequest) Parsed() models.DocumentRequest {
	return r.parsed
}

func decodeSubject(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "subject decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "subject values must be scalars")
	}
	for k, v := range out {
		if len(v) > maxSubjectValue {
			return nil, dErrors.New(dErrors.CodeValidation, "subject field "+k+" is too long")
		}
	}
	return out, nil
}

// VerifyEnvelopeRequest is the HTTP request body for POST /v1/documents/verify.
type VerifyEnvelopeRequest struct {
	Envelope *models.SealedEnvelope `json:"envelope"`
}

func (r *VerifyEnvelopeRequest) Validate() error {
	if r == nil || r.Envelope == nil {
		return dErrors.New(dErrors.CodeBadRequest, "envelope is required")
	}
	return nil
}

// VerifyTokenRequest is the HTTP request body for POST /v1/documents/qr/verify.
type VerifyTokenRequest struct {
	Token string `json:"token"`
}

func (r *VerifyTokenRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Token = strings.TrimSpace(r.Token)
	if r.Token == "" {
		return dErrors.New(dErrors.CodeValidation, "token is required")
	}
	if len(r.Token) > maxTokenLength {
		return dErrors.New(dErrors.CodeValidation, "token is too long")
	}
	return nil
}
