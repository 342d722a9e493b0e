package service

import (
	"context"
	"crypto"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"docseal/internal/document/anchor"
	"docseal/internal/document/envelope"
	"docseal/internal/document/features"
	"docseal/internal/document/models"
	"docseal/internal/document/qr"
	id "docseal/pkg/domain"
	dErrors "docseal/pkg/domain-errors"
	"docseal/pkg/platform/audit"
	"docseal/pkg/requestcontext"
)

// Verification outcomes used as metric labels.
const (
	OutcomeVerified = "verified"
	OutcomeFailed   = "failed"
	OutcomeToken    = "token_verified"
	OutcomeTokenBad = "token_failed"
)

// OpenResult is a verified envelope with the per-feature check results.
type OpenResult struct {
	Document      models.Document
	Metadata      models.EnvelopeMetadata
	Features      []models.SecurityFeature
	Anchor        models.AnchorRecord
	Signature     models.Signature
	FeatureChecks map[models.FeatureKind]bool
}

// OpenEnvelope verifies an envelope with the custody recipient key.
func (s *Service) OpenEnvelope(ctx context.Context, env models.SealedEnvelope) (*OpenResult, error) {
	priv, err := s.custody.RecipientPrivateKey()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "recipient key unavailable")
	}
	return s.OpenEnvelopeWith(ctx, env, priv)
}

// OpenEnvelopeWith verifies an envelope with an explicit recipient key. Every
// verification failure is returned as verification_failed; the internal
// reason is only logged, counted and audited.
func (s *Service) OpenEnvelopeWith(ctx context.Context, env models.SealedEnvelope, recipient crypto.PrivateKey) (*OpenResult, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "document.open")
	defer span.End()
	defer func() { s.metrics.ObserveOpen(s.now().Sub(start)) }()

	var opened *envelope.Opened
	unwrapper, err := envelope.NewUnwrapper(recipient)
	if errors.Is(err, envelope.ErrUnsupportedRecipient) {
		err = &envelope.VerificationError{Reason: envelope.ReasonKeyUnwrapFailed, State: envelope.StateSealed}
	} else if err == nil {
		opened, err = s.opener().Open(env, unwrapper, s.custody)
	}
	if err != nil {
		reason, ok := envelope.ReasonOf(err)
		if !ok {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "envelope open failed")
		}
		span.SetStatus(codes.Error, string(reason))
		s.metrics.IncVerification(OutcomeFailed, string(reason))
		s.logger.WarnContext(ctx, "envelope verification failed",
			"request_id", requestcontext.RequestID(ctx),
			"envelope_id", env.Metadata.EnvelopeID.String(),
			"reason", string(reason),
		)
		if aerr := s.emit(ctx, audit.Event{
			Timestamp:    s.now(),
			EnvelopeID:   env.Metadata.EnvelopeID,
			DocumentType: string(env.Metadata.DocumentType),
			Action:       string(audit.EventDocumentVerificationFailed),
			Decision:     OutcomeFailed,
			Reason:       string(reason),
			Operator:     requestcontext.Operator(ctx),
			RequestID:    requestcontext.RequestID(ctx),
			ClientIP:     requestcontext.ClientIP(ctx),
			Device:       requestcontext.Device(ctx),
		}); aerr != nil {
			s.logger.WarnContext(ctx, "audit emit failed", "error", aerr)
		}
		return nil, dErrors.New(dErrors.CodeVerificationFailed, "verification_failed")
	}

	idNumber, _ := id.ParseNationalID(opened.Document.Subject[models.SubjectKeyIDNumber])
	checks := make(map[models.FeatureKind]bool, len(opened.Features))
	for _, f := range opened.Features {
		checks[f.Kind] = features.Check(f, opened.Document.Type, idNumber.String())
	}

	span.SetAttributes(attribute.String("document.type", string(opened.Document.Type)))
	s.metrics.IncVerification(OutcomeVerified, "")
	ev := s.event(ctx, audit.EventDocumentVerified, opened.Metadata, idNumber, opened.Anchor)
	ev.Decision = OutcomeVerified
	if err := s.emit(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "error", err)
	}

	return &OpenResult{
		Document:      opened.Document,
		Metadata:      opened.Metadata,
		Features:      opened.Features,
		Anchor:        opened.Anchor,
		Signature:     opened.Signature,
		FeatureChecks: checks,
	}, nil
}

// CheckPayload decodes a scanned verification payload and checks it against
// an opened document.
func (s *Service) CheckPayload(result *OpenResult, scanned []byte) error {
	p, err := qr.Decode(scanned)
	if err != nil {
		return err
	}
	idNumber, err := id.ParseNationalID(result.Document.Subject[models.SubjectKeyIDNumber])
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeVerificationFailed, "verification_failed")
	}
	return qr.Match(p, result.Document.Type, idNumber.String(), result.Anchor.Hash)
}

// BiometricTemplate decrypts the biometric feature of an opened document.
func (s *Service) BiometricTemplate(result *OpenResult) ([]byte, error) {
	for _, f := range result.Features {
		if f.Kind != models.FeatureBiometric {
			continue
		}
		masterKey, err := s.custody.BiometricMasterKey()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "biometric key unavailable")
		}
		defer clear(masterKey)
		raw, err := s.biometricEncryptor().Decrypt(f.Payload, masterKey)
		if err != nil {
			return nil, dErrors.New(dErrors.CodeVerificationFailed, "verification_failed")
		}
		return raw, nil
	}
	return nil, dErrors.New(dErrors.CodeNotFound, "document carries no biometric feature")
}

// VerifyToken checks a scanned verification token offline.
func (s *Service) VerifyToken(ctx context.Context, token string) (models.VerificationPayload, error) {
	p, envelopeID, err := qr.NewTokenVerifier(s.custody, s.issuer).WithClock(s.now).Verify(token)
	outcome := OutcomeToken
	if err != nil {
		outcome = OutcomeTokenBad
	}
	s.metrics.IncVerification(outcome, "")

	ev := audit.Event{
		Timestamp: s.now(),
		Action:    string(audit.EventTokenVerified),
		Decision:  outcome,
		RequestID: requestcontext.RequestID(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
		Device:    requestcontext.Device(ctx),
	}
	if parsed, perr := id.ParseEnvelopeID(envelopeID); perr == nil {
		ev.EnvelopeID = parsed
	}
	if err == nil {
		ev.DocumentType = string(p.DocType)
	}
	if aerr := s.emit(ctx, ev); aerr != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "error", aerr)
	}
	if err != nil {
		return models.VerificationPayload{}, err
	}
	return p, nil
}

// ReportReconciled records a late anchor reference. It matches
// anchor.ReconciledFunc.
func (s *Service) ReportReconciled(ctx context.Context, p anchor.Pending, receipt anchor.Receipt) {
	if err := s.emit(ctx, audit.Event{
		Timestamp:    s.now(),
		EnvelopeID:   p.EnvelopeID,
		DocumentType: string(p.DocumentType),
		Action:       string(audit.EventAnchorReconciled),
		Decision:     string(models.AnchorStatusAnchored),
		AnchorRef:    receipt.Reference,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "error", err)
	}
}

// ReportCircuit records an anchor breaker opening. It matches
// anchor.CircuitListener.
func (s *Service) ReportCircuit(ctx context.Context, backend string, open bool) {
	if !open {
		return
	}
	if err := s.emit(ctx, audit.Event{
		Timestamp: s.now(),
		Action:    string(audit.EventAnchorCircuitOpened),
		Decision:  "degraded",
		Reason:    backend,
		RequestID: requestcontext.RequestID(ctx),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "error", err)
	}
}
