package service

import (
	"context"
	"crypto"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"docseal/internal/document/anchor"
	"docseal/internal/document/canonical"
	"docseal/internal/document/envelope"
	"docseal/internal/document/features"
	"docseal/internal/document/models"
	"docseal/internal/document/qr"
	"docseal/internal/document/signer"
	id "docseal/pkg/domain"
	dErrors "docseal/pkg/domain-errors"
	"docseal/pkg/platform/audit"
	"docseal/pkg/requestcontext"
)

// IssueResult is everything handed back for one issued document. Nothing is
// retained server side.
type IssueResult struct {
	Envelope     models.SealedEnvelope
	Verification models.VerificationPayload
	// Token is the signed verification payload. Empty when tokens are
	// disabled or the issuer key has no JOSE algorithm.
	Token string
}

// GenerateSecureDocument seals a document for the custody recipient key.
func (s *Service) GenerateSecureDocument(ctx context.Context, req models.DocumentRequest) (*IssueResult, error) {
	recipient, err := s.custody.RecipientPublicKey()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "recipient key unavailable")
	}
	return s.GenerateSecureDocumentFor(ctx, req, recipient)
}

// GenerateSecureDocumentFor seals a document for an explicit recipient key.
func (s *Service) GenerateSecureDocumentFor(ctx context.Context, req models.DocumentRequest, recipient crypto.PublicKey) (*IssueResult, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "document.generate")
	defer span.End()

	result, err := s.generate(ctx, req, recipient)
	if err != nil {
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("document.type", string(req.DocumentType)),
		attribute.String("anchor.status", string(result.Envelope.Metadata.AnchorStatus)),
	)
	s.metrics.ObserveSeal(s.now().Sub(start))
	return result, nil
}

func (s *Service) generate(ctx context.Context, req models.DocumentRequest, recipient crypto.PublicKey) (*IssueResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	idNumber, err := req.IDNumber()
	if err != nil {
		return nil, err
	}
	wrapper, err := envelope.NewWrapper(recipient)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "unsupported recipient key")
	}

	issuedAt := s.issuanceTime(ctx)
	subject := cloneSubject(req.SubjectData)
	subject[models.SubjectKeyIDNumber] = idNumber.String()

	cfg := s.defaultFeatures
	if req.Features != nil {
		cfg = *req.Features
	}
	feats, err := s.featureGenerator().GenerateAt(req.DocumentType, subject, cfg, issuedAt)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeValidation) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate security features")
	}

	if len(req.Biometrics) > 0 {
		f, err := s.sealBiometrics(req.Biometrics)
		if err != nil {
			return nil, err
		}
		feats = append(feats, f)
	}

	doc := models.Document{
		ID:       id.NewDocumentID(),
		Type:     req.DocumentType,
		Subject:  subject,
		IssuedAt: issuedAt,
		Issuer:   s.issuer,
	}
	content, err := canonical.Content(doc, feats)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode document")
	}

	keyID, signingKey, err := s.custody.SigningKey()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "signing key unavailable")
	}

	var (
		record models.AnchorRecord
		sig    models.Signature
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		record = s.anchorer.Anchor(gctx, content)
		return nil
	})
	g.Go(func() error {
		_, span := s.tracer.Start(gctx, "document.sign")
		defer span.End()
		var err error
		sig, err = signer.Sign(s.rand, content, keyID, signingKey)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign document")
	}

	meta := models.EnvelopeMetadata{
		EnvelopeID:   id.NewEnvelopeID(),
		IssuedAt:     issuedAt,
		Issuer:       s.issuer,
		DocumentType: req.DocumentType,
		AnchorStatus: record.Status(),
	}
	_, sealSpan := s.tracer.Start(ctx, "document.seal")
	env, err := s.sealer().Seal(canonical.Payload{
		Document:  doc,
		Signature: sig,
		Features:  feats,
		Anchor:    record,
		Metadata:  meta,
	}, wrapper)
	sealSpan.End()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal envelope")
	}

	verification := qr.NewPayload(req.DocumentType, idNumber.String(), record.Hash)
	token, err := s.verificationToken(verification, meta.EnvelopeID, keyID, signingKey)
	if err != nil {
		return nil, err
	}

	if err := s.emit(ctx, s.event(ctx, audit.EventDocumentIssued, env.Metadata, idNumber, record)); err != nil {
		s.logger.ErrorContext(ctx, "audit emit failed, discarding envelope",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record issuance")
	}
	if record.Pending {
		s.notePending(ctx, env.Metadata, idNumber, record)
	}

	s.metrics.IncDocumentIssued(string(req.DocumentType), string(record.Status()))
	s.logger.InfoContext(ctx, "document issued",
		"request_id", requestcontext.RequestID(ctx),
		"envelope_id", meta.EnvelopeID.String(),
		"document_type", string(req.DocumentType),
		"anchor_status", string(record.Status()),
		"features", len(feats),
	)
	return &IssueResult{Envelope: env, Verification: verification, Token: token}, nil
}

func (s *Service) sealBiometrics(raw []byte) (models.SecurityFeature, error) {
	masterKey, err := s.custody.BiometricMasterKey()
	if err != nil {
		return models.SecurityFeature{}, dErrors.Wrap(err, dErrors.CodeInternal, "biometric key unavailable")
	}
	defer clear(masterKey)
	blob, err := s.biometricEncryptor().Encrypt(raw, masterKey)
	if err != nil {
		return models.SecurityFeature{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt biometrics")
	}
	return features.BiometricFeature(blob), nil
}

func (s *Service) verificationToken(p models.VerificationPayload, envelopeID id.EnvelopeID, keyID string, key crypto.Signer) (string, error) {
	if !s.tokens {
		return "", nil
	}
	ts, err := qr.NewTokenSigner(s.issuer, keyID, key, qr.WithTTL(s.tokenTTL), qr.WithSignerClock(s.now))
	if errors.Is(err, qr.ErrNoTokenAlgorithm) {
		return "", nil
	}
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to prepare verification token")
	}
	return ts.Sign(p, envelopeID)
}

func (s *Service) notePending(ctx context.Context, meta models.EnvelopeMetadata, idNumber id.NationalID, record models.AnchorRecord) {
	if err := s.emit(ctx, s.event(ctx, audit.EventAnchorPending, meta, idNumber, record)); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "action", string(audit.EventAnchorPending), "error", err)
	}
	if s.pending == nil {
		return
	}
	if !s.pending.Enqueue(anchor.Pending{
		EnvelopeID:   meta.EnvelopeID,
		DocumentType: meta.DocumentType,
		Digest:       record.Hash,
		QueuedAt:     s.now(),
	}) {
		s.logger.WarnContext(ctx, "pending anchor not queued",
			"request_id", requestcontext.RequestID(ctx),
			"envelope_id", meta.EnvelopeID.String(),
		)
	}
}

func (s *Service) event(ctx context.Context, action audit.AuditEvent, meta models.EnvelopeMetadata, idNumber id.NationalID, record models.AnchorRecord) audit.Event {
	return audit.Event{
		Timestamp:     s.now(),
		EnvelopeID:    meta.EnvelopeID,
		DocumentType:  string(meta.DocumentType),
		Action:        string(action),
		Decision:      string(meta.AnchorStatus),
		SubjectIDHash: idNumber.Hash(),
		AnchorRef:     record.Reference,
		Operator:      requestcontext.Operator(ctx),
		RequestID:     requestcontext.RequestID(ctx),
		ClientIP:      requestcontext.ClientIP(ctx),
		Device:        requestcontext.Device(ctx),
	}
}
