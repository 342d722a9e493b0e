package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Anchorer,AuditPublisher

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"docseal/internal/document/anchor"
	"docseal/internal/document/custody"
	"docseal/internal/document/models"
	"docseal/internal/document/qr"
	"docseal/internal/document/service/mocks"
	"docseal/internal/platform/metrics"
	id "docseal/pkg/domain"
	dErrors "docseal/pkg/domain-errors"
	"docseal/pkg/platform/audit"
	"docseal/pkg/platform/audit/publisher"
	"docseal/pkg/platform/audit/store/memory"
	"docseal/pkg/platform/sentinel"
	"docseal/pkg/requestcontext"
)

var recipientKey *rsa.PrivateKey

func init() {
	var err error
	recipientKey, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
}

type ServiceSuite struct {
	suite.Suite
	now        time.Time
	signingKey ed25519.PrivateKey
	bioKey     []byte
	custody    *custody.FileCustody
	ledger     *anchor.MemoryLedger
	reconciler *anchor.Reconciler
	store      *memory.InMemoryStore
	metrics    *metrics.Metrics
	service    *Service
	ctx        context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.signingKey = priv
	s.bioKey = make([]byte, custody.BiometricKeySize)
	_, err = rand.Read(s.bioKey)
	s.Require().NoError(err)

	s.custody, err = custody.New(custody.Keys{
		SigningKeyID: "issuer-1",
		Signing:      s.signingKey,
		Recipient:    recipientKey,
		Biometric:    s.bioKey,
	})
	s.Require().NoError(err)

	s.ledger = anchor.NewMemoryLedger()
	anchorSvc := anchor.New(s.ledger, anchor.WithClock(func() time.Time { return s.now }))
	s.store = memory.NewInMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())

	s.service = s.newService(anchorSvc, publisher.NewPublisher(s.store))
	s.reconciler = anchor.NewReconciler(anchorSvc, anchor.OnReconciled(s.service.ReportReconciled))
	s.service.pending = s.reconciler

	s.ctx = requestcontext.WithRequestID(context.Background(), "req-1")
	s.ctx = requestcontext.WithOperator(s.ctx, "operator-7")
}

func (s *ServiceSuite) newService(anchorer Anchorer, pub AuditPublisher, opts ...Option) *Service {
	base := []Option{
		WithAuditPublisher(pub),
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.now }),
		WithVerificationTokens(time.Hour),
	}
	svc, err := New("DHA", s.custody, anchorer, append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

func exampleRequest() models.DocumentRequest {
	return models.DocumentRequest{
		DocumentType: models.DocumentTypeIDCard,
		SubjectData:  map[string]string{"idNumber": "8001015009087", "surname": "Nkosi"},
		Features:     &models.SecurityConfig{Watermark: true, Hologram: true},
	}
}

func (s *ServiceSuite) actions() []string {
	events, err := s.store.ListRecent(context.Background(), 100)
	s.Require().NoError(err)
	var out []string
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func (s *ServiceSuite) TestNew_RequiresDependencies() {
	_, err := New("", s.custody, anchor.New(s.ledger))
	s.Error(err)
	_, err = New("DHA", nil, anchor.New(s.ledger))
	s.Error(err)
	_, err = New("DHA", s.custody, nil)
	s.Error(err)
}

func (s *ServiceSuite) TestExampleScenario() {
	res, err := s.service.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)

	env := res.Envelope
	s.Equal(models.DocumentTypeIDCard, env.Metadata.DocumentType)
	s.Equal(models.AnchorStatusAnchored, env.Metadata.AnchorStatus)
	s.Equal(models.WrapRSAOAEP256, env.Metadata.KeyWrapAlgorithm)
	s.Equal("DHA", env.Metadata.Issuer)

	s.Equal(models.DocumentTypeIDCard, res.Verification.DocType)
	s.Equal("8001015009087", res.Verification.ID)
	s.Len(res.Verification.Hash, 64)

	opened, err := s.service.OpenEnvelope(s.ctx, env)
	s.Require().NoError(err)
	s.Equal("8001015009087", opened.Document.Subject["idNumber"])
	s.Equal(s.now, opened.Document.IssuedAt)
	s.Require().Len(opened.Features, 2)
	s.Equal(models.FeatureWatermark, opened.Features[0].Kind)
	s.Equal(models.FeatureHologram, opened.Features[1].Kind)
	s.True(opened.FeatureChecks[models.FeatureWatermark])
	s.True(opened.FeatureChecks[models.FeatureHologram])
	s.Equal(res.Verification.Hash, hex.EncodeToString(opened.Anchor.Hash[:]))
	s.NotEmpty(opened.Anchor.Reference)

	p, err := s.service.VerifyToken(s.ctx, res.Token)
	s.Require().NoError(err)
	s.Equal(res.Verification, p)

	s.Equal(1.0, testutil.ToFloat64(s.metrics.DocumentsIssued.WithLabelValues("id_card", "anchored")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Verifications.WithLabelValues(OutcomeVerified, "")))
}

func (s *ServiceSuite) TestAuditNeverCarriesRawIdentityNumber() {
	res, err := s.service.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)

	events, err := s.store.ListByEnvelope(context.Background(), res.Envelope.Metadata.EnvelopeID)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	ev := events[0]
	s.Equal(string(audit.EventDocumentIssued), ev.Action)
	s.Equal(audit.CategoryCompliance, ev.Category)
	s.Equal(id.NationalID("8001015009087").Hash(), ev.SubjectIDHash)
	s.NotContains(ev.SubjectIDHash, "8001015009087")
	s.Equal("operator-7", ev.Operator)
	s.Equal("req-1", ev.RequestID)
}

func (s *ServiceSuite) TestValidation() {
	cases := map[string]models.DocumentRequest{
		"missing idNumber": {DocumentType: models.DocumentTypePassport, SubjectData: map[string]string{"surname": "X"}},
		"bad doc type":     {DocumentType: "visa", SubjectData: map[string]string{"idNumber": "1"}},
		"empty doc type":   {SubjectData: map[string]string{"idNumber": "1"}},
		"invalid utf-8": {
			DocumentType: models.DocumentTypeIDCard,
			SubjectData:  map[string]string{"idNumber": "8001015009087", "surname": "Nk\xffsi"},
		},
	}
	for name, req := range cases {
		s.Run(name, func() {
			_, err := s.service.GenerateSecureDocument(s.ctx, req)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
		})
	}
	s.Empty(s.actions())
	s.Empty(s.ledger.Entries())
}

func (s *ServiceSuite) TestAnchorOutageDegradesAndReconciles() {
	s.ledger.SetFailure(sentinel.ErrUnavailable)

	res, err := s.service.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)
	s.Equal(models.AnchorStatusPending, res.Envelope.Metadata.AnchorStatus)
	s.Equal(1, s.reconciler.Len())

	opened, err := s.service.OpenEnvelope(s.ctx, res.Envelope)
	s.Require().NoError(err)
	s.True(opened.Anchor.Pending)
	s.Empty(opened.Anchor.Reference)
	s.Equal(s.now, opened.Anchor.Timestamp)

	s.ledger.SetFailure(nil)
	s.Equal(1, s.reconciler.RetryOnce(context.Background()))

	s.Equal([]string{
		string(audit.EventDocumentIssued),
		string(audit.EventAnchorPending),
		string(audit.EventDocumentVerified),
		string(audit.EventAnchorReconciled),
	}, s.actions())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.DocumentsIssued.WithLabelValues("id_card", "anchor_pending")))
}

func (s *ServiceSuite) TestTamperedEnvelopeFoldsToVerificationFailed() {
	res, err := s.service.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)
	env := res.Envelope
	env.Ciphertext[0] ^= 0x01

	opened, err := s.service.OpenEnvelope(s.ctx, env)
	s.Nil(opened)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationFailed))
	s.Contains(err.Error(), "verification_failed")
	s.NotContains(err.Error(), "tampered")

	events, err := s.store.ListByAction(context.Background(), audit.EventDocumentVerificationFailed)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("tampered_ciphertext", events[0].Reason)
	s.Equal(audit.CategorySecurity, events[0].Category)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Verifications.WithLabelValues(OutcomeFailed, "tampered_ciphertext")))
}

func (s *ServiceSuite) TestWrongRecipientKeyFails() {
	res, err := s.service.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	_, err = s.service.OpenEnvelopeWith(s.ctx, res.Envelope, other)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationFailed))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Verifications.WithLabelValues(OutcomeFailed, "key_unwrap_failed")))
}

func (s *ServiceSuite) TestNonWrappingRecipientKeyFails() {
	res, err := s.service.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)

	_, signingOnly, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	opened, err := s.service.OpenEnvelopeWith(s.ctx, res.Envelope, signingOnly)
	s.Nil(opened)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationFailed), "got %v", err)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Verifications.WithLabelValues(OutcomeFailed, "key_unwrap_failed")))

	events, err := s.store.ListByAction(context.Background(), audit.EventDocumentVerificationFailed)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("key_unwrap_failed", events[0].Reason)
}

func (s *ServiceSuite) TestCheckPayloadAgainstOpenedDocument() {
	res, err := s.service.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)
	opened, err := s.service.OpenEnvelope(s.ctx, res.Envelope)
	s.Require().NoError(err)

	scanned, err := qr.Encode(res.Verification)
	s.Require().NoError(err)
	s.NoError(s.service.CheckPayload(opened, scanned))

	other := res.Verification
	other.DocType = models.DocumentTypePassport
	scanned, err = qr.Encode(other)
	s.Require().NoError(err)
	s.True(dErrors.HasCode(s.service.CheckPayload(opened, scanned), dErrors.CodeVerificationFailed))

	s.True(dErrors.HasCode(s.service.CheckPayload(opened, []byte(`{"docType":"id_card"`)), dErrors.CodeBadRequest))
}

func (s *ServiceSuite) TestBiometricsSealedUnderSeparateKey() {
	req := exampleRequest()
	req.Biometrics = []byte("minutiae-template-v2")

	res, err := s.service.GenerateSecureDocument(s.ctx, req)
	s.Require().NoError(err)

	opened, err := s.service.OpenEnvelope(s.ctx, res.Envelope)
	s.Require().NoError(err)
	s.Require().Len(opened.Features, 3)
	s.Equal(models.FeatureBiometric, opened.Features[2].Kind)
	s.NotContains(string(opened.Features[2].Payload), "minutiae")

	raw, err := s.service.BiometricTemplate(opened)
	s.Require().NoError(err)
	s.Equal(req.Biometrics, raw)

	otherBio := make([]byte, custody.BiometricKeySize)
	otherCustody, err := custody.New(custody.Keys{
		SigningKeyID: "issuer-1",
		Signing:      s.signingKey,
		Recipient:    recipientKey,
		Biometric:    otherBio,
	})
	s.Require().NoError(err)
	otherSvc, err := New("DHA", otherCustody, anchor.New(s.ledger))
	s.Require().NoError(err)

	opened, err = otherSvc.OpenEnvelope(s.ctx, res.Envelope)
	s.Require().NoError(err, "recipient key alone opens the envelope")
	_, err = otherSvc.BiometricTemplate(opened)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationFailed))
}

func (s *ServiceSuite) TestBiometricTemplateAbsent() {
	res, err := s.service.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)
	opened, err := s.service.OpenEnvelope(s.ctx, res.Envelope)
	s.Require().NoError(err)
	_, err = s.service.BiometricTemplate(opened)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestPostQuantumKeys() {
	_, dsa, err := mldsa65.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	kemPub, kemPriv, err := mlkem768.GenerateKeyPair(rand.Reader)
	s.Require().NoError(err)

	pq, err := custody.New(custody.Keys{SigningKeyID: "pq-1", Signing: dsa, Recipient: kemPriv})
	s.Require().NoError(err)
	svc, err := New("DHA", pq, anchor.New(s.ledger), WithVerificationTokens(time.Hour))
	s.Require().NoError(err)

	res, err := svc.GenerateSecureDocumentFor(s.ctx, exampleRequest(), kemPub)
	s.Require().NoError(err)
	s.Equal(models.WrapMLKEM768, res.Envelope.Metadata.KeyWrapAlgorithm)
	s.Empty(res.Token, "ML-DSA issuers do not get JOSE tokens")

	opened, err := svc.OpenEnvelopeWith(s.ctx, res.Envelope, kemPriv)
	s.Require().NoError(err)
	s.Equal(models.AlgMLDSA65, opened.Signature.Algorithm)
}

func (s *ServiceSuite) TestAuditFailureDiscardsEnvelope() {
	ctrl := gomock.NewController(s.T())
	pub := mocks.NewMockAuditPublisher(ctrl)
	pub.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(errors.New("store down"))

	svc := s.newService(anchor.New(s.ledger), pub)
	res, err := svc.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Nil(res)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *ServiceSuite) TestAnchorAndSignatureShareCanonicalBytes() {
	ctrl := gomock.NewController(s.T())
	anchorer := mocks.NewMockAnchorer(ctrl)
	var anchored []byte
	anchorer.EXPECT().Anchor(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, content []byte) models.AnchorRecord {
			anchored = content
			return models.AnchorRecord{Hash: [32]byte{0xde, 0xad}, Reference: "forged", Timestamp: s.now}
		})

	svc := s.newService(anchorer, publisher.NewPublisher(memory.NewInMemoryStore()))
	res, err := svc.GenerateSecureDocument(s.ctx, exampleRequest())
	s.Require().NoError(err)
	s.NotEmpty(anchored)

	_, err = svc.OpenEnvelope(s.ctx, res.Envelope)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationFailed), "anchor hash must equal the signed content digest")
}

func (s *ServiceSuite) TestVerifyTokenRejectsForgery() {
	_, other, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	ts, err := qr.NewTokenSigner("DHA", "issuer-1", other)
	s.Require().NoError(err)
	tok, err := ts.Sign(models.VerificationPayload{DocType: models.DocumentTypePassport, ID: "1", Hash: hex.EncodeToString(make([]byte, 32))}, id.NewEnvelopeID())
	s.Require().NoError(err)

	_, err = s.service.VerifyToken(s.ctx, tok)
	s.True(dErrors.HasCode(err, dErrors.CodeVerificationFailed))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Verifications.WithLabelValues(OutcomeTokenBad, "")))
}

func (s *ServiceSuite) TestReportCircuitOnlyAuditsOpening() {
	s.service.ReportCircuit(s.ctx, "memory", false)
	s.Empty(s.actions())
	s.service.ReportCircuit(s.ctx, "memory", true)
	s.Equal([]string{string(audit.EventAnchorCircuitOpened)}, s.actions())
}

func (s *ServiceSuite) TestIssuanceUsesPinnedRequestTime() {
	pinned := time.Date(2026, 6, 16, 9, 30, 0, 123456789, time.UTC)
	ctx := requestcontext.WithTime(s.ctx, pinned)

	res, err := s.service.GenerateSecureDocument(ctx, exampleRequest())
	s.Require().NoError(err)
	s.Equal(pinned.Truncate(time.Millisecond), res.Envelope.Metadata.IssuedAt)
}
