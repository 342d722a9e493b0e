// Package service runs the document pipeline: security features, optional
// biometric encryption, anchoring and signing over one canonical encoding,
// then sealing for the recipient. It also opens envelopes and checks
// verification tokens.
package service

import (
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"docseal/internal/document/anchor"
	"docseal/internal/document/biometric"
	"docseal/internal/document/envelope"
	"docseal/internal/document/features"
	"docseal/internal/document/models"
	"docseal/pkg/platform/audit"
	"docseal/pkg/requestcontext"
)

// KeyCustody supplies key material per call. The service never caches keys.
type KeyCustody interface {
	SigningKey() (keyID string, key crypto.Signer, err error)
	IssuerPublicKey(keyID string) (crypto.PublicKey, bool)
	RecipientPrivateKey() (crypto.PrivateKey, error)
	RecipientPublicKey() (crypto.PublicKey, error)
	BiometricMasterKey() ([]byte, error)
}

// Anchorer records content digests. It degrades instead of failing.
type Anchorer interface {
	Anchor(ctx context.Context, content []byte) models.AnchorRecord
}

// PendingQueue receives digests that could not be anchored at issuance.
type PendingQueue interface {
	Enqueue(p anchor.Pending) bool
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Metrics interface {
	IncDocumentIssued(docType, anchorStatus string)
	IncVerification(outcome, reason string)
	ObserveSeal(d time.Duration)
	ObserveOpen(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncDocumentIssued(string, string) {}
func (noopMetrics) IncVerification(string, string)   {}
func (noopMetrics) ObserveSeal(time.Duration)        {}
func (noopMetrics) ObserveOpen(time.Duration)        {}

type Service struct {
	issuer          string
	custody         KeyCustody
	anchorer        Anchorer
	pending         PendingQueue
	auditPublisher  AuditPublisher
	metrics         Metrics
	logger          *slog.Logger
	rand            io.Reader
	now             func() time.Time
	defaultFeatures models.SecurityConfig
	tokens          bool
	tokenTTL        time.Duration
	tracer          trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithPendingQueue(q PendingQueue) Option {
	return func(s *Service) {
		s.pending = q
	}
}

// WithRand sets the randomness for features, keys and nonces.
func WithRand(r io.Reader) Option {
	return func(s *Service) {
		s.rand = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithDefaultFeatures applies when a request carries no feature selection.
func WithDefaultFeatures(cfg models.SecurityConfig) Option {
	return func(s *Service) {
		s.defaultFeatures = cfg
	}
}

// WithVerificationTokens enables signed QR tokens with the given lifetime.
// Zero ttl issues tokens without expiry.
func WithVerificationTokens(ttl time.Duration) Option {
	return func(s *Service) {
		s.tokens = true
		s.tokenTTL = ttl
	}
}

func New(issuer string, custody KeyCustody, anchorer Anchorer, opts ...Option) (*Service, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if custody == nil {
		return nil, errors.New("key custody is required")
	}
	if anchorer == nil {
		return nil, errors.New("anchorer is required")
	}
	s := &Service{
		issuer:          issuer,
		custody:         custody,
		anchorer:        anchorer,
		metrics:         noopMetrics{},
		logger:          slog.New(slog.DiscardHandler),
		rand:            rand.Reader,
		now:             time.Now,
		defaultFeatures: models.AllFeatures(),
		tracer:          otel.Tracer("docseal/document"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// issuanceTime prefers the time pinned for the request by middleware.
func (s *Service) issuanceTime(ctx context.Context) time.Time {
	if t, ok := requestcontext.TimeFrom(ctx); ok {
		return t.UTC().Truncate(time.Millisecond)
	}
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *Service) featureGenerator() *features.Generator {
	return features.New(s.issuer, features.WithRand(s.rand), features.WithClock(s.now))
}

func (s *Service) biometricEncryptor() *biometric.Encryptor {
	return biometric.New(biometric.WithRand(s.rand))
}

func (s *Service) sealer() *envelope.Sealer {
	return envelope.NewSealer(envelope.WithSealerRand(s.rand))
}

func (s *Service) opener() *envelope.Opener {
	return envelope.NewOpener(envelope.WithOpenerLogger(s.logger))
}

func (s *Service) emit(ctx context.Context, event audit.Event) error {
	if s.auditPublisher == nil {
		return nil
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		return fmt.Errorf("emit %s: %w", event.Action, err)
	}
	return nil
}

func cloneSubject(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	maps.Copy(out, m)
	return out
}
