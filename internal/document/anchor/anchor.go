// Package anchor hashes canonical document bytes and records the digest with
// an external ledger. Anchoring never fails an issuance: when the backend is
// slow, down, or behind an open circuit the record degrades to pending.
package anchor

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"docseal/internal/document/canonical"
	"docseal/internal/document/models"
	"docseal/pkg/platform/circuit"
	"docseal/pkg/platform/sentinel"
	"docseal/pkg/requestcontext"
)

// Receipt is a backend's acknowledgement of a digest.
type Receipt struct {
	Reference string
	Timestamp time.Time
}

// Backend records digests in an append-only ledger.
type Backend interface {
	Name() string
	Submit(ctx context.Context, digest [32]byte) (Receipt, error)
}

// Observer receives anchoring measurements.
type Observer interface {
	ObserveAnchorLatency(backend string, d time.Duration)
	IncAnchorFailure(backend, category string)
	SetAnchorCircuitOpen(open bool)
}

type noopObserver struct{}

func (noopObserver) ObserveAnchorLatency(string, time.Duration) {}
func (noopObserver) IncAnchorFailure(string, string)            {}
func (noopObserver) SetAnchorCircuitOpen(bool)                  {}

// CircuitListener is told when the breaker opens or closes.
type CircuitListener func(ctx context.Context, backend string, open bool)

// Service anchors digests through a circuit breaker with a per-call timeout.
type Service struct {
	backend   Backend
	breaker   *circuit.Breaker
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	observer  Observer
	onCircuit CircuitListener
	tracer    trace.Tracer
}

type Option func(*Service)

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		if b != nil {
			s.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithCircuitListener(fn CircuitListener) Option {
	return func(s *Service) {
		s.onCircuit = fn
	}
}

func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		timeout:  2 * time.Second,
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
		observer: noopObserver{},
		tracer:   otel.Tracer("docseal/anchor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = circuit.New("anchor-" + backend.Name())
	}
	return s
}

// BackendName reports the configured ledger.
func (s *Service) BackendName() string {
	return s.backend.Name()
}

// Anchor hashes content and records the digest. It always returns a record;
// failures yield Pending with a local timestamp and no reference.
func (s *Service) Anchor(ctx context.Context, content []byte) models.AnchorRecord {
	digest := canonical.Digest(content)
	ctx, span := s.tracer.Start(ctx, "anchor.submit", trace.WithAttributes(
		attribute.String("anchor.backend", s.backend.Name()),
	))
	defer span.End()

	receipt, err := s.Submit(ctx, digest)
	if err != nil {
		span.SetAttributes(attribute.Bool("anchor.pending", true))
		span.SetStatus(codes.Error, string(CategoryOf(err)))
		s.logger.WarnContext(ctx, "anchor unavailable, continuing as pending",
			"request_id", requestcontext.RequestID(ctx),
			"backend", s.backend.Name(),
			"category", string(CategoryOf(err)),
			"digest", hex.EncodeToString(digest[:8]),
		)
		return models.AnchorRecord{
			Hash:      digest,
			Timestamp: s.now().UTC().Truncate(time.Millisecond),
			Pending:   true,
			Backend:   s.backend.Name(),
		}
	}
	return models.AnchorRecord{
		Hash:      digest,
		Reference: receipt.Reference,
		Timestamp: receipt.Timestamp.UTC().Truncate(time.Millisecond),
		Backend:   s.backend.Name(),
	}
}

// Submit sends one digest through the breaker and timeout. Errors are
// *BackendError.
func (s *Service) Submit(ctx context.Context, digest [32]byte) (Receipt, error) {
	name := s.backend.Name()
	if !s.breaker.Allow() {
		s.observer.IncAnchorFailure(name, string(ErrorCircuitOpen))
		return Receipt{}, &BackendError{Category: ErrorCircuitOpen, Backend: name, Underlying: sentinel.ErrUnavailable}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	receipt, err := s.submitBounded(callCtx, digest)
	s.observer.ObserveAnchorLatency(name, s.now().Sub(start))
	if err == nil && receipt.Reference == "" {
		err = sentinel.ErrBadResponse
	}
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		berr := newBackendError(name, err)
		s.observer.IncAnchorFailure(name, string(berr.Category))
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.circuitChanged(ctx, true)
		}
		return Receipt{}, berr
	}

	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.circuitChanged(ctx, false)
	}
	if receipt.Timestamp.IsZero() {
		receipt.Timestamp = s.now()
	}
	return receipt, nil
}

type submitResult struct {
	receipt Receipt
	err     error
}

// submitBounded returns when the backend answers or ctx ends, whichever comes
// first. A backend that ignores ctx finishes in the background.
func (s *Service) submitBounded(ctx context.Context, digest [32]byte) (Receipt, error) {
	done := make(chan submitResult, 1)
	go func() {
		r, err := s.backend.Submit(ctx, digest)
		done <- submitResult{receipt: r, err: err}
	}()
	select {
	case res := <-done:
		return res.receipt, res.err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func (s *Service) circuitChanged(ctx context.Context, open bool) {
	s.observer.SetAnchorCircuitOpen(open)
	if open {
		s.logger.WarnContext(ctx, "anchor circuit opened", "backend", s.backend.Name())
	} else {
		s.logger.InfoContext(ctx, "anchor circuit closed", "backend", s.backend.Name())
	}
	if s.onCircuit != nil {
		s.onCircuit(ctx, s.backend.Name(), open)
	}
}
