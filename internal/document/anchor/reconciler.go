package anchor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"docseal/internal/document/models"
	id "docseal/pkg/domain"
)

// Pending is a digest that could not be anchored at issuance.
type Pending struct {
	EnvelopeID   id.EnvelopeID
	DocumentType models.DocumentType
	Digest       [32]byte
	QueuedAt     time.Time
	Attempts     int
}

// Submitter re-submits a digest. *Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, digest [32]byte) (Receipt, error)
}

// ReconciledFunc is called once a pending digest receives a reference. The
// sealed envelope is not modified; the late reference is reported only.
type ReconciledFunc func(ctx context.Context, p Pending, receipt Receipt)

type PendingGauge interface {
	SetAnchorPending(n int)
	IncAnchorReconciled()
}

type noopGauge struct{}

func (noopGauge) SetAnchorPending(int) {}
func (noopGauge) IncAnchorReconciled() {}

// Reconciler retries pending digests in the background.
type Reconciler struct {
	submitter    Submitter
	queue        chan Pending
	every        time.Duration
	maxAttempts  int
	logger       *slog.Logger
	gauge        PendingGauge
	onReconciled ReconciledFunc
	now          func() time.Time

	mu      sync.Mutex
	pending []Pending
}

type ReconcilerOption func(*Reconciler)

func WithBuffer(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.queue = make(chan Pending, n)
		}
	}
}

func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.every = d
		}
	}
}

// WithMaxAttempts drops a digest after n failed retries. Zero retries forever.
func WithMaxAttempts(n int) ReconcilerOption {
	return func(r *Reconciler) {
		r.maxAttempts = n
	}
}

func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithPendingGauge(g PendingGauge) ReconcilerOption {
	return func(r *Reconciler) {
		if g != nil {
			r.gauge = g
		}
	}
}

func OnReconciled(fn ReconciledFunc) ReconcilerOption {
	return func(r *Reconciler) {
		r.onReconciled = fn
	}
}

func NewReconciler(submitter Submitter, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		submitter: submitter,
		queue:     make(chan Pending, 1024),
		every:     time.Minute,
		logger:    slog.New(slog.DiscardHandler),
		gauge:     noopGauge{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue hands a pending digest to the reconciler without blocking. It
// returns false when the intake buffer is full.
func (r *Reconciler) Enqueue(p Pending) bool {
	if p.QueuedAt.IsZero() {
		p.QueuedAt = r.now()
	}
	select {
	case r.queue <- p:
		return true
	default:
		r.logger.Warn("reconcile queue full, dropping pending digest",
			"envelope_id", p.EnvelopeID.String())
		return false
	}
}

// Len reports how many digests are waiting, including unread intake.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) + len(r.queue)
}

// Run retries on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RetryOnce(ctx)
		}
	}
}

// RetryOnce drains the intake and attempts every pending digest once. It
// returns the number reconciled. The lock is not held during submission.
func (r *Reconciler) RetryOnce(ctx context.Context) int {
	r.mu.Lock()
	r.drainLocked()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	var kept []Pending
	reconciled := 0
	for _, p := range batch {
		if ctx.Err() != nil {
			kept = append(kept, p)
			continue
		}
		receipt, err := r.submitter.Submit(ctx, p.Digest)
		if err != nil {
			p.Attempts++
			if r.maxAttempts > 0 && p.Attempts >= r.maxAttempts {
				r.logger.WarnContext(ctx, "giving up on pending anchor",
					"envelope_id", p.EnvelopeID.String(),
					"attempts", p.Attempts,
					"category", string(CategoryOf(err)),
				)
				continue
			}
			kept = append(kept, p)
			continue
		}
		reconciled++
		r.gauge.IncAnchorReconciled()
		r.logger.InfoContext(ctx, "pending anchor reconciled",
			"envelope_id", p.EnvelopeID.String(),
			"document_type", string(p.DocumentType),
			"reference", receipt.Reference,
			"waited", r.now().Sub(p.QueuedAt).String(),
		)
		if r.onReconciled != nil {
			r.onReconciled(ctx, p, receipt)
		}
	}

	r.mu.Lock()
	r.pending = append(kept, r.pending...)
	n := len(r.pending)
	r.mu.Unlock()
	r.gauge.SetAnchorPending(n)
	return reconciled
}

func (r *Reconciler) drainLocked() {
	for {
		select {
		case p := <-r.queue:
			r.pending = append(r.pending, p)
		default:
			return
		}
	}
}
