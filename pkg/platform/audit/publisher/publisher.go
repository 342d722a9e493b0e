// Package publisher emits audit events to a Store.
//
// In the default synchronous mode Emit blocks until the store accepts the
// event and returns its error, so callers can fail closed. WithAsyncBuffer
// switches to a bounded queue drained by one goroutine; a full queue drops the
// event and returns ErrBufferFull.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "docseal/pkg/domain"
	audit "docseal/pkg/platform/audit"
)

var ErrBufferFull = errors.New("audit buffer full")

type Publisher struct {
	store  audit.Store
	logger *slog.Logger
	now    func() time.Time

	queue   chan audit.Event
	done    chan struct{}
	closeMu sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer enables asynchronous delivery with a queue of size n.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan audit.Event, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store: store,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue != nil {
		go p.drain()
	} else {
		close(p.done)
	}
	return p
}

// Emit records an event. The category is always derived from the action.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	event.Category = audit.AuditEvent(event.Action).Category()

	if p.queue == nil {
		return p.store.Append(ctx, event)
	}

	select {
	case p.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if p.logger != nil {
			p.logger.WarnContext(ctx, "audit event dropped",
				"action", event.Action,
				"request_id", event.RequestID,
			)
		}
		return ErrBufferFull
	}
}

// List returns events for an envelope when the store supports reads.
func (p *Publisher) List(ctx context.Context, envelopeID id.EnvelopeID) ([]audit.Event, error) {
	lister, ok := p.store.(audit.Lister)
	if !ok {
		return nil, errors.New("audit store does not support listing")
	}
	return lister.ListByEnvelope(ctx, envelopeID)
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.queue {
		// The emitting request may be gone; persistence uses its own context.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.Append(ctx, event); err != nil && p.logger != nil {
			p.logger.Error("audit persistence failed",
				"action", event.Action,
				"request_id", event.RequestID,
				"error", err,
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued events to be persisted.
func (p *Publisher) Close() error {
	p.closeMu.Do(func() {
		if p.queue != nil {
			close(p.queue)
		}
	})
	<-p.done
	return nil
}
