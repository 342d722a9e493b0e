//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	id "docseal/pkg/domain"
	audit "docseal/pkg/platform/audit"
	"docseal/pkg/testutil/containers"
)

type recordingSink struct {
	mu      sync.Mutex
	keys    []string
	records []Payload
	failAt  int
}

func (s *recordingSink) PublishRaw(_ context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.records)+1 == s.failAt {
		return errors.New("broker unavailable")
	}
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	s.keys = append(s.keys, key)
	s.records = append(s.records, p)
	return nil
}

type OutboxSuite struct {
	suite.Suite
	store *Store
	relay *Relay
	sink  *recordingSink
	ctx   context.Context
}

func TestOutboxSuite(t *testing.T) {
	suite.Run(t, new(OutboxSuite))
}

func (s *OutboxSuite) SetupSuite() {
	s.ctx = context.Background()
	pg := containers.NewPostgresContainer(s.T())
	db, err := Open(s.ctx, pg.DSN)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = db.Close() })

	s.store = New(db)
	s.Require().NoError(s.store.Migrate(s.ctx))
	s.Require().NoError(s.store.Migrate(s.ctx), "migration is idempotent")
	s.sink = &recordingSink{}
	s.relay = NewRelay(db, s.sink, slog.New(slog.DiscardHandler))
}

func (s *OutboxSuite) SetupTest() {
	s.sink.mu.Lock()
	s.sink.keys, s.sink.records, s.sink.failAt = nil, nil, 0
	s.sink.mu.Unlock()
	_, err := s.relay.db.ExecContext(s.ctx, `TRUNCATE outbox, audit_events`)
	s.Require().NoError(err)
}

func (s *OutboxSuite) event(envelopeID id.EnvelopeID, action audit.AuditEvent, at time.Time) audit.Event {
	return audit.Event{
		Category:      action.Category(),
		Timestamp:     at,
		EnvelopeID:    envelopeID,
		DocumentType:  "passport",
		Action:        string(action),
		SubjectIDHash: "a1b2",
		Operator:      "operator-7",
		RequestID:     "req-1",
	}
}

func (s *OutboxSuite) TestAppendMaterializesEvents() {
	envID := id.NewEnvelopeID()
	t0 := time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.Append(s.ctx, s.event(envID, audit.EventDocumentIssued, t0)))
	s.Require().NoError(s.store.Append(s.ctx, s.event(envID, audit.EventDocumentVerified, t0.Add(time.Minute))))
	s.Require().NoError(s.store.Append(s.ctx, s.event(id.NewEnvelopeID(), audit.EventDocumentIssued, t0)))

	events, err := s.store.ListByEnvelope(s.ctx, envID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(string(audit.EventDocumentIssued), events[0].Action)
	s.Equal(audit.CategoryCompliance, events[0].Category)
	s.Equal(envID, events[1].EnvelopeID)
	s.True(events[0].Timestamp.Equal(t0))
}

func (s *OutboxSuite) TestRelayPublishesOnce() {
	envID := id.NewEnvelopeID()
	s.Require().NoError(s.store.Append(s.ctx, s.event(envID, audit.EventDocumentIssued, time.Now())))
	s.Require().NoError(s.store.Append(s.ctx, s.event(id.EnvelopeID{}, audit.EventAnchorCircuitOpened, time.Now())))

	n, err := s.relay.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(envID.String(), s.sink.keys[0], "envelope events are keyed by envelope")
	s.Equal("security", s.sink.records[1].Category)

	n, err = s.relay.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *OutboxSuite) TestRelayStopsAtFirstFailure() {
	for range 3 {
		s.Require().NoError(s.store.Append(s.ctx, s.event(id.NewEnvelopeID(), audit.EventDocumentIssued, time.Now())))
	}
	s.sink.failAt = 2

	n, err := s.relay.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.sink.failAt = 0
	n, err = s.relay.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n, "unpublished rows are retried")
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	db, err := Open(context.Background(), pg.DSN)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, New(db).Migrate(context.Background()))

	r := NewRelay(db, &recordingSink{}, slog.New(slog.DiscardHandler))
	r.interval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
}
