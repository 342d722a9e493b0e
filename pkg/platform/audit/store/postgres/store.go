package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	id "docseal/pkg/domain"
	audit "docseal/pkg/platform/audit"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Store implements audit.Store using the transactional outbox pattern.
// Events are written to the outbox table and relayed to Kafka by Relay.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the outbox and audit_events tables if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Payload is the JSON structure written to the outbox and published to Kafka.
type Payload struct {
	ID            string `json:"id"`
	Category      string `json:"category"`
	Timestamp     string `json:"timestamp"`
	EnvelopeID    string `json:"envelope_id,omitempty"`
	DocumentType  string `json:"document_type,omitempty"`
	Action        string `json:"action"`
	Decision      string `json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`
	SubjectIDHash string `json:"subject_id_hash,omitempty"`
	AnchorRef     string `json:"anchor_ref,omitempty"`
	Operator      string `json:"operator,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	ClientIP      string `json:"client_ip,omitempty"`
	Device        string `json:"device,omitempty"`
}

// NewPayload converts an event into its wire form.
func NewPayload(eventID uuid.UUID, event audit.Event) Payload {
	p := Payload{
		ID:            eventID.String(),
		Category:      string(audit.AuditEvent(event.Action).Category()),
		Timestamp:     event.Timestamp.UTC().Format(time.RFC3339Nano),
		DocumentType:  event.DocumentType,
		Action:        event.Action,
		Decision:      event.Decision,
		Reason:        event.Reason,
		SubjectIDHash: event.SubjectIDHash,
		AnchorRef:     event.AnchorRef,
		Operator:      event.Operator,
		RequestID:     event.RequestID,
		ClientIP:      event.ClientIP,
		Device:        event.Device,
	}
	if !event.EnvelopeID.IsNil() {
		p.EnvelopeID = event.EnvelopeID.String()
	}
	return p
}

// Append writes an audit event to the outbox table and materializes it in
// audit_events within one transaction.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()
	payload := NewPayload(eventID, event)
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	aggregateType := "audit"
	aggregateID := eventID.String()
	var envelopeID *uuid.UUID
	if !event.EnvelopeID.IsNil() {
		aggregateType = "envelope"
		aggregateID = event.EnvelopeID.String()
		eid := uuid.UUID(event.EnvelopeID)
		envelopeID = &eid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), aggregateType, aggregateID, event.Action, payloadBytes, time.Now())
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, category, timestamp, envelope_id, document_type, action,
			decision, reason, subject_id_hash, anchor_ref, operator, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, eventID, payload.Category, event.Timestamp, envelopeID, event.DocumentType, event.Action,
		event.Decision, event.Reason, event.SubjectIDHash, event.AnchorRef, event.Operator, event.RequestID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}

// ListByEnvelope returns events for one envelope, oldest first.
func (s *Store) ListByEnvelope(ctx context.Context, envelopeID id.EnvelopeID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, timestamp, envelope_id, document_type, action,
		       decision, reason, subject_id_hash, anchor_ref, operator, request_id
		FROM audit_events
		WHERE envelope_id = $1
		ORDER BY timestamp ASC
	`, uuid.UUID(envelopeID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			category string
			eid      uuid.NullUUID
			event    audit.Event
		)
		if err := rows.Scan(&category, &event.Timestamp, &eid, &event.DocumentType, &event.Action,
			&event.Decision, &event.Reason, &event.SubjectIDHash, &event.AnchorRef,
			&event.Operator, &event.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		if eid.Valid {
			event.EnvelopeID = id.EnvelopeID(eid.UUID)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
