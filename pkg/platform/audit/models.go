package audit

import (
	"context"
	"time"

	id "docseal/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose so sinks can
// apply different retention.
type EventCategory string

const (
	// CategoryCompliance covers issuance and verification records with legal
	// significance. Long retention, tamper-evident storage.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers failed verifications and integrity alarms.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers anchoring and other routine activity.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category     EventCategory
	Timestamp    time.Time
	EnvelopeID   id.EnvelopeID
	DocumentType string
	Action       string
	Decision     string
	Reason       string
	// SubjectIDHash is the SHA-256 of the subject's identity number. The raw
	// number is never audited.
	SubjectIDHash string
	AnchorRef     string
	Operator      string
	RequestID     string
	ClientIP      string
	Device        string
}

type AuditEvent string

const (
	EventDocumentIssued             AuditEvent = "document_issued"
	EventDocumentVerified           AuditEvent = "document_verified"
	EventDocumentVerificationFailed AuditEvent = "document_verification_failed"
	EventTokenVerified              AuditEvent = "verification_token_checked"
	EventAnchorPending              AuditEvent = "anchor_pending"
	EventAnchorReconciled           AuditEvent = "anchor_reconciled"
	EventAnchorCircuitOpened        AuditEvent = "anchor_circuit_opened"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventDocumentIssued:   CategoryCompliance,
	EventDocumentVerified: CategoryCompliance,

	EventDocumentVerificationFailed: CategorySecurity,
	EventAnchorCircuitOpened:        CategorySecurity,

	EventTokenVerified:    CategoryOperations,
	EventAnchorPending:    CategoryOperations,
	EventAnchorReconciled: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Lister is implemented by stores that can read back events for one envelope.
type Lister interface {
	ListByEnvelope(ctx context.Context, envelopeID id.EnvelopeID) ([]Event, error)
}
