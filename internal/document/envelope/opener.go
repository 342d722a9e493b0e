package envelope

import (
	"bytes"
	"crypto"
	"errors"
	"log/slog"

	"docseal/internal/document/canonical"
	"docseal/internal/document/models"
	"docseal/internal/document/signer"
)

// State is a step of the opening state machine.
type State int

const (
	StateSealed State = iota
	StateKeyUnwrapped
	StateDecrypted
	StateParsed
	StateSignatureChecked
	StateValid
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateSealed:
		return "sealed"
	case StateKeyUnwrapped:
		return "key_unwrapped"
	case StateDecrypted:
		return "decrypted"
	case StateParsed:
		return "parsed"
	case StateSignatureChecked:
		return "signature_checked"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	}
	return "unknown"
}

// Reason is the internal cause of an invalid envelope. Callers outside the
// service only ever see ErrVerificationFailed.
type Reason string

const (
	ReasonKeyUnwrapFailed    Reason = "key_unwrap_failed"
	ReasonTamperedCiphertext Reason = "tampered_ciphertext"
	ReasonMalformedEnvelope  Reason = "malformed_envelope"
	ReasonSignatureMismatch  Reason = "signature_mismatch"
)

// ErrVerificationFailed is the single externally visible opening failure.
var ErrVerificationFailed = errors.New("verification_failed")

// VerificationError carries the failing state and reason for logs and
// metrics. Its message never reveals which check failed.
type VerificationError struct {
	Reason Reason
	State  State
}

func (e *VerificationError) Error() string { return ErrVerificationFailed.Error() }

func (e *VerificationError) Is(target error) bool { return target == ErrVerificationFailed }

// ReasonOf extracts the internal reason from an opening error.
func ReasonOf(err error) (Reason, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}

// IssuerKeys resolves a signing key ID to a trusted public key.
type IssuerKeys interface {
	IssuerPublicKey(keyID string) (crypto.PublicKey, bool)
}

// Opened is the verified content of an envelope.
type Opened struct {
	Document  models.Document
	Signature models.Signature
	Features  []models.SecurityFeature
	Anchor    models.AnchorRecord
	Metadata  models.EnvelopeMetadata
}

// Opener runs the opening state machine.
type Opener struct {
	logger *slog.Logger
	onStep func(from, to State)
}

type OpenerOption func(*Opener)

func WithOpenerLogger(logger *slog.Logger) OpenerOption {
	return func(o *Opener) {
		o.logger = logger
	}
}

// WithTransitionHook observes every state change.
func WithTransitionHook(fn func(from, to State)) OpenerOption {
	return func(o *Opener) {
		o.onStep = fn
	}
}

func NewOpener(opts ...OpenerOption) *Opener {
	o := &Opener{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type run struct {
	env       models.SealedEnvelope
	recipient KeyUnwrapper
	issuers   IssuerKeys

	state   State
	reason  Reason
	dek     []byte
	plain   []byte
	payload canonical.Payload
}

// Open decrypts and verifies an envelope. Any failure yields a
// *VerificationError matching ErrVerificationFailed and no partial content.
func (o *Opener) Open(env models.SealedEnvelope, recipient KeyUnwrapper, issuers IssuerKeys) (*Opened, error) {
	r := &run{env: env, recipient: recipient, issuers: issuers, state: StateSealed}
	defer func() {
		clear(r.dek)
		clear(r.plain)
	}()

	for r.state != StateValid && r.state != StateInvalid {
		from := r.state
		r.state = r.step()
		if o.onStep != nil {
			o.onStep(from, r.state)
		}
		if r.state == StateInvalid {
			o.logger.Debug("envelope rejected",
				"envelope_id", env.Metadata.EnvelopeID.String(),
				"state", from.String(),
				"reason", string(r.reason),
			)
			return nil, &VerificationError{Reason: r.reason, State: from}
		}
	}

	p := r.payload
	return &Opened{
		Document:  p.Document,
		Signature: p.Signature,
		Features:  p.Features,
		Anchor:    p.Anchor,
		Metadata:  p.Metadata,
	}, nil
}

func (r *run) fail(reason Reason) State {
	r.reason = reason
	return StateInvalid
}

func (r *run) step() State {
	switch r.state {
	case StateSealed:
		return r.unwrap()
	case StateKeyUnwrapped:
		return r.decrypt()
	case StateDecrypted:
		return r.parse()
	case StateParsed:
		return r.checkSignature()
	case StateSignatureChecked:
		return StateValid
	}
	return r.fail(ReasonMalformedEnvelope)
}

func (r *run) unwrap() State {
	m := r.env.Metadata
	if m.Version != models.EnvelopeVersion || len(r.env.IV) != IVSize || len(r.env.AuthTag) != TagSize {
		return r.fail(ReasonMalformedEnvelope)
	}
	if r.recipient == nil || m.KeyWrapAlgorithm != r.recipient.Algorithm() {
		return r.fail(ReasonKeyUnwrapFailed)
	}
	dek, err := r.recipient.Unwrap(r.env.WrappedKey)
	if err != nil || len(dek) != DEKSize {
		return r.fail(ReasonKeyUnwrapFailed)
	}
	r.dek = dek
	return StateKeyUnwrapped
}

func (r *run) decrypt() State {
	aad, err := canonical.Metadata(r.env.Metadata)
	if err != nil {
		return r.fail(ReasonMalformedEnvelope)
	}
	gcm, err := dataAEAD(r.dek)
	if err != nil {
		return r.fail(ReasonKeyUnwrapFailed)
	}
	sealed := make([]byte, 0, len(r.env.Ciphertext)+TagSize)
	sealed = append(sealed, r.env.Ciphertext...)
	sealed = append(sealed, r.env.AuthTag...)
	plain, err := gcm.Open(nil, r.env.IV, sealed, aad)
	if err != nil {
		return r.fail(ReasonTamperedCiphertext)
	}
	r.plain = plain
	return StateDecrypted
}

func (r *run) parse() State {
	p, err := canonical.DecodePayload(r.plain)
	if err != nil {
		return r.fail(ReasonMalformedEnvelope)
	}
	outer, err := canonical.Metadata(r.env.Metadata)
	if err != nil {
		return r.fail(ReasonMalformedEnvelope)
	}
	inner, err := canonical.Metadata(p.Metadata)
	if err != nil || !bytes.Equal(outer, inner) {
		return r.fail(ReasonMalformedEnvelope)
	}
	if _, err := models.ParseDocumentType(string(p.Document.Type)); err != nil {
		return r.fail(ReasonMalformedEnvelope)
	}
	r.payload = p
	return StateParsed
}

func (r *run) checkSignature() State {
	p := r.payload
	content, err := canonical.Content(p.Document, p.Features)
	if err != nil {
		return r.fail(ReasonMalformedEnvelope)
	}
	if canonical.Digest(content) != p.Anchor.Hash {
		return r.fail(ReasonSignatureMismatch)
	}
	if r.issuers == nil {
		return r.fail(ReasonSignatureMismatch)
	}
	pub, ok := r.issuers.IssuerPublicKey(p.Signature.KeyID)
	if !ok || !signer.Verify(content, p.Signature, pub) {
		return r.fail(ReasonSignatureMismatch)
	}
	return StateSignatureChecked
}
