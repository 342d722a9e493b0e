package canonical

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"docseal/internal/document/models"
	id "docseal/pkg/domain"
)

var issuedAt = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

func sampleDocument() models.Document {
	return models.Document{
		ID:       id.NewDocumentID(),
		Type:     models.DocumentTypeIDCard,
		Subject:  map[string]string{"idNumber": "8001015009087", "surname": "Dlamini"},
		IssuedAt: issuedAt,
		Issuer:   "DHA",
	}
}

func sampleFeatures() []models.SecurityFeature {
	return []models.SecurityFeature{
		{Kind: models.FeatureWatermark, Payload: []byte("DHA · ID_CARD · 8001015009087"), VerificationMethod: models.MethodOptical},
		{Kind: models.FeatureHologram, Payload: make([]byte, 64), VerificationMethod: models.MethodScanner},
	}
}

func TestContent_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		subject := rapid.MapOf(
			rapid.StringMatching(`[a-zA-Z]{1,12}`),
			rapid.String(),
		).Draw(t, "subject")
		subject["idNumber"] = "8001015009087"

		// A copy built in a different order must encode identically.
		reordered := make(map[string]string, len(subject))
		keys := make([]string, 0, len(subject))
		for k := range subject {
			keys = append(keys, k)
		}
		for i := len(keys) - 1; i >= 0; i-- {
			reordered[keys[i]] = subject[keys[i]]
		}

		doc := sampleDocument()
		doc.Subject = subject
		a, err := Content(doc, sampleFeatures())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		doc.Subject = reordered
		b, err := Content(doc, sampleFeatures())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if string(a) != string(b) {
			t.Fatalf("content encoding not deterministic")
		}
	})
}

func TestContent_BindsFeaturesAndSubject(t *testing.T) {
	doc := sampleDocument()
	features := sampleFeatures()
	base, err := Content(doc, features)
	require.NoError(t, err)

	t.Run("feature payload", func(t *testing.T) {
		changed := sampleFeatures()
		changed[1].Payload[0] ^= 1
		got, err := Content(doc, changed)
		require.NoError(t, err)
		assert.NotEqual(t, Digest(base), Digest(got))
	})

	t.Run("feature order", func(t *testing.T) {
		swapped := []models.SecurityFeature{features[1], features[0]}
		got, err := Content(doc, swapped)
		require.NoError(t, err)
		assert.NotEqual(t, base, got)
	})

	t.Run("subject value", func(t *testing.T) {
		other := sampleDocument()
		other.ID = doc.ID
		other.Subject["surname"] = "Dlamin1"
		got, err := Content(other, features)
		require.NoError(t, err)
		assert.NotEqual(t, base, got)
	})

	t.Run("document type", func(t *testing.T) {
		other := doc
		other.Type = models.DocumentTypePassport
		got, err := Content(other, features)
		require.NoError(t, err)
		assert.NotEqual(t, base, got)
	})
}

func TestPayload_RoundTrip(t *testing.T) {
	doc := sampleDocument()
	features := sampleFeatures()
	content, err := Content(doc, features)
	require.NoError(t, err)

	p := Payload{
		Document:  doc,
		Signature: models.Signature{Algorithm: models.AlgEdDSA, KeyID: "issuer-1", Bytes: []byte{1, 2, 3}},
		Features:  features,
		Anchor: models.AnchorRecord{
			Hash:      Digest(content),
			Reference: "ledger:42",
			Timestamp: issuedAt.Add(time.Second),
			Backend:   "memory",
		},
		Metadata: models.EnvelopeMetadata{
			EnvelopeID:       id.NewEnvelopeID(),
			Version:          models.EnvelopeVersion,
			IssuedAt:         issuedAt,
			Issuer:           "DHA",
			DocumentType:     doc.Type,
			AnchorStatus:     models.AnchorStatusAnchored,
			KeyWrapAlgorithm: models.WrapRSAOAEP256,
		},
	}

	raw, err := EncodePayload(p)
	require.NoError(t, err)
	got, err := DecodePayload(raw)
	require.NoError(t, err)

	assert.Equal(t, p.Document, got.Document)
	assert.Equal(t, p.Signature, got.Signature)
	assert.Equal(t, p.Features, got.Features)
	assert.Equal(t, p.Anchor, got.Anchor)
	assert.Equal(t, p.Metadata, got.Metadata)

	again, err := EncodePayload(got)
	require.NoError(t, err)
	assert.Equal(t, raw, again, "re-encoding a decoded payload is byte-identical")
}

func TestDecodePayload_Rejects(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, err := DecodePayload([]byte{0xff, 0x00, 0x13})
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown field", func(t *testing.T) {
		raw, err := cbor.Marshal(map[int]any{1: map[int]any{}, 99: "x"})
		require.NoError(t, err)
		_, err = DecodePayload(raw)
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("bad document id", func(t *testing.T) {
		raw, err := encMode.Marshal(payloadWire{Document: documentWire{ID: "nope"}})
		require.NoError(t, err)
		_, err = DecodePayload(raw)
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestMetadata_Deterministic(t *testing.T) {
	m := models.EnvelopeMetadata{
		EnvelopeID:   id.NewEnvelopeID(),
		Version:      models.EnvelopeVersion,
		IssuedAt:     issuedAt,
		Issuer:       "DHA",
		DocumentType: models.DocumentTypePassport,
		AnchorStatus: models.AnchorStatusPending,
	}
	a, err := Metadata(m)
	require.NoError(t, err)
	b, err := Metadata(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	m.AnchorStatus = models.AnchorStatusAnchored
	c, err := Metadata(m)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
