package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "docseal/pkg/domain-errors"
)

func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseEnvelopeID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseEnvelopeID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseDocumentID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		u := uuid.New()
		id, err := ParseDocumentID(u.String())
		require.NoError(t, err)
		assert.Equal(t, DocumentID(u), id)
		assert.False(t, id.IsNil())
	})
}

func TestParseNationalID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    NationalID
		wantErr bool
	}{
		{name: "sa id number", input: "8001015009087", want: "8001015009087"},
		{name: "trims whitespace", input: "  A1234567 ", want: "A1234567"},
		{name: "allows dash", input: "AB-1234", want: "AB-1234"},
		{name: "empty", input: "   ", wantErr: true},
		{name: "too long", input: strings.Repeat("1", 33), wantErr: true},
		{name: "separator injection", input: "800|101", wantErr: true},
		{name: "non ascii digit", input: "８００１", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNationalID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNationalIDHash(t *testing.T) {
	h := NationalID("8001015009087").Hash()
	assert.Len(t, h, 64)
	assert.NotContains(t, h, "8001015009087")
	assert.Equal(t, h, NationalID("8001015009087").Hash())
}

func TestEnvelopeID_JSON(t *testing.T) {
	type wrapper struct {
		ID EnvelopeID `json:"id"`
	}
	in := wrapper{ID: NewEnvelopeID()}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+in.ID.String()+`"}`, string(raw))

	var out wrapper
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	assert.Error(t, json.Unmarshal([]byte(`{"id":"nope"}`), &out))
}
