package features

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"docseal/internal/document/models"
	dErrors "docseal/pkg/domain-errors"
)

type GeneratorSuite struct {
	suite.Suite
	at      time.Time
	subject map[string]string
}

func TestGeneratorSuite(t *testing.T) {
	suite.Run(t, new(GeneratorSuite))
}

func (s *GeneratorSuite) SetupTest() {
	s.at = time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)
	s.subject = map[string]string{"idNumber": "8001015009087", "surname": "Nkosi"}
}

// seeded returns a reader yielding a fixed pattern, enough for every feature.
func seeded(seed byte) *bytes.Reader {
	b := make([]byte, HologramNonceSize+UVMarkerSize+RFIDUIDSize)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return bytes.NewReader(b)
}

func (s *GeneratorSuite) generator(seed byte) *Generator {
	return New("dha", WithRand(seeded(seed)), WithClock(func() time.Time { return s.at }))
}

func (s *GeneratorSuite) TestExampleScenario() {
	cfg := models.SecurityConfig{Watermark: true, Hologram: true}
	got, err := s.generator(1).Generate(models.DocumentTypeIDCard, s.subject, cfg)
	s.Require().NoError(err)
	s.Require().Len(got, 2)

	s.Equal(models.FeatureWatermark, got[0].Kind)
	s.Equal(models.MethodOptical, got[0].VerificationMethod)
	s.Equal("DHA · ID_CARD · 8001015009087", string(got[0].Payload))

	s.Equal(models.FeatureHologram, got[1].Kind)
	s.Equal(models.MethodScanner, got[1].VerificationMethod)
	s.Len(got[1].Payload, HologramNonceSize+sha256.Size)
	s.True(Check(got[1], models.DocumentTypeIDCard, "8001015009087"))
}

func (s *GeneratorSuite) TestAllFeaturesInOrder() {
	got, err := s.generator(1).Generate(models.DocumentTypePassport, s.subject, models.AllFeatures())
	s.Require().NoError(err)

	kinds := make([]models.FeatureKind, 0, len(got))
	for _, f := range got {
		kinds = append(kinds, f.Kind)
		s.True(Check(f, models.DocumentTypePassport, "8001015009087"), "feature %s", f.Kind)
	}
	s.Equal([]models.FeatureKind{
		models.FeatureWatermark, models.FeatureHologram, models.FeatureMicroprint,
		models.FeatureUV, models.FeatureRFID,
	}, kinds)

	s.Equal("MP|PASSPORT|8001015009087|"+"1781604000000", string(got[2].Payload))
	s.Len(got[3].Payload, UVMarkerSize)
	s.Len(got[4].Payload, RFIDUIDSize+16)
}

func (s *GeneratorSuite) TestDeterministicGivenNonces() {
	a, err := s.generator(7).Generate(models.DocumentTypePassport, s.subject, models.AllFeatures())
	s.Require().NoError(err)
	b, err := s.generator(7).Generate(models.DocumentTypePassport, s.subject, models.AllFeatures())
	s.Require().NoError(err)
	s.Equal(a, b)

	c, err := s.generator(8).Generate(models.DocumentTypePassport, s.subject, models.AllFeatures())
	s.Require().NoError(err)
	s.NotEqual(a[1].Payload, c[1].Payload, "different nonces give different holograms")
}

func (s *GeneratorSuite) TestDisabledFeaturesOmitted() {
	got, err := s.generator(1).Generate(models.DocumentTypeBirthCertificate, s.subject, models.SecurityConfig{})
	s.Require().NoError(err)
	s.Empty(got)

	got, err = s.generator(1).Generate(models.DocumentTypeBirthCertificate, s.subject, models.SecurityConfig{RFIDChip: true})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(models.FeatureRFID, got[0].Kind)
}

func (s *GeneratorSuite) TestValidation() {
	s.Run("missing idNumber", func() {
		_, err := s.generator(1).Generate(models.DocumentTypeIDCard, map[string]string{"name": "x"}, models.AllFeatures())
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
	s.Run("missing document type", func() {
		_, err := s.generator(1).Generate("", s.subject, models.AllFeatures())
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *GeneratorSuite) TestRandomnessExhausted() {
	g := New("dha", WithRand(bytes.NewReader(make([]byte, 10))))
	_, err := g.Generate(models.DocumentTypeIDCard, s.subject, models.SecurityConfig{Hologram: true})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func TestCheck_RejectsForeignFeature(t *testing.T) {
	g := New("dha", WithRand(seeded(3)))
	got, err := g.Generate(models.DocumentTypeIDCard, map[string]string{"idNumber": "8001015009087"}, models.SecurityConfig{Hologram: true, RFIDChip: true})
	require.NoError(t, err)

	for _, f := range got {
		assert.False(t, Check(f, models.DocumentTypeIDCard, "9001015009086"), "feature %s bound to another id", f.Kind)
	}
	assert.False(t, Check(models.SecurityFeature{Kind: models.FeatureHologram, Payload: []byte{1}}, models.DocumentTypeIDCard, "1"))
	assert.False(t, Check(models.SecurityFeature{Kind: "laser"}, models.DocumentTypeIDCard, "1"))
}
