// Package features generates the physical and electronic security feature
// payloads attached to a document.
//
// All randomness comes from the injected reader and all timestamps from the
// injected clock, so two generators fed the same nonces produce identical
// payloads.
package features

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"docseal/internal/document/models"
	id "docseal/pkg/domain"
	dErrors "docseal/pkg/domain-errors"
)

const (
	HologramNonceSize = 32
	UVMarkerSize      = 64
	RFIDUIDSize       = 16
	rfidTagSize       = 16
)

type Generator struct {
	issuer string
	rand   io.Reader
	now    func() time.Time
}

type Option func(*Generator)

// WithRand sets the nonce source. Tests pass a deterministic reader.
func WithRand(r io.Reader) Option {
	return func(g *Generator) {
		g.rand = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

func New(issuer string, opts ...Option) *Generator {
	g := &Generator{
		issuer: issuer,
		rand:   rand.Reader,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the enabled features in fixed order: watermark, hologram,
// microprint, uv, rfid. Disabled features are omitted.
func (g *Generator) Generate(docType models.DocumentType, subject map[string]string, cfg models.SecurityConfig) ([]models.SecurityFeature, error) {
	return g.GenerateAt(docType, subject, cfg, g.now())
}

// GenerateAt is Generate with an explicit timestamp for the microprint line.
func (g *Generator) GenerateAt(docType models.DocumentType, subject map[string]string, cfg models.SecurityConfig, at time.Time) ([]models.SecurityFeature, error) {
	if _, err := models.ParseDocumentType(string(docType)); err != nil {
		return nil, err
	}
	idNumber, err := id.ParseNationalID(subject[models.SubjectKeyIDNumber])
	if err != nil {
		return nil, err
	}

	var out []models.SecurityFeature
	if cfg.Watermark {
		out = append(out, g.watermark(docType, idNumber))
	}
	if cfg.Hologram {
		f, err := g.hologram(idNumber)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if cfg.Microprint {
		out = append(out, microprint(docType, idNumber, at))
	}
	if cfg.UVFeatures {
		f, err := g.uv()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if cfg.RFIDChip {
		f, err := g.rfid(docType, idNumber)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (g *Generator) watermark(docType models.DocumentType, idNumber id.NationalID) models.SecurityFeature {
	text := fmt.Sprintf("%s · %s · %s", strings.ToUpper(g.issuer), strings.ToUpper(string(docType)), idNumber)
	return models.SecurityFeature{
		Kind:               models.FeatureWatermark,
		Payload:            []byte(text),
		VerificationMethod: models.MethodOptical,
	}
}

// hologram payload: nonce(32) || SHA-256("hologram" || idNumber || nonce).
func (g *Generator) hologram(idNumber id.NationalID) (models.SecurityFeature, error) {
	nonce, err := g.read(HologramNonceSize)
	if err != nil {
		return models.SecurityFeature{}, err
	}
	h := sha256.New()
	h.Write([]byte("hologram"))
	h.Write([]byte(idNumber))
	h.Write(nonce)
	return models.SecurityFeature{
		Kind:               models.FeatureHologram,
		Payload:            h.Sum(nonce),
		VerificationMethod: models.MethodScanner,
	}, nil
}

func microprint(docType models.DocumentType, idNumber id.NationalID, at time.Time) models.SecurityFeature {
	line := "MP|" + strings.ToUpper(string(docType)) + "|" + string(idNumber) + "|" + strconv.FormatInt(at.UnixMilli(), 10)
	return models.SecurityFeature{
		Kind:               models.FeatureMicroprint,
		Payload:            []byte(line),
		VerificationMethod: models.MethodMicroscope,
	}
}

func (g *Generator) uv() (models.SecurityFeature, error) {
	marker, err := g.read(UVMarkerSize)
	if err != nil {
		return models.SecurityFeature{}, err
	}
	return models.SecurityFeature{
		Kind:               models.FeatureUV,
		Payload:            marker,
		VerificationMethod: models.MethodUVLight,
	}, nil
}

// rfid payload: uid(16) || SHA-256(docType || idNumber || uid)[:16].
func (g *Generator) rfid(docType models.DocumentType, idNumber id.NationalID) (models.SecurityFeature, error) {
	uid, err := g.read(RFIDUIDSize)
	if err != nil {
		return models.SecurityFeature{}, err
	}
	h := sha256.New()
	h.Write([]byte(docType))
	h.Write([]byte(idNumber))
	h.Write(uid)
	tag := h.Sum(nil)[:rfidTagSize]
	return models.SecurityFeature{
		Kind:               models.FeatureRFID,
		Payload:            append(uid, tag...),
		VerificationMethod: models.MethodRFIDScanner,
	}, nil
}

// BiometricFeature wraps an encrypted biometric blob.
func BiometricFeature(blob []byte) models.SecurityFeature {
	return models.SecurityFeature{
		Kind:               models.FeatureBiometric,
		Payload:            blob,
		VerificationMethod: models.MethodBiometricScanner,
	}
}

func (g *Generator) read(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "randomness unavailable")
	}
	return b, nil
}
