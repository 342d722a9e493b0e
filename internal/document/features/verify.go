package features

import (
	"bytes"
	"crypto/sha256"

	"docseal/internal/document/models"
)

// Check recomputes the derivable part of a feature against the document it
// was issued with. Features with no derivable content (uv, biometric) only
// need a non-empty payload.
func Check(f models.SecurityFeature, docType models.DocumentType, idNumber string) bool {
	switch f.Kind {
	case models.FeatureWatermark:
		return bytes.Contains(f.Payload, []byte(idNumber))
	case models.FeatureHologram:
		if len(f.Payload) != HologramNonceSize+sha256.Size {
			return false
		}
		nonce := f.Payload[:HologramNonceSize]
		h := sha256.New()
		h.Write([]byte("hologram"))
		h.Write([]byte(idNumber))
		h.Write(nonce)
		return bytes.Equal(h.Sum(nil), f.Payload[HologramNonceSize:])
	case models.FeatureMicroprint:
		return bytes.Contains(f.Payload, []byte("|"+idNumber+"|"))
	case models.FeatureRFID:
		if len(f.Payload) != RFIDUIDSize+rfidTagSize {
			return false
		}
		uid := f.Payload[:RFIDUIDSize]
		h := sha256.New()
		h.Write([]byte(docType))
		h.Write([]byte(idNumber))
		h.Write(uid)
		return bytes.Equal(h.Sum(nil)[:rfidTagSize], f.Payload[RFIDUIDSize:])
	case models.FeatureUV:
		return len(f.Payload) == UVMarkerSize
	case models.FeatureBiometric:
		return len(f.Payload) > 0
	}
	return false
}
