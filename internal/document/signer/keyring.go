package signer

import (
	"crypto"
	"sync"
)

// KeyRing maps key IDs to trusted issuer public keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]crypto.PublicKey)}
}

func (r *KeyRing) Add(keyID string, pub crypto.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = pub
}

// IssuerPublicKey returns the trusted key for keyID.
func (r *KeyRing) IssuerPublicKey(keyID string) (crypto.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[keyID]
	return pub, ok
}

func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
