package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRing tracks public keys by key id for verification, with rotation
// support. The active signer is the lexicographically last key, mirroring
// how rotated keys are named (settld-root-2025 > settld-root-2024).
type KeyRing struct {
	mu      sync.RWMutex
	keys    map[string]string // keyID -> public key hex
	signers map[string]Signer
}

// NewKeyRing creates an empty keyring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		keys:    make(map[string]string),
		signers: make(map[string]Signer),
	}
}

// AddPublicKey registers a verification-only key.
func (k *KeyRing) AddPublicKey(keyID, publicKeyHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = publicKeyHex
}

// AddSigner registers a signer whose public half is also usable for
// verification.
func (k *KeyRing) AddSigner(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[s.KeyID()] = s.PublicKeyHex()
	k.signers[s.KeyID()] = s
}

// RemoveKey drops a key (rotation or revocation).
func (k *KeyRing) RemoveKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
	delete(k.signers, keyID)
}

// PublicKey returns the hex public key for keyID.
func (k *KeyRing) PublicKey(keyID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[keyID]
	return pub, ok
}

// PublicKeys returns a copy of the keyID -> public key map.
func (k *KeyRing) PublicKeys() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.keys))
	for id, pub := range k.keys {
		out[id] = pub
	}
	return out
}

// ActiveSigner returns the signer with the lexicographically last key id.
func (k *KeyRing) ActiveSigner() (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("keyring has no signing keys")
	}
	sort.Strings(ids)
	return k.signers[ids[len(ids)-1]], nil
}

// VerifyWith verifies a signature against the named key.
func (k *KeyRing) VerifyWith(keyID, signatureB64 string, payloadHash []byte, purpose Purpose, sctx map[string]interface{}) error {
	pub, ok := k.PublicKey(keyID)
	if !ok {
		return &VerifyError{ReasonCode: VerifyReasonBadPublicKey}
	}
	return Verify(pub, signatureB64, payloadHash, purpose, sctx)
}
