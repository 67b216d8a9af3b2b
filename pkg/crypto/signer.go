package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
)

// SignatureError reports a malformed key or signing failure.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "signature: " + e.Reason
}

// VerifyError reports a verification mismatch with a machine-readable
// reason code.
type VerifyError struct {
	ReasonCode string
}

func (e *VerifyError) Error() string {
	return "verify: " + e.ReasonCode
}

// Verification reason codes.
const (
	VerifyReasonBadPublicKey     = "PUBLIC_KEY_INVALID"
	VerifyReasonBadSignature     = "SIGNATURE_MALFORMED"
	VerifyReasonMismatch         = "SIGNATURE_MISMATCH"
	VerifyReasonPurposeUnknown   = "SIGNING_PURPOSE_UNKNOWN"
	VerifyReasonEnvelopeEncoding = "SIGNING_ENVELOPE_ENCODING"
)

// Signer is the signing capability. Signing is I/O: implementations may be
// local keys, remote HTTP signers, or stdio plugins, so every call takes a
// context. payloadHash is the raw digest bytes being attested.
type Signer interface {
	Sign(ctx context.Context, payloadHash []byte, purpose Purpose, sctx map[string]interface{}) (string, error)
	KeyID() string
}

// envelope is the material actually signed. Binding the purpose and context
// here prevents cross-purpose signature replay.
func envelope(payloadHash []byte, purpose Purpose, sctx map[string]interface{}) ([]byte, error) {
	if !purpose.Valid() {
		return nil, &SignatureError{Reason: fmt.Sprintf("unknown purpose %q", purpose)}
	}
	if sctx == nil {
		sctx = map[string]interface{}{}
	}
	b, err := canonical.JCS(map[string]interface{}{
		"v":           1,
		"purpose":     string(purpose),
		"context":     sctx,
		"payloadHash": hex.EncodeToString(payloadHash),
	})
	if err != nil {
		return nil, &SignatureError{Reason: err.Error()}
	}
	return b, nil
}

// Ed25519Signer signs with a local in-process key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &SignatureError{Reason: fmt.Sprintf("key generation failed: %v", err)}
	}
	return &Ed25519Signer{priv: priv, pub: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed derives a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, &SignatureError{Reason: fmt.Sprintf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))}
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: keyID,
	}, nil
}

// Sign produces a base64 Ed25519 signature over the purpose-bound envelope.
func (s *Ed25519Signer) Sign(ctx context.Context, payloadHash []byte, purpose Purpose, sctx map[string]interface{}) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := envelope(payloadHash, purpose, sctx)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.priv, msg)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// KeyID returns the signer's key identifier.
func (s *Ed25519Signer) KeyID() string { return s.keyID }

// PublicKeyHex returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// PublicKey returns the raw public key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Verify checks a base64 signature against the purpose-bound envelope.
// Both the purpose and the context must match what was signed.
func Verify(publicKeyHex, signatureB64 string, payloadHash []byte, purpose Purpose, sctx map[string]interface{}) error {
	if !purpose.Valid() {
		return &VerifyError{ReasonCode: VerifyReasonPurposeUnknown}
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return &VerifyError{ReasonCode: VerifyReasonBadPublicKey}
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return &VerifyError{ReasonCode: VerifyReasonBadSignature}
	}
	msg, err := envelope(payloadHash, purpose, sctx)
	if err != nil {
		return &VerifyError{ReasonCode: VerifyReasonEnvelopeEncoding}
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return &VerifyError{ReasonCode: VerifyReasonMismatch}
	}
	return nil
}
