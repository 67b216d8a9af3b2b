package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_SignAndVerify(t *testing.T) {
	signer, err := NewEd25519Signer("test-key-1")
	require.NoError(t, err)

	hash := make([]byte, 32)
	for i := range hash {
		hash[i] = byte(i)
	}
	sctx := map[string]interface{}{"streamId": "session/sess_1", "eventId": "evt_1"}

	sig, err := signer.Sign(context.Background(), hash, PurposeEventPayload, sctx)
	require.NoError(t, err)

	require.NoError(t, Verify(signer.PublicKeyHex(), sig, hash, PurposeEventPayload, sctx))
}

func TestVerify_RejectsPurposeSwap(t *testing.T) {
	signer, err := NewEd25519Signer("test-key-1")
	require.NoError(t, err)

	hash := make([]byte, 32)
	sig, err := signer.Sign(context.Background(), hash, PurposeEventPayload, nil)
	require.NoError(t, err)

	err = Verify(signer.PublicKeyHex(), sig, hash, PurposeBundleHeadAttestation, nil)
	require.Error(t, err)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, VerifyReasonMismatch, ve.ReasonCode)
}

func TestVerify_RejectsContextSwap(t *testing.T) {
	signer, err := NewEd25519Signer("test-key-1")
	require.NoError(t, err)

	hash := make([]byte, 32)
	sig, err := signer.Sign(context.Background(), hash, PurposeEventPayload, map[string]interface{}{"eventId": "evt_1"})
	require.NoError(t, err)

	err = Verify(signer.PublicKeyHex(), sig, hash, PurposeEventPayload, map[string]interface{}{"eventId": "evt_2"})
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, VerifyReasonMismatch, ve.ReasonCode)
}

func TestVerify_ReasonCodes(t *testing.T) {
	signer, err := NewEd25519Signer("test-key-1")
	require.NoError(t, err)
	hash := make([]byte, 32)
	sig, err := signer.Sign(context.Background(), hash, PurposeEventPayload, nil)
	require.NoError(t, err)

	cases := []struct {
		name    string
		pub     string
		sig     string
		purpose Purpose
		want    string
	}{
		{"bad public key", "zz", sig, PurposeEventPayload, VerifyReasonBadPublicKey},
		{"truncated public key", "abcd", sig, PurposeEventPayload, VerifyReasonBadPublicKey},
		{"malformed signature", signer.PublicKeyHex(), "!!!", PurposeEventPayload, VerifyReasonBadSignature},
		{"unknown purpose", signer.PublicKeyHex(), sig, Purpose("made_up"), VerifyReasonPurposeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Verify(tc.pub, tc.sig, hash, tc.purpose, nil)
			var ve *VerifyError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.want, ve.ReasonCode)
		})
	}
}

func TestEd25519Signer_SeedIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	copy(seed, []byte("deterministic-seed-for-tests...."))

	a, err := NewEd25519SignerFromSeed(seed, "seeded")
	require.NoError(t, err)
	b, err := NewEd25519SignerFromSeed(seed, "seeded")
	require.NoError(t, err)
	assert.Equal(t, a.PublicKeyHex(), b.PublicKeyHex())

	_, err = NewEd25519SignerFromSeed([]byte("short"), "seeded")
	require.Error(t, err)
}

func TestSign_RejectsUnknownPurpose(t *testing.T) {
	signer, err := NewEd25519Signer("test-key-1")
	require.NoError(t, err)
	_, err = signer.Sign(context.Background(), make([]byte, 32), Purpose("nope"), nil)
	require.Error(t, err)
	var se *SignatureError
	assert.ErrorAs(t, err, &se)
}

func TestPurpose_ClosedSet(t *testing.T) {
	for _, p := range []Purpose{
		PurposeEventPayload, PurposeGovernancePolicy, PurposeRevocationList,
		PurposeTimestampProof, PurposePricingMatrix, PurposeBundleHeadAttestation,
		PurposeVerificationReport, PurposeSettlementDecisionReport,
	} {
		assert.True(t, p.Valid(), string(p))
	}
	assert.False(t, Purpose("event_payload ").Valid())
	assert.False(t, Purpose("").Valid())
}
