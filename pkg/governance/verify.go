package governance

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
)

// SignPolicy fills a policy's payloadHash, signature, and signerKeyId using
// the root signer.
func SignPolicy(ctx context.Context, signer crypto.Signer, p Policy) (Policy, error) {
	p.PayloadHash = ""
	p.Signature = ""
	p.SignerKeyID = ""
	hash, err := PolicyPayloadHash(p)
	if err != nil {
		return Policy{}, err
	}
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return Policy{}, err
	}
	sig, err := signer.Sign(ctx, hashBytes, crypto.PurposeGovernancePolicy, map[string]interface{}{
		"policyId": p.PolicyID,
	})
	if err != nil {
		return Policy{}, err
	}
	p.PayloadHash = hash
	p.Signature = sig
	p.SignerKeyID = signer.KeyID()
	return p, nil
}

// SignRevocations fills a revocation list's signature fields using the root
// signer.
func SignRevocations(ctx context.Context, signer crypto.Signer, l RevocationList) (RevocationList, error) {
	l.PayloadHash = ""
	l.Signature = ""
	l.SignerKeyID = ""
	hash, err := RevocationPayloadHash(l)
	if err != nil {
		return RevocationList{}, err
	}
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return RevocationList{}, err
	}
	sig, err := signer.Sign(ctx, hashBytes, crypto.PurposeRevocationList, map[string]interface{}{
		"listId": l.ListID,
	})
	if err != nil {
		return RevocationList{}, err
	}
	l.PayloadHash = hash
	l.Signature = sig
	l.SignerKeyID = signer.KeyID()
	return l, nil
}

// Verifier checks governance chains against a set of trusted root keys,
// keyed by key id with hex-encoded Ed25519 public keys as values.
type Verifier struct {
	RootKeys map[string]string
}

func (v *Verifier) rootKey(keyID string) (string, error) {
	pub, ok := v.RootKeys[keyID]
	if !ok {
		return "", &Error{Code: CodeRootKeyUnknown, Detail: "no trusted root key " + keyID}
	}
	return pub, nil
}

// VerifyChain validates the full governance chain for a bundle: the policy
// signature against a trusted root, the policy's revocation reference
// against the actual revocation file bytes, and the revocation list's own
// signature by the same root.
func (v *Verifier) VerifyChain(policy Policy, revocations RevocationList, revocationPath string, revocationBytes []byte) error {
	if policy.Signature == "" || policy.SignerKeyID == "" {
		return &Error{Code: CodePolicySignatureRequired, Detail: "policy is unsigned"}
	}
	rootPub, err := v.rootKey(policy.SignerKeyID)
	if err != nil {
		return err
	}
	hash, err := PolicyPayloadHash(policy)
	if err != nil {
		return &Error{Code: CodePolicySignatureRequired, Detail: err.Error()}
	}
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return &Error{Code: CodePolicySignatureRequired, Detail: err.Error()}
	}
	if err := crypto.Verify(rootPub, policy.Signature, hashBytes, crypto.PurposeGovernancePolicy, map[string]interface{}{
		"policyId": policy.PolicyID,
	}); err != nil {
		return &Error{Code: CodePolicySignatureRequired, Detail: err.Error()}
	}

	if policy.RevocationRef.Path != revocationPath {
		return &Error{
			Code:   CodeRevocationRefMismatch,
			Detail: fmt.Sprintf("policy references %q, bundle carries %q", policy.RevocationRef.Path, revocationPath),
		}
	}
	if got := canonical.HashBytes(revocationBytes); got != policy.RevocationRef.SHA256 {
		return &Error{
			Code:   CodeRevocationRefMismatch,
			Detail: fmt.Sprintf("revocation list hash %s does not match policy reference %s", got, policy.RevocationRef.SHA256),
		}
	}

	if revocations.Signature == "" || revocations.SignerKeyID == "" {
		return &Error{Code: CodeRevocationSigRequired, Detail: "revocation list is unsigned"}
	}
	if revocations.SignerKeyID != policy.SignerKeyID {
		return &Error{Code: CodeRevocationSigRequired, Detail: "revocation list signed by a different root"}
	}
	revHash, err := RevocationPayloadHash(revocations)
	if err != nil {
		return &Error{Code: CodeRevocationSigRequired, Detail: err.Error()}
	}
	revHashBytes, err := hex.DecodeString(revHash)
	if err != nil {
		return &Error{Code: CodeRevocationSigRequired, Detail: err.Error()}
	}
	if err := crypto.Verify(rootPub, revocations.Signature, revHashBytes, crypto.PurposeRevocationList, map[string]interface{}{
		"listId": revocations.ListID,
	}); err != nil {
		return &Error{Code: CodeRevocationSigRequired, Detail: err.Error()}
	}
	return nil
}

// CheckSigner verifies that keyID may sign role artifacts for subjectType
// under the policy and was not revoked at signedAt.
func (v *Verifier) CheckSigner(policy Policy, revocations RevocationList, subjectType, role, keyID, signedAt string) error {
	rule := policy.RuleFor(subjectType)
	if rule == nil {
		return &Error{
			Code:   CodeSignerNotAuthorized,
			Detail: fmt.Sprintf("no governance rule for subject type %q", subjectType),
		}
	}
	if !rule.allowedKey(role, keyID) {
		return &Error{
			Code:   CodeSignerNotAuthorized,
			Detail: fmt.Sprintf("key %s is not authorized for %s on %s", keyID, role, subjectType),
		}
	}
	if revocations.Revoked(keyID, signedAt) {
		return &Error{
			Code:   CodeSignerRevoked,
			Detail: fmt.Sprintf("key %s was revoked before %s", keyID, signedAt),
		}
	}
	return nil
}
