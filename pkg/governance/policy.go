// Package governance models the signed authorization policy that binds
// signer keys to bundle kinds, and the revocation list that retires keys.
// Every downstream artifact verification resolves through these documents;
// any failure is fatal.
package governance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
)

// Document schemas.
const (
	PolicySchema     = "GovernancePolicy.v2"
	RevocationSchema = "RevocationList.v1"
)

// Signing roles a policy rule can authorize.
const (
	RoleHeadAttestation    = "bundle_head_attestation"
	RoleVerificationReport = "verification_report"
)

// Scopes a rule can carry.
const (
	ScopeGlobal = "global"
	ScopeTenant = "tenant"
)

// Fatal verification reason codes.
const (
	CodePolicySignatureRequired = "GOVERNANCE_POLICY_SIGNATURE_REQUIRED"
	CodeRevocationRefMismatch   = "GOVERNANCE_POLICY_REVOCATION_REF_MISMATCH"
	CodeRevocationSigRequired   = "REVOCATION_LIST_SIGNATURE_REQUIRED"
	CodeSignerNotAuthorized     = "GOVERNANCE_SIGNER_NOT_AUTHORIZED"
	CodeSignerRevoked           = "GOVERNANCE_SIGNER_REVOKED"
	CodePolicySchemaInvalid     = "GOVERNANCE_POLICY_SCHEMA_INVALID"
	CodeRevocationSchemaInvalid = "GOVERNANCE_REVOCATION_SCHEMA_INVALID"
	CodeRootKeyUnknown          = "GOVERNANCE_ROOT_KEY_UNKNOWN"
)

// Error is a fatal governance verification failure.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("governance: %s: %s", e.Code, e.Detail)
}

// Rule authorizes signer keys for one subject type (bundle kind).
type Rule struct {
	SubjectType       string   `json:"subjectType"`
	AttestationKeyIDs []string `json:"attestationKeyIds"`
	ReportKeyIDs      []string `json:"reportKeyIds"`
	Scope             string   `json:"scope"`
	RequireGoverned   bool     `json:"requireGoverned"`
	RequiredPurpose   string   `json:"requiredPurpose,omitempty"`
}

// RevocationRef pins the revocation list a policy was issued against.
type RevocationRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Policy is a GovernancePolicy.v2 document. Signature fields are excluded
// from the payload hash.
type Policy struct {
	Schema        string        `json:"schema"`
	PolicyID      string        `json:"policyId"`
	TenantID      string        `json:"tenantId,omitempty"`
	Rules         []Rule        `json:"rules"`
	RevocationRef RevocationRef `json:"revocationRef"`
	SignedAt      string        `json:"signedAt"`
	PayloadHash   string        `json:"payloadHash,omitempty"`
	Signature     string        `json:"signature,omitempty"`
	SignerKeyID   string        `json:"signerKeyId,omitempty"`
}

// RevokedKey retires one signer key from a point in time.
type RevokedKey struct {
	KeyID     string `json:"keyId"`
	RevokedAt string `json:"revokedAt"`
	Reason    string `json:"reason,omitempty"`
}

// RevocationList is a RevocationList.v1 document.
type RevocationList struct {
	Schema      string       `json:"schema"`
	ListID      string       `json:"listId"`
	Keys        []RevokedKey `json:"keys"`
	SignedAt    string       `json:"signedAt"`
	PayloadHash string       `json:"payloadHash,omitempty"`
	Signature   string       `json:"signature,omitempty"`
	SignerKeyID string       `json:"signerKeyId,omitempty"`
}

// payloadHash strips signature fields and hashes the canonical remainder.
func payloadHash(doc interface{}) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	var bag map[string]interface{}
	if err := json.Unmarshal(raw, &bag); err != nil {
		return "", err
	}
	delete(bag, "payloadHash")
	delete(bag, "signature")
	delete(bag, "signerKeyId")
	return canonical.CanonicalHash(bag)
}

// PolicyPayloadHash returns the hash a policy signature covers.
func PolicyPayloadHash(p Policy) (string, error) { return payloadHash(p) }

// RevocationPayloadHash returns the hash a revocation signature covers.
func RevocationPayloadHash(l RevocationList) (string, error) { return payloadHash(l) }

// RuleFor finds the rule matching a subject type, or nil.
func (p Policy) RuleFor(subjectType string) *Rule {
	for i := range p.Rules {
		if p.Rules[i].SubjectType == subjectType {
			return &p.Rules[i]
		}
	}
	return nil
}

// Revoked reports whether keyID was revoked at or before signedAt. Both
// timestamps come from externally signed documents, so they are compared
// as parsed instants rather than strings; an unparseable timestamp on a
// matching key fails closed.
func (l RevocationList) Revoked(keyID, signedAt string) bool {
	signed, signedErr := time.Parse(time.RFC3339Nano, signedAt)
	for _, k := range l.Keys {
		if k.KeyID != keyID {
			continue
		}
		revokedAt, err := time.Parse(time.RFC3339Nano, k.RevokedAt)
		if err != nil || signedErr != nil {
			return true
		}
		if !revokedAt.After(signed) {
			return true
		}
	}
	return false
}

// allowedKey reports whether keyID appears in the rule's key set for role.
func (r Rule) allowedKey(role, keyID string) bool {
	var keys []string
	switch role {
	case RoleHeadAttestation:
		keys = r.AttestationKeyIDs
	case RoleVerificationReport:
		keys = r.ReportKeyIDs
	}
	for _, k := range keys {
		if k == keyID {
			return true
		}
	}
	return false
}
