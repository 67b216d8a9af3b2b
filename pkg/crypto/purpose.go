// Package crypto provides Ed25519 signing and verification with
// purpose-bound envelopes. A signature produced for one purpose can never
// be replayed into another: the purpose and a small context object are
// folded into the signed material.
package crypto

// Purpose names what a signature is for. The set is closed; signing with an
// unknown purpose is rejected.
type Purpose string

const (
	PurposeEventPayload             Purpose = "event_payload"
	PurposeGovernancePolicy         Purpose = "governance_policy"
	PurposeRevocationList           Purpose = "revocation_list"
	PurposeTimestampProof           Purpose = "timestamp_proof"
	PurposePricingMatrix            Purpose = "pricing_matrix"
	PurposeBundleHeadAttestation    Purpose = "bundle_head_attestation"
	PurposeVerificationReport       Purpose = "verification_report"
	PurposeSettlementDecisionReport Purpose = "settlement_decision_report"
)

var knownPurposes = map[Purpose]struct{}{
	PurposeEventPayload:             {},
	PurposeGovernancePolicy:         {},
	PurposeRevocationList:           {},
	PurposeTimestampProof:           {},
	PurposePricingMatrix:            {},
	PurposeBundleHeadAttestation:    {},
	PurposeVerificationReport:       {},
	PurposeSettlementDecisionReport: {},
}

// Valid reports whether p is in the closed purpose set.
func (p Purpose) Valid() bool {
	_, ok := knownPurposes[p]
	return ok
}
