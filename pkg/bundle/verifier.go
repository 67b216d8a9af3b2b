package bundle

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/governance"
)

// Integrity reason codes.
const (
	CodeManifestMissing          = "BUNDLE_MANIFEST_MISSING"
	CodeManifestHashMismatch     = "BUNDLE_MANIFEST_HASH_MISMATCH"
	CodeFileHashMismatch         = "BUNDLE_FILE_HASH_MISMATCH"
	CodeFileMissing              = "BUNDLE_FILE_MISSING"
	CodeFileUnlisted             = "BUNDLE_FILE_UNLISTED"
	CodeJobAttestationRequired   = "JOB_PROOF_HEAD_ATTESTATION_REQUIRED"
	CodeMonthAttestationRequired = "MONTH_PROOF_ATTESTATION_REQUIRED"
	CodeAttestationHashMismatch  = "BUNDLE_ATTESTATION_HASH_MISMATCH"
	CodeAttestationSigInvalid    = "BUNDLE_ATTESTATION_SIGNATURE_INVALID"
	CodeReportSigInvalid         = "BUNDLE_REPORT_SIGNATURE_INVALID"
)

// IntegrityError is a fatal bundle verification failure. There is no
// best-effort mode: the first failed check aborts verification.
type IntegrityError struct {
	Code   string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("bundle: %s: %s", e.Code, e.Detail)
}

// Verifier re-checks an assembled bundle: manifest coverage and hashes,
// attestation hash and signature, report signature, and the governance
// chain authorizing both signers. PublicKeys maps signer key ids to hex
// Ed25519 public keys.
type Verifier struct {
	Governance *governance.Verifier
	PublicKeys map[string]string
}

// VerifyResult reports what a successful verification established.
type VerifyResult struct {
	Kind            string   `json:"kind"`
	ManifestHash    string   `json:"manifestHash"`
	AttestationHash string   `json:"attestationHash"`
	FilesChecked    int      `json:"filesChecked"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Verify runs the full check chain on a bundle's files.
func (v *Verifier) Verify(files map[string][]byte) (VerifyResult, error) {
	manifestBytes, ok := files[PathManifest]
	if !ok {
		return VerifyResult{}, &IntegrityError{Code: CodeManifestMissing, Detail: PathManifest + " absent"}
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return VerifyResult{}, &IntegrityError{Code: CodeManifestMissing, Detail: "manifest unreadable: " + err.Error()}
	}

	wantHash, err := manifestHash(manifest)
	if err != nil {
		return VerifyResult{}, err
	}
	if wantHash != manifest.ManifestHash {
		return VerifyResult{}, &IntegrityError{
			Code:   CodeManifestHashMismatch,
			Detail: fmt.Sprintf("recomputed %s, manifest claims %s", wantHash, manifest.ManifestHash),
		}
	}

	listed := make(map[string]struct{}, len(manifest.Files))
	for _, f := range manifest.Files {
		listed[f.Name] = struct{}{}
		body, ok := files[f.Name]
		if !ok {
			return VerifyResult{}, &IntegrityError{Code: CodeFileMissing, Detail: f.Name}
		}
		if got := canonical.HashBytes(body); got != f.SHA256 {
			return VerifyResult{}, &IntegrityError{
				Code:   CodeFileHashMismatch,
				Detail: fmt.Sprintf("%s: recomputed %s, manifest pins %s", f.Name, got, f.SHA256),
			}
		}
		if len(body) != f.Bytes {
			return VerifyResult{}, &IntegrityError{
				Code:   CodeFileHashMismatch,
				Detail: fmt.Sprintf("%s: %d bytes on disk, manifest pins %d", f.Name, len(body), f.Bytes),
			}
		}
	}
	for p := range files {
		if structural(p) || excluded(p) {
			continue
		}
		if _, ok := listed[p]; !ok {
			return VerifyResult{}, &IntegrityError{Code: CodeFileUnlisted, Detail: p}
		}
	}

	attestation, err := v.verifyAttestation(files, manifest)
	if err != nil {
		return VerifyResult{}, err
	}
	warnings, err := v.verifyReport(files, manifest, attestation)
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{
		Kind:            manifest.Type,
		ManifestHash:    manifest.ManifestHash,
		AttestationHash: attestation.AttestationHash,
		FilesChecked:    len(manifest.Files),
		Warnings:        warnings,
	}, nil
}

func attestationRequiredCode(kind string) string {
	if kind == KindMonthProof {
		return CodeMonthAttestationRequired
	}
	return CodeJobAttestationRequired
}

func (v *Verifier) verifyAttestation(files map[string][]byte, manifest Manifest) (HeadAttestation, error) {
	raw, ok := files[PathAttestation]
	if !ok {
		return HeadAttestation{}, &IntegrityError{
			Code:   attestationRequiredCode(manifest.Type),
			Detail: PathAttestation + " absent",
		}
	}
	var a HeadAttestation
	if err := json.Unmarshal(raw, &a); err != nil {
		return HeadAttestation{}, &IntegrityError{
			Code:   attestationRequiredCode(manifest.Type),
			Detail: "attestation unreadable: " + err.Error(),
		}
	}
	if a.Signature == "" || a.SignerKeyID == "" {
		return HeadAttestation{}, &IntegrityError{
			Code:   attestationRequiredCode(manifest.Type),
			Detail: "attestation is unsigned",
		}
	}
	if a.ManifestHash != manifest.ManifestHash {
		return HeadAttestation{}, &IntegrityError{
			Code:   CodeAttestationHashMismatch,
			Detail: "attestation binds a different manifest",
		}
	}

	wantHash, err := attestationHash(a)
	if err != nil {
		return HeadAttestation{}, err
	}
	if wantHash != a.AttestationHash {
		return HeadAttestation{}, &IntegrityError{
			Code:   CodeAttestationHashMismatch,
			Detail: fmt.Sprintf("recomputed %s, attestation claims %s", wantHash, a.AttestationHash),
		}
	}

	if err := v.checkGoverned(files, manifest.Type, governance.RoleHeadAttestation, a.SignerKeyID, a.GeneratedAt); err != nil {
		return HeadAttestation{}, err
	}

	pub, ok := v.PublicKeys[a.SignerKeyID]
	if !ok {
		return HeadAttestation{}, &IntegrityError{Code: CodeAttestationSigInvalid, Detail: "unknown signer key " + a.SignerKeyID}
	}
	hashBytes, err := hex.DecodeString(a.AttestationHash)
	if err != nil {
		return HeadAttestation{}, &IntegrityError{Code: CodeAttestationSigInvalid, Detail: err.Error()}
	}
	if err := crypto.Verify(pub, a.Signature, hashBytes, crypto.PurposeBundleHeadAttestation, map[string]interface{}{
		"kind":         a.Kind,
		"manifestHash": a.ManifestHash,
	}); err != nil {
		return HeadAttestation{}, &IntegrityError{Code: CodeAttestationSigInvalid, Detail: err.Error()}
	}
	return a, nil
}

func (v *Verifier) verifyReport(files map[string][]byte, manifest Manifest, attestation HeadAttestation) ([]string, error) {
	raw, ok := files[PathReport]
	if !ok {
		return nil, &IntegrityError{Code: CodeReportSigInvalid, Detail: PathReport + " absent"}
	}
	var r VerificationReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &IntegrityError{Code: CodeReportSigInvalid, Detail: "report unreadable: " + err.Error()}
	}
	if r.ManifestHash != manifest.ManifestHash {
		return nil, &IntegrityError{Code: CodeReportSigInvalid, Detail: "report binds a different manifest"}
	}
	if r.BundleHeadAttestation != attestation.AttestationHash {
		return nil, &IntegrityError{Code: CodeReportSigInvalid, Detail: "report binds a different attestation"}
	}

	wantHash, err := reportHash(r)
	if err != nil {
		return nil, err
	}
	if wantHash != r.PayloadHash {
		return nil, &IntegrityError{Code: CodeReportSigInvalid, Detail: "report payload hash mismatch"}
	}

	if err := v.checkGoverned(files, manifest.Type, governance.RoleVerificationReport, r.SignerKeyID, r.GeneratedAt); err != nil {
		return nil, err
	}

	pub, ok := v.PublicKeys[r.SignerKeyID]
	if !ok {
		return nil, &IntegrityError{Code: CodeReportSigInvalid, Detail: "unknown signer key " + r.SignerKeyID}
	}
	hashBytes, err := hex.DecodeString(r.PayloadHash)
	if err != nil {
		return nil, &IntegrityError{Code: CodeReportSigInvalid, Detail: err.Error()}
	}
	if err := crypto.Verify(pub, r.Signature, hashBytes, crypto.PurposeVerificationReport, map[string]interface{}{
		"manifestHash": r.ManifestHash,
	}); err != nil {
		return nil, &IntegrityError{Code: CodeReportSigInvalid, Detail: err.Error()}
	}
	return r.Warnings, nil
}

// checkGoverned resolves the bundled governance pair and checks the signer
// against it.
func (v *Verifier) checkGoverned(files map[string][]byte, subjectType, role, keyID, signedAt string) error {
	policyBytes, ok := files[PathPolicy]
	if !ok {
		return &governance.Error{Code: governance.CodePolicySignatureRequired, Detail: PathPolicy + " absent"}
	}
	revBytes, ok := files[PathRevocations]
	if !ok {
		return &governance.Error{Code: governance.CodeRevocationSigRequired, Detail: PathRevocations + " absent"}
	}
	if err := governance.ValidatePolicyJSON(policyBytes); err != nil {
		return err
	}
	if err := governance.ValidateRevocationJSON(revBytes); err != nil {
		return err
	}

	var policy governance.Policy
	if err := json.Unmarshal(policyBytes, &policy); err != nil {
		return &governance.Error{Code: governance.CodePolicySchemaInvalid, Detail: err.Error()}
	}
	var revocations governance.RevocationList
	if err := json.Unmarshal(revBytes, &revocations); err != nil {
		return &governance.Error{Code: governance.CodeRevocationSchemaInvalid, Detail: err.Error()}
	}

	if err := v.Governance.VerifyChain(policy, revocations, PathRevocations, revBytes); err != nil {
		return err
	}
	return v.Governance.CheckSigner(policy, revocations, subjectType, role, keyID, signedAt)
}
