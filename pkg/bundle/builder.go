package bundle

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/governance"
)

// Warnings emitted when tool provenance cannot be determined. Warnings
// replace the missing data; nothing non-deterministic is injected.
const (
	WarnToolVersionUnknown = "TOOL_VERSION_UNKNOWN"
	WarnToolCommitUnknown  = "TOOL_COMMIT_UNKNOWN"
)

// Builder assembles bundles. Signer signs head attestations and
// verification reports. RootSigner, when set, signs the governance pair
// inline; otherwise pre-signed Policy/Revocations must be supplied.
type Builder struct {
	Signer      crypto.Signer
	RootSigner  crypto.Signer
	Policy      *governance.Policy
	Revocations *governance.RevocationList
	ToolVersion string
	ToolCommit  string
	Clock       func() time.Time
}

// BuildInput is one bundle request. GeneratedAt pins every timestamp in
// the output; for fixed inputs and GeneratedAt the output is byte-stable.
type BuildInput struct {
	Kind        string
	TenantID    string
	Scope       map[string]interface{}
	GeneratedAt string
	Protocol    string
	Heads       map[string]string
	Payload     map[string][]byte
	Embed       map[string]*Bundle
}

// Build assembles a bundle. Returned warnings are also recorded in the
// verification report.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*Bundle, []string, error) {
	switch in.Kind {
	case KindJobProof, KindMonthProof, KindFinancePack, KindInvoice, KindClosePack:
	default:
		return nil, nil, fmt.Errorf("bundle: unknown kind %q", in.Kind)
	}
	if in.GeneratedAt == "" {
		clock := b.Clock
		if clock == nil {
			clock = time.Now
		}
		in.GeneratedAt = clock().UTC().Format(time.RFC3339Nano)
	}
	if in.Scope == nil {
		in.Scope = map[string]interface{}{}
	}

	files := make(map[string][]byte, len(in.Payload)+8)
	for p, body := range in.Payload {
		files[p] = body
	}
	// Child files are copied byte for byte so the child's manifestHash and
	// attestationHash survive embedding.
	for mount, child := range in.Embed {
		for p, body := range child.Files {
			files[mount+"/"+p] = body
		}
	}

	root, err := encodeJSON(map[string]interface{}{
		"schema":      in.Kind,
		"tenantId":    in.TenantID,
		"scope":       in.Scope,
		"generatedAt": in.GeneratedAt,
		"protocol":    in.Protocol,
	})
	if err != nil {
		return nil, nil, err
	}
	files[PathRoot] = root

	if err := b.emitGovernance(ctx, files, in.GeneratedAt); err != nil {
		return nil, nil, err
	}

	manifest, err := BuildManifest(in.Kind, in.TenantID, in.Scope, in.GeneratedAt, in.Protocol, files)
	if err != nil {
		return nil, nil, err
	}
	manifestBytes, err := encodeJSON(manifest)
	if err != nil {
		return nil, nil, err
	}
	files[PathManifest] = manifestBytes

	attestation, err := b.attest(ctx, in, manifest.ManifestHash)
	if err != nil {
		return nil, nil, err
	}
	attestationBytes, err := encodeJSON(attestation)
	if err != nil {
		return nil, nil, err
	}
	files[PathAttestation] = attestationBytes

	report, warnings, err := b.report(ctx, manifest, attestation, in.GeneratedAt)
	if err != nil {
		return nil, nil, err
	}
	reportBytes, err := encodeJSON(report)
	if err != nil {
		return nil, nil, err
	}
	files[PathReport] = reportBytes

	return &Bundle{Kind: in.Kind, Files: files}, warnings, nil
}

// emitGovernance writes governance/revocations.json then
// governance/policy.json. The revocation file is hashed first so the
// policy's revocationRef can pin it.
func (b *Builder) emitGovernance(ctx context.Context, files map[string][]byte, generatedAt string) error {
	if b.Policy == nil || b.Revocations == nil {
		return fmt.Errorf("bundle: governance policy and revocation list are required")
	}

	revocations := *b.Revocations
	policy := *b.Policy

	if b.RootSigner != nil {
		revocations.SignedAt = generatedAt
		signed, err := governance.SignRevocations(ctx, b.RootSigner, revocations)
		if err != nil {
			return err
		}
		revocations = signed
	} else if revocations.Signature == "" {
		return &governance.Error{Code: governance.CodeRevocationSigRequired, Detail: "no root signer and revocation list unsigned"}
	}

	revBytes, err := encodeJSON(revocations)
	if err != nil {
		return err
	}
	files[PathRevocations] = revBytes

	if b.RootSigner != nil {
		policy.SignedAt = generatedAt
		policy.RevocationRef = governance.RevocationRef{
			Path:   PathRevocations,
			SHA256: canonical.HashBytes(revBytes),
		}
		signed, err := governance.SignPolicy(ctx, b.RootSigner, policy)
		if err != nil {
			return err
		}
		policy = signed
	} else {
		if policy.Signature == "" {
			return &governance.Error{Code: governance.CodePolicySignatureRequired, Detail: "no root signer and policy unsigned"}
		}
		if policy.RevocationRef.Path != PathRevocations || policy.RevocationRef.SHA256 != canonical.HashBytes(revBytes) {
			return &governance.Error{
				Code:   governance.CodeRevocationRefMismatch,
				Detail: "pre-signed policy does not reference the bundled revocation list",
			}
		}
	}

	policyBytes, err := encodeJSON(policy)
	if err != nil {
		return err
	}
	if err := governance.ValidatePolicyJSON(policyBytes); err != nil {
		return err
	}
	if err := governance.ValidateRevocationJSON(revBytes); err != nil {
		return err
	}
	files[PathPolicy] = policyBytes
	return nil
}

func (b *Builder) attest(ctx context.Context, in BuildInput, manifestHash string) (HeadAttestation, error) {
	heads := in.Heads
	if heads == nil {
		heads = map[string]string{}
	}
	a := HeadAttestation{
		Kind:         in.Kind,
		TenantID:     in.TenantID,
		Scope:        in.Scope,
		GeneratedAt:  in.GeneratedAt,
		ManifestHash: manifestHash,
		Heads:        heads,
	}
	hash, err := attestationHash(a)
	if err != nil {
		return HeadAttestation{}, err
	}
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return HeadAttestation{}, err
	}
	sig, err := b.Signer.Sign(ctx, hashBytes, crypto.PurposeBundleHeadAttestation, map[string]interface{}{
		"kind":         in.Kind,
		"manifestHash": manifestHash,
	})
	if err != nil {
		return HeadAttestation{}, err
	}
	a.AttestationHash = hash
	a.Signature = sig
	a.SignerKeyID = b.Signer.KeyID()
	return a, nil
}

func (b *Builder) report(ctx context.Context, manifest Manifest, attestation HeadAttestation, generatedAt string) (VerificationReport, []string, error) {
	var warnings []string
	tool := ToolProvenance{Version: b.ToolVersion, Commit: b.ToolCommit}
	if tool.Version == "" {
		tool.Version = "unknown"
		warnings = append(warnings, WarnToolVersionUnknown)
	}
	if tool.Commit == "" {
		tool.Commit = "unknown"
		warnings = append(warnings, WarnToolCommitUnknown)
	}

	r := VerificationReport{
		Schema:                ReportSchema,
		ManifestHash:          manifest.ManifestHash,
		BundleHeadAttestation: attestation.AttestationHash,
		Inputs:                manifest.Files,
		Warnings:              warnings,
		GeneratedAt:           generatedAt,
		Tool:                  tool,
	}
	hash, err := reportHash(r)
	if err != nil {
		return VerificationReport{}, nil, err
	}
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return VerificationReport{}, nil, err
	}
	sig, err := b.Signer.Sign(ctx, hashBytes, crypto.PurposeVerificationReport, map[string]interface{}{
		"manifestHash": manifest.ManifestHash,
	})
	if err != nil {
		return VerificationReport{}, nil, err
	}
	r.PayloadHash = hash
	r.Signature = sig
	r.SignerKeyID = b.Signer.KeyID()
	return r, warnings, nil
}
