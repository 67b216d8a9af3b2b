// Package bundle assembles and verifies deterministic proof bundles: a
// {path -> bytes} file set pinned by a canonical manifest, a signed head
// attestation binding the manifest to stream heads, and a verification
// report emitted outside the manifest to avoid circularity.
package bundle

import (
	"sort"
	"strings"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
)

// Supported bundle kinds.
const (
	KindJobProof    = "JobProofBundle.v1"
	KindMonthProof  = "MonthProofBundle.v1"
	KindFinancePack = "FinancePackBundle.v1"
	KindInvoice     = "InvoiceBundle.v1"
	KindClosePack   = "ClosePack.v1"
)

// Well-known paths inside a bundle.
const (
	PathManifest    = "manifest.json"
	PathRoot        = "settld.json"
	PathPolicy      = "governance/policy.json"
	PathRevocations = "governance/revocations.json"
	PathAttestation = "attestation/bundle_head_attestation.json"
	PathReport      = "verify/verification_report.json"
)

// Mount points for composite bundles.
const (
	MountJobProof = "payload/job_proof_bundle"
	MountMonth    = "month"
	MountInvoice  = "payload/invoice_bundle"
)

// ManifestExcludes is the declared exclusion set. manifest.json and
// attestation/** are structural and never listed either; the attestation
// binds the manifest hash, so it cannot appear inside the manifest.
var ManifestExcludes = []string{"verify/**"}

// Bundle is one assembled bundle.
type Bundle struct {
	Kind  string
	Files map[string][]byte
}

// ManifestFile pins one file.
type ManifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Hashing describes how the manifest was computed.
type Hashing struct {
	SchemaVersion int      `json:"schemaVersion"`
	FileOrder     string   `json:"fileOrder"`
	Excludes      []string `json:"excludes"`
}

// Manifest is the canonical file listing that defines a bundle's identity.
type Manifest struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Type          string                 `json:"type"`
	TenantID      string                 `json:"tenantId"`
	Scope         map[string]interface{} `json:"scope"`
	CreatedAt     string                 `json:"createdAt"`
	Protocol      string                 `json:"protocol,omitempty"`
	Hashing       Hashing                `json:"hashing"`
	Files         []ManifestFile         `json:"files"`
	ManifestHash  string                 `json:"manifestHash,omitempty"`
}

// HeadAttestation binds a manifest hash and the contributing stream heads
// to a signer key.
type HeadAttestation struct {
	Kind            string                 `json:"kind"`
	TenantID        string                 `json:"tenantId"`
	Scope           map[string]interface{} `json:"scope"`
	GeneratedAt     string                 `json:"generatedAt"`
	ManifestHash    string                 `json:"manifestHash"`
	Heads           map[string]string      `json:"heads"`
	AttestationHash string                 `json:"attestationHash,omitempty"`
	Signature       string                 `json:"signature,omitempty"`
	SignerKeyID     string                 `json:"signerKeyId,omitempty"`
}

// ToolProvenance records what produced a verification report.
type ToolProvenance struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// VerificationReport is emitted last, outside the manifest.
type VerificationReport struct {
	Schema                string         `json:"schema"`
	ManifestHash          string         `json:"manifestHash"`
	BundleHeadAttestation string         `json:"bundleHeadAttestation"`
	Inputs                []ManifestFile `json:"inputs"`
	Warnings              []string       `json:"warnings,omitempty"`
	GeneratedAt           string         `json:"generatedAt"`
	Tool                  ToolProvenance `json:"tool"`
	PayloadHash           string         `json:"payloadHash,omitempty"`
	Signature             string         `json:"signature,omitempty"`
	SignerKeyID           string         `json:"signerKeyId,omitempty"`
}

// ReportSchema is the verification report document schema.
const ReportSchema = "VerificationReport.v1"

// encodeJSON renders canonical JSON with a trailing newline, the format of
// every builder-emitted JSON file.
func encodeJSON(v interface{}) ([]byte, error) {
	b, err := canonical.JCS(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// structural reports whether a path is never listed in the manifest.
func structural(path string) bool {
	return path == PathManifest || strings.HasPrefix(path, "attestation/")
}

// excluded reports whether a path matches the declared exclusion set.
func excluded(path string) bool {
	return strings.HasPrefix(path, "verify/")
}

// manifestPaths returns the manifest-eligible paths in ASCII order.
func manifestPaths(files map[string][]byte) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		if structural(p) || excluded(p) {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// BuildManifest computes the manifest for a file set. The returned
// manifest has ManifestHash filled.
func BuildManifest(kind, tenantID string, scope map[string]interface{}, createdAt, protocol string, files map[string][]byte) (Manifest, error) {
	if scope == nil {
		scope = map[string]interface{}{}
	}
	m := Manifest{
		SchemaVersion: 1,
		Type:          kind,
		TenantID:      tenantID,
		Scope:         scope,
		CreatedAt:     createdAt,
		Protocol:      protocol,
		Hashing: Hashing{
			SchemaVersion: 1,
			FileOrder:     "path_asc",
			Excludes:      ManifestExcludes,
		},
	}
	for _, p := range manifestPaths(files) {
		body := files[p]
		m.Files = append(m.Files, ManifestFile{
			Name:   p,
			SHA256: canonical.HashBytes(body),
			Bytes:  len(body),
		})
	}
	hash, err := manifestHash(m)
	if err != nil {
		return Manifest{}, err
	}
	m.ManifestHash = hash
	return m, nil
}

// manifestHash hashes the canonical manifest with ManifestHash cleared.
func manifestHash(m Manifest) (string, error) {
	m.ManifestHash = ""
	return canonical.CanonicalHash(m)
}

// attestationHash hashes the attestation with its signature fields cleared.
func attestationHash(a HeadAttestation) (string, error) {
	a.AttestationHash = ""
	a.Signature = ""
	a.SignerKeyID = ""
	return canonical.CanonicalHash(a)
}

// reportHash hashes the report with its signature fields cleared.
func reportHash(r VerificationReport) (string, error) {
	r.PayloadHash = ""
	r.Signature = ""
	r.SignerKeyID = ""
	return canonical.CanonicalHash(r)
}
