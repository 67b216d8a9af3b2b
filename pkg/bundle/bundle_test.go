package bundle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/governance"
)

const generatedAt = "2026-03-01T12:00:00Z"

type bundleFixture struct {
	builder  *Builder
	verifier *Verifier
	signer   *crypto.Ed25519Signer
}

func newBundleFixture(t *testing.T) bundleFixture {
	t.Helper()

	signer, err := crypto.NewEd25519Signer("bundle-signer")
	require.NoError(t, err)
	root, err := crypto.NewEd25519Signer("governance-root")
	require.NoError(t, err)

	rule := func(kind string) governance.Rule {
		return governance.Rule{
			SubjectType:       kind,
			AttestationKeyIDs: []string{signer.KeyID()},
			ReportKeyIDs:      []string{signer.KeyID()},
			Scope:             governance.ScopeTenant,
			RequireGoverned:   true,
		}
	}

	b := &Builder{
		Signer:     signer,
		RootSigner: root,
		Policy: &governance.Policy{
			Schema:   governance.PolicySchema,
			PolicyID: "gp_1",
			TenantID: "tn_acme",
			Rules:    []governance.Rule{rule(KindJobProof), rule(KindMonthProof)},
		},
		Revocations: &governance.RevocationList{
			Schema: governance.RevocationSchema,
			ListID: "rl_1",
			Keys:   []governance.RevokedKey{},
		},
		ToolVersion: "1.4.0",
		ToolCommit:  "deadbeef",
	}
	v := &Verifier{
		Governance: &governance.Verifier{RootKeys: map[string]string{root.KeyID(): root.PublicKeyHex()}},
		PublicKeys: map[string]string{signer.KeyID(): signer.PublicKeyHex()},
	}
	return bundleFixture{builder: b, verifier: v, signer: signer}
}

func jobProofInput() BuildInput {
	return BuildInput{
		Kind:        KindJobProof,
		TenantID:    "tn_acme",
		Scope:       map[string]interface{}{"runId": "run_1"},
		GeneratedAt: generatedAt,
		Protocol:    "acp",
		Heads:       map[string]string{"session/sess_1": "a1b2c3"},
		Payload: map[string][]byte{
			"events/log.json":   []byte(`{"events":[]}` + "\n"),
			"inputs/brief.json": []byte(`{"task":"summarize"}` + "\n"),
		},
	}
}

func copyFiles(src map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(src))
	for p, b := range src {
		out[p] = b
	}
	return out
}

func requireIntegrityCode(t *testing.T, err error, code string) {
	t.Helper()
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, code, ie.Code)
}

func TestBuilder_Build_RoundTripVerifies(t *testing.T) {
	f := newBundleFixture(t)

	b, warnings, err := f.builder.Build(context.Background(), jobProofInput())
	require.NoError(t, err)
	assert.Empty(t, warnings)

	for _, p := range []string{PathRoot, PathManifest, PathPolicy, PathRevocations, PathAttestation, PathReport} {
		assert.Contains(t, b.Files, p)
	}

	var manifest Manifest
	require.NoError(t, json.Unmarshal(b.Files[PathManifest], &manifest))
	assert.Equal(t, KindJobProof, manifest.Type)
	names := make([]string, 0, len(manifest.Files))
	for _, mf := range manifest.Files {
		names = append(names, mf.Name)
	}
	assert.NotContains(t, names, PathManifest)
	assert.NotContains(t, names, PathAttestation)
	assert.NotContains(t, names, PathReport)
	assert.Contains(t, names, "events/log.json")
	assert.Contains(t, names, PathPolicy)

	res, err := f.verifier.Verify(b.Files)
	require.NoError(t, err)
	assert.Equal(t, KindJobProof, res.Kind)
	assert.Equal(t, manifest.ManifestHash, res.ManifestHash)
	assert.Equal(t, len(manifest.Files), res.FilesChecked)
	assert.Empty(t, res.Warnings)
}

func TestBuilder_Build_Deterministic(t *testing.T) {
	f := newBundleFixture(t)

	a, _, err := f.builder.Build(context.Background(), jobProofInput())
	require.NoError(t, err)
	b, _, err := f.builder.Build(context.Background(), jobProofInput())
	require.NoError(t, err)

	assert.Equal(t, a.Files, b.Files)
}

func TestBuilder_Build_RejectsUnknownKind(t *testing.T) {
	f := newBundleFixture(t)
	in := jobProofInput()
	in.Kind = "MysteryBundle.v9"
	_, _, err := f.builder.Build(context.Background(), in)
	require.Error(t, err)
}

func TestBuilder_Build_RequiresGovernancePair(t *testing.T) {
	f := newBundleFixture(t)
	f.builder.Policy = nil
	_, _, err := f.builder.Build(context.Background(), jobProofInput())
	require.Error(t, err)
}

func TestBuilder_ToolProvenanceWarnings(t *testing.T) {
	f := newBundleFixture(t)
	f.builder.ToolVersion = ""
	f.builder.ToolCommit = ""

	b, warnings, err := f.builder.Build(context.Background(), jobProofInput())
	require.NoError(t, err)
	assert.Equal(t, []string{WarnToolVersionUnknown, WarnToolCommitUnknown}, warnings)

	res, err := f.verifier.Verify(b.Files)
	require.NoError(t, err)
	assert.Equal(t, warnings, res.Warnings)

	var report VerificationReport
	require.NoError(t, json.Unmarshal(b.Files[PathReport], &report))
	assert.Equal(t, "unknown", report.Tool.Version)
	assert.Equal(t, "unknown", report.Tool.Commit)
}

func TestVerifier_DetectsTampering(t *testing.T) {
	f := newBundleFixture(t)
	built, _, err := f.builder.Build(context.Background(), jobProofInput())
	require.NoError(t, err)

	t.Run("missing manifest", func(t *testing.T) {
		files := copyFiles(built.Files)
		delete(files, PathManifest)
		_, err := f.verifier.Verify(files)
		requireIntegrityCode(t, err, CodeManifestMissing)
	})

	t.Run("edited manifest", func(t *testing.T) {
		files := copyFiles(built.Files)
		var m Manifest
		require.NoError(t, json.Unmarshal(files[PathManifest], &m))
		m.CreatedAt = "2026-03-02T00:00:00Z"
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		files[PathManifest] = raw
		_, err = f.verifier.Verify(files)
		requireIntegrityCode(t, err, CodeManifestHashMismatch)
	})

	t.Run("modified payload file", func(t *testing.T) {
		files := copyFiles(built.Files)
		files["events/log.json"] = []byte(`{"events":["forged"]}`)
		_, err := f.verifier.Verify(files)
		requireIntegrityCode(t, err, CodeFileHashMismatch)
	})

	t.Run("missing listed file", func(t *testing.T) {
		files := copyFiles(built.Files)
		delete(files, "inputs/brief.json")
		_, err := f.verifier.Verify(files)
		requireIntegrityCode(t, err, CodeFileMissing)
	})

	t.Run("extra unlisted file", func(t *testing.T) {
		files := copyFiles(built.Files)
		files["smuggled.json"] = []byte(`{}`)
		_, err := f.verifier.Verify(files)
		requireIntegrityCode(t, err, CodeFileUnlisted)
	})

	t.Run("missing attestation", func(t *testing.T) {
		files := copyFiles(built.Files)
		delete(files, PathAttestation)
		_, err := f.verifier.Verify(files)
		requireIntegrityCode(t, err, CodeJobAttestationRequired)
	})

	t.Run("unknown attestation signer", func(t *testing.T) {
		stranger := &Verifier{Governance: f.verifier.Governance, PublicKeys: map[string]string{}}
		_, err := stranger.Verify(built.Files)
		requireIntegrityCode(t, err, CodeAttestationSigInvalid)
	})
}

func TestVerifier_MonthProofAttestationCode(t *testing.T) {
	f := newBundleFixture(t)
	in := jobProofInput()
	in.Kind = KindMonthProof
	in.Scope = map[string]interface{}{"month": "2026-02"}

	built, _, err := f.builder.Build(context.Background(), in)
	require.NoError(t, err)

	files := copyFiles(built.Files)
	delete(files, PathAttestation)
	_, err = f.verifier.Verify(files)
	requireIntegrityCode(t, err, CodeMonthAttestationRequired)
}

func TestVerifier_SignerNotInPolicyRule(t *testing.T) {
	f := newBundleFixture(t)
	// Governance only authorizes job and month kinds; an invoice bundle has
	// no rule covering its signer.
	in := jobProofInput()
	in.Kind = KindInvoice

	built, _, err := f.builder.Build(context.Background(), in)
	require.NoError(t, err)

	_, err = f.verifier.Verify(built.Files)
	var ge *governance.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, governance.CodeSignerNotAuthorized, ge.Code)
}

func TestBuilder_EmbedCopiesChildBytes(t *testing.T) {
	f := newBundleFixture(t)

	child, _, err := f.builder.Build(context.Background(), jobProofInput())
	require.NoError(t, err)

	parent, _, err := f.builder.Build(context.Background(), BuildInput{
		Kind:        KindMonthProof,
		TenantID:    "tn_acme",
		Scope:       map[string]interface{}{"month": "2026-02"},
		GeneratedAt: generatedAt,
		Heads:       map[string]string{"session/sess_1": "a1b2c3"},
		Embed:       map[string]*Bundle{MountJobProof: child},
	})
	require.NoError(t, err)

	for p, body := range child.Files {
		assert.Equal(t, body, parent.Files[MountJobProof+"/"+p], p)
	}

	res, err := f.verifier.Verify(parent.Files)
	require.NoError(t, err)
	assert.Equal(t, KindMonthProof, res.Kind)

	// The embedded child still verifies on its own.
	childRes, err := f.verifier.Verify(child.Files)
	require.NoError(t, err)
	assert.Equal(t, KindJobProof, childRes.Kind)
}

func TestBuildManifest_ExcludesStructuralAndVerifyPaths(t *testing.T) {
	files := map[string][]byte{
		"b.json":         []byte("b"),
		"a.json":         []byte("a"),
		PathManifest:     []byte("m"),
		PathAttestation:  []byte("att"),
		PathReport:       []byte("r"),
	}
	m, err := BuildManifest(KindJobProof, "tn_acme", nil, generatedAt, "", files)
	require.NoError(t, err)

	require.Len(t, m.Files, 2)
	assert.Equal(t, "a.json", m.Files[0].Name)
	assert.Equal(t, "b.json", m.Files[1].Name)
	assert.Equal(t, "path_asc", m.Hashing.FileOrder)
	assert.Equal(t, ManifestExcludes, m.Hashing.Excludes)
	assert.NotEmpty(t, m.ManifestHash)
}
