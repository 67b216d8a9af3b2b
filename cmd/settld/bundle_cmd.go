package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/settld-labs/settld-proxy/pkg/bundle"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/governance"
)

func runBundleCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: settld bundle <build|verify> [flags]")
		return 2
	}
	switch args[0] {
	case "build":
		return runBundleBuild(args[1:], stdout, stderr)
	case "verify":
		return runBundleVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "settld bundle: unknown subcommand %q\n", args[0])
		return 2
	}
}

func runBundleBuild(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundle build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("kind", bundle.KindJobProof, "bundle kind")
	tenant := fs.String("tenant", "", "tenant id")
	out := fs.String("out", "", "output directory")
	payloadDir := fs.String("payload", "", "directory of payload files to include")
	seedHex := fs.String("signer-seed", "", "hex Ed25519 seed for the bundle signer")
	keyID := fs.String("signer-key-id", "bundle-signer", "bundle signer key id")
	rootSeedHex := fs.String("root-seed", "", "hex Ed25519 seed for the governance root")
	rootKeyID := fs.String("root-key-id", "governance-root", "governance root key id")
	generatedAt := fs.String("generated-at", "", "RFC 3339 timestamp pinning the build")
	toolVersion := fs.String("tool-version", "", "tool version recorded in the report")
	toolCommit := fs.String("tool-commit", "", "tool commit recorded in the report")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *out == "" || *seedHex == "" || *rootSeedHex == "" {
		fmt.Fprintln(stderr, "settld bundle build: -tenant, -out, -signer-seed, and -root-seed are required")
		return 2
	}

	signer, err := signerFromSeed(*seedHex, *keyID)
	if err != nil {
		fmt.Fprintln(stderr, "settld bundle build:", err)
		return 1
	}
	rootSigner, err := signerFromSeed(*rootSeedHex, *rootKeyID)
	if err != nil {
		fmt.Fprintln(stderr, "settld bundle build:", err)
		return 1
	}

	payload := map[string][]byte{}
	if *payloadDir != "" {
		if err := loadPayloadDir(*payloadDir, payload); err != nil {
			fmt.Fprintln(stderr, "settld bundle build:", err)
			return 1
		}
	}

	builder := &bundle.Builder{
		Signer:     signer,
		RootSigner: rootSigner,
		Policy: &governance.Policy{
			Schema:   governance.PolicySchema,
			PolicyID: "policy-" + *tenant,
			TenantID: *tenant,
			Rules: []governance.Rule{{
				SubjectType:       *kind,
				AttestationKeyIDs: []string{signer.KeyID()},
				ReportKeyIDs:      []string{signer.KeyID()},
				Scope:             governance.ScopeTenant,
				RequireGoverned:   true,
			}},
		},
		Revocations: &governance.RevocationList{
			Schema: governance.RevocationSchema,
			ListID: "revocations-" + *tenant,
			Keys:   []governance.RevokedKey{},
		},
		ToolVersion: *toolVersion,
		ToolCommit:  *toolCommit,
	}

	b, warnings, err := builder.Build(context.Background(), bundle.BuildInput{
		Kind:        *kind,
		TenantID:    *tenant,
		GeneratedAt: *generatedAt,
		Payload:     payload,
	})
	if err != nil {
		fmt.Fprintln(stderr, "settld bundle build:", err)
		return 1
	}

	if err := writeBundleDir(*out, b); err != nil {
		fmt.Fprintln(stderr, "settld bundle build:", err)
		return 1
	}
	for _, warn := range warnings {
		fmt.Fprintln(stderr, "warning:", warn)
	}
	fmt.Fprintf(stdout, "wrote %d files to %s\n", len(b.Files), *out)
	return 0
}

func runBundleVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundle verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "bundle directory")
	rootKeys := fs.String("root-keys", "", "comma-separated keyId=hexPublicKey pairs for governance roots")
	signerKeys := fs.String("signer-keys", "", "comma-separated keyId=hexPublicKey pairs for artifact signers")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dir == "" || *rootKeys == "" || *signerKeys == "" {
		fmt.Fprintln(stderr, "settld bundle verify: -dir, -root-keys, and -signer-keys are required")
		return 2
	}

	roots, err := parseKeyPairs(*rootKeys)
	if err != nil {
		fmt.Fprintln(stderr, "settld bundle verify:", err)
		return 2
	}
	signers, err := parseKeyPairs(*signerKeys)
	if err != nil {
		fmt.Fprintln(stderr, "settld bundle verify:", err)
		return 2
	}

	files, err := readBundleDir(*dir)
	if err != nil {
		fmt.Fprintln(stderr, "settld bundle verify:", err)
		return 1
	}

	verifier := &bundle.Verifier{
		Governance: &governance.Verifier{RootKeys: roots},
		PublicKeys: signers,
	}
	result, err := verifier.Verify(files)
	if err != nil {
		fmt.Fprintln(stderr, "settld bundle verify: FAIL:", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return 0
}

func signerFromSeed(seedHex, keyID string) (*crypto.Ed25519Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("seed is not hex: %w", err)
	}
	return crypto.NewEd25519SignerFromSeed(seed, keyID)
}

func parseKeyPairs(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		keyID, pub, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || keyID == "" || pub == "" {
			return nil, fmt.Errorf("key pair %q must be keyId=hexPublicKey", pair)
		}
		out[keyID] = pub
	}
	return out, nil
}

func loadPayloadDir(dir string, into map[string][]byte) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		into[filepath.ToSlash(rel)] = body
		return nil
	})
}

func writeBundleDir(dir string, b *bundle.Bundle) error {
	for path, body := range b.Files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, body, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func readBundleDir(dir string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = body
		return nil
	})
	return files, err
}
