package crypto

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSigner adapts a remote signing service to the Signer interface. The
// remote transport is invisible to callers: the log and bundle assembler
// only care that the returned signature verifies.
type HTTPSigner struct {
	endpoint string
	keyID    string
	client   *http.Client
}

// NewHTTPSigner creates a signer that POSTs sign requests to endpoint.
// timeout bounds each call independently of the caller's deadline.
func NewHTTPSigner(endpoint, keyID string, timeout time.Duration) *HTTPSigner {
	return &HTTPSigner{
		endpoint: endpoint,
		keyID:    keyID,
		client:   &http.Client{Timeout: timeout},
	}
}

type remoteSignRequest struct {
	KeyID       string                 `json:"keyId"`
	PayloadHash string                 `json:"payloadHash"`
	Purpose     string                 `json:"purpose"`
	Context     map[string]interface{} `json:"context"`
}

type remoteSignResponse struct {
	SignatureBase64 string `json:"signatureBase64"`
}

// Sign delegates to the remote signer.
func (s *HTTPSigner) Sign(ctx context.Context, payloadHash []byte, purpose Purpose, sctx map[string]interface{}) (string, error) {
	if !purpose.Valid() {
		return "", &SignatureError{Reason: fmt.Sprintf("unknown purpose %q", purpose)}
	}
	body, err := json.Marshal(remoteSignRequest{
		KeyID:       s.keyID,
		PayloadHash: hex.EncodeToString(payloadHash),
		Purpose:     string(purpose),
		Context:     sctx,
	})
	if err != nil {
		return "", fmt.Errorf("remote signer: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("remote signer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote signer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &SignatureError{Reason: fmt.Sprintf("remote signer returned %d", resp.StatusCode)}
	}
	var out remoteSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("remote signer: decode response: %w", err)
	}
	if out.SignatureBase64 == "" {
		return "", &SignatureError{Reason: "remote signer returned empty signature"}
	}
	return out.SignatureBase64, nil
}

// KeyID returns the remote key identifier.
func (s *HTTPSigner) KeyID() string { return s.keyID }
