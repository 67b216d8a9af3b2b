// Package outbox delivers durable queue messages to tenant webhook
// endpoints and drives the retry/dead-letter state machine.
package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/contracts"
)

// Signature headers attached to every webhook delivery.
const (
	HeaderTimestamp = "X-Proxy-Timestamp"
	HeaderSignature = "X-Proxy-Signature"
)

// DeliveryError classifies a failed delivery attempt.
type DeliveryError struct {
	StatusCode int // 0 for transport errors
	Permanent  bool
	Detail     string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("outbox: delivery failed with status %d: %s", e.StatusCode, e.Detail)
	}
	return "outbox: delivery failed: " + e.Detail
}

// Deliverer posts one message to one endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint contracts.WebhookEndpoint, msg contracts.OutboxMessage) error
}

// HTTPDeliverer signs and posts webhook bodies. The signature covers the
// timestamp and the exact body bytes, joined by a newline, so receivers
// can reject replays and tampering with one HMAC check.
type HTTPDeliverer struct {
	Client *http.Client
	Clock  func() time.Time
}

// NewHTTPDeliverer uses a 10 second request timeout.
func NewHTTPDeliverer() *HTTPDeliverer {
	return &HTTPDeliverer{
		Client: &http.Client{Timeout: 10 * time.Second},
		Clock:  time.Now,
	}
}

type deliveryBody struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenantId"`
	Type     string      `json:"type"`
	At       string      `json:"at"`
	Payload  interface{} `json:"payload"`
}

// Body renders the canonical delivery body for a message. Receivers verify
// the signature against these exact bytes.
func Body(msg contracts.OutboxMessage) ([]byte, error) {
	return canonical.JCS(deliveryBody{
		ID:       msg.ID,
		TenantID: msg.TenantID,
		Type:     msg.Type,
		At:       msg.At,
		Payload:  msg.Payload,
	})
}

// Sign computes the delivery signature for a timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	material := append([]byte(timestamp+"\n"), body...)
	return canonical.HMACHex([]byte(secret), material)
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, endpoint contracts.WebhookEndpoint, msg contracts.OutboxMessage) error {
	body, err := Body(msg)
	if err != nil {
		return &DeliveryError{Permanent: true, Detail: "body encoding: " + err.Error()}
	}
	timestamp := d.Clock().UTC().Format(time.RFC3339)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Permanent: true, Detail: "request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(endpoint.Secret, timestamp, body))

	resp, err := d.Client.Do(req)
	if err != nil {
		return &DeliveryError{Detail: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &DeliveryError{StatusCode: resp.StatusCode, Permanent: true, Detail: resp.Status}
	default:
		return &DeliveryError{StatusCode: resp.StatusCode, Detail: resp.Status}
	}
}

// VerifySignature checks a received delivery the way endpoints should.
func VerifySignature(secret, timestamp, signature string, body []byte) bool {
	material := append([]byte(timestamp+"\n"), body...)
	return canonical.HMACEqual([]byte(secret), material, signature)
}
