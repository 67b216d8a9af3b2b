// Package contracts defines the shared wire-level types of the settld-proxy
// control plane: chained events, sessions, agent cards, x402 gates, outbox
// rows, and proof-bundle documents. Field names follow the canonical JSON
// wire format; hashes are computed over these exact shapes.
package contracts

import "encoding/json"

// SchemaVersion is the event envelope version covered by the hash chain.
const SchemaVersion = 1

// ChainedEvent is one immutable entry of a per-stream hash chain.
//
// payloadHash = SHA256(JCS({v,id,at,streamId,type,actor,payload}))
// chainHash   = SHA256(JCS({v,prevChainHash,payloadHash}))
// prevChainHash is the previous event's chainHash, or null for the first.
type ChainedEvent struct {
	V             int             `json:"v"`
	ID            string          `json:"id"`
	StreamID      string          `json:"streamId"`
	Type          string          `json:"type"`
	At            string          `json:"at"`
	Actor         string          `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payloadHash"`
	PrevChainHash *string         `json:"prevChainHash"`
	ChainHash     string          `json:"chainHash"`
	Signature     string          `json:"signature,omitempty"`
	SignerKeyID   string          `json:"signerKeyId,omitempty"`
}

// DraftEvent is an event before hashing and signing.
type DraftEvent struct {
	ID       string          `json:"id"`
	StreamID string          `json:"streamId"`
	Type     string          `json:"type"`
	At       string          `json:"at"`
	Actor    string          `json:"actor"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionStreamID names the event stream owned by a session.
func SessionStreamID(sessionID string) string {
	return "session/" + sessionID
}

// StreamHead is the snapshot head of one event stream, updated atomically
// with each append.
type StreamHead struct {
	StreamID      string  `json:"streamId"`
	LastEventID   string  `json:"lastEventId"`
	LastChainHash *string `json:"lastChainHash"`
	EventCount    int     `json:"eventCount"`
}
