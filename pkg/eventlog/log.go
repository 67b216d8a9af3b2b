// Package eventlog implements the append-only chained event log. Each
// stream is a hash chain: payloadHash covers the event body, chainHash
// links it to its predecessor, and an optional Ed25519 signature binds a
// signer to the payload hash.
package eventlog

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
)

// Chain-integrity failure reasons.
const (
	ReasonPrevChainHashMismatch = "prevChainHashMismatch"
	ReasonPayloadHashMismatch   = "payloadHashMismatch"
	ReasonChainHashMismatch     = "chainHashMismatch"
	ReasonSignatureInvalid      = "signatureInvalid"
	ReasonUnknownSignerKeyID    = "unknownSignerKeyId"
	ReasonMissingSignerKeyID    = "missingSignerKeyId"
)

// ChainIntegrityError reports the first offending event during verify.
// Fatal: chains are never repaired or retried.
type ChainIntegrityError struct {
	Index  int
	Reason string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violated at index %d: %s", e.Index, e.Reason)
}

// CreateInput describes a new event before hashing.
type CreateInput struct {
	StreamID string
	Type     string
	Actor    string
	Payload  json.RawMessage
	At       time.Time
	ID       string // optional; minted when empty
}

// CreateEvent constructs an unhashed, unsigned draft.
func CreateEvent(in CreateInput) (contracts.DraftEvent, error) {
	if in.StreamID == "" {
		return contracts.DraftEvent{}, fmt.Errorf("eventlog: streamId is required")
	}
	if in.Type == "" {
		return contracts.DraftEvent{}, fmt.Errorf("eventlog: type is required")
	}
	id := in.ID
	if id == "" {
		id = "evt_" + uuid.New().String()
	}
	payload := in.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return contracts.DraftEvent{
		ID:       id,
		StreamID: in.StreamID,
		Type:     in.Type,
		At:       in.At.UTC().Format(time.RFC3339Nano),
		Actor:    in.Actor,
		Payload:  payload,
	}, nil
}

// payloadHashOf hashes the draft body: SHA256(JCS({v,id,at,streamId,type,actor,payload})).
func payloadHashOf(d contracts.DraftEvent) (string, error) {
	var payload interface{}
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return "", &canonical.CanonicalizeError{Reason: fmt.Sprintf("event payload is not valid JSON: %v", err)}
	}
	return canonical.CanonicalHash(map[string]interface{}{
		"v":        contracts.SchemaVersion,
		"id":       d.ID,
		"at":       d.At,
		"streamId": d.StreamID,
		"type":     d.Type,
		"actor":    d.Actor,
		"payload":  payload,
	})
}

// chainHashOf links an event to its predecessor: SHA256(JCS({v,prevChainHash,payloadHash})).
func chainHashOf(prevChainHash *string, payloadHash string) (string, error) {
	var prev interface{}
	if prevChainHash != nil {
		prev = *prevChainHash
	}
	return canonical.CanonicalHash(map[string]interface{}{
		"v":             contracts.SchemaVersion,
		"prevChainHash": prev,
		"payloadHash":   payloadHash,
	})
}

// Append finalises the hash chain for draft and returns the extended
// sequence. Hash order is fixed: payload hash first, chain hash second,
// signature third. The signer, when supplied, receives the raw payload
// hash bytes and may be local or remote.
func Append(ctx context.Context, events []contracts.ChainedEvent, draft contracts.DraftEvent, signer crypto.Signer) ([]contracts.ChainedEvent, error) {
	payloadHash, err := payloadHashOf(draft)
	if err != nil {
		return nil, err
	}

	var prev *string
	if len(events) > 0 {
		last := events[len(events)-1]
		if last.StreamID != draft.StreamID {
			return nil, fmt.Errorf("eventlog: stream mismatch: appending %q onto %q", draft.StreamID, last.StreamID)
		}
		prev = &last.ChainHash
	}
	chainHash, err := chainHashOf(prev, payloadHash)
	if err != nil {
		return nil, err
	}

	ev := contracts.ChainedEvent{
		V:             contracts.SchemaVersion,
		ID:            draft.ID,
		StreamID:      draft.StreamID,
		Type:          draft.Type,
		At:            draft.At,
		Actor:         draft.Actor,
		Payload:       draft.Payload,
		PayloadHash:   payloadHash,
		PrevChainHash: prev,
		ChainHash:     chainHash,
	}

	if signer != nil {
		hashBytes, err := hex.DecodeString(payloadHash)
		if err != nil {
			return nil, fmt.Errorf("eventlog: payload hash is not hex: %w", err)
		}
		sig, err := signer.Sign(ctx, hashBytes, crypto.PurposeEventPayload, map[string]interface{}{
			"streamId": draft.StreamID,
			"eventId":  draft.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("eventlog: sign: %w", err)
		}
		ev.Signature = sig
		ev.SignerKeyID = signer.KeyID()
	}

	return append(events, ev), nil
}

// VerifyOptions supplies verification material.
type VerifyOptions struct {
	// PublicKeyByKeyID maps signer key ids to hex public keys.
	PublicKeyByKeyID map[string]string
	// RequireSignatures fails events that carry no signature.
	RequireSignatures bool
}

// Verify checks every hash and signature in events. It aborts at the first
// offending index.
func Verify(events []contracts.ChainedEvent, opts VerifyOptions) error {
	var prev *string
	for i, ev := range events {
		if (ev.PrevChainHash == nil) != (prev == nil) ||
			(ev.PrevChainHash != nil && prev != nil && *ev.PrevChainHash != *prev) {
			return &ChainIntegrityError{Index: i, Reason: ReasonPrevChainHashMismatch}
		}

		draft := contracts.DraftEvent{
			ID:       ev.ID,
			StreamID: ev.StreamID,
			Type:     ev.Type,
			At:       ev.At,
			Actor:    ev.Actor,
			Payload:  ev.Payload,
		}
		payloadHash, err := payloadHashOf(draft)
		if err != nil || payloadHash != ev.PayloadHash {
			return &ChainIntegrityError{Index: i, Reason: ReasonPayloadHashMismatch}
		}

		chainHash, err := chainHashOf(ev.PrevChainHash, payloadHash)
		if err != nil || chainHash != ev.ChainHash {
			return &ChainIntegrityError{Index: i, Reason: ReasonChainHashMismatch}
		}

		if ev.Signature != "" {
			if ev.SignerKeyID == "" {
				return &ChainIntegrityError{Index: i, Reason: ReasonMissingSignerKeyID}
			}
			pub, ok := opts.PublicKeyByKeyID[ev.SignerKeyID]
			if !ok {
				return &ChainIntegrityError{Index: i, Reason: ReasonUnknownSignerKeyID}
			}
			hashBytes, err := hex.DecodeString(ev.PayloadHash)
			if err != nil {
				return &ChainIntegrityError{Index: i, Reason: ReasonPayloadHashMismatch}
			}
			if err := crypto.Verify(pub, ev.Signature, hashBytes, crypto.PurposeEventPayload, map[string]interface{}{
				"streamId": ev.StreamID,
				"eventId":  ev.ID,
			}); err != nil {
				return &ChainIntegrityError{Index: i, Reason: ReasonSignatureInvalid}
			}
		} else if opts.RequireSignatures {
			return &ChainIntegrityError{Index: i, Reason: ReasonSignatureInvalid}
		}

		prev = &events[i].ChainHash
	}
	return nil
}

// HeadOf derives the stream head snapshot from an event sequence.
func HeadOf(streamID string, events []contracts.ChainedEvent) contracts.StreamHead {
	head := contracts.StreamHead{StreamID: streamID, EventCount: len(events)}
	if len(events) > 0 {
		last := events[len(events)-1]
		head.LastEventID = last.ID
		head.LastChainHash = &last.ChainHash
	}
	return head
}
