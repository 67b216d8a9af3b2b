package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
)

// UnwindOutcome counts what a wind-down swept up.
type UnwindOutcome struct {
	EscalationsDenied      int `json:"escalationsDenied"`
	QuotesCanceled         int `json:"quotesCanceled"`
	ReversalDispatchQueued int `json:"reversalDispatchQueued"`
}

// WindDownResult reports a completed wind-down.
type WindDownResult struct {
	WindDownID string                       `json:"windDownId"`
	Lifecycle  contracts.X402AgentLifecycle `json:"lifecycle"`
	Unwind     UnwindOutcome                `json:"unwind"`
}

// ReversalPayload is the body of a wind-down reversal outbox message.
type ReversalPayload struct {
	TenantID   string                   `json:"tenantId"`
	GateID     string                   `json:"gateId"`
	AgentID    string                   `json:"agentId"`
	WindDownID string                   `json:"windDownId"`
	DispatchID string                   `json:"dispatchId"`
	Action     contracts.ReversalAction `json:"action"`
}

// DispatchID derives the stable reversal dispatch id. The same gate swept
// in the same wind-down always produces the same id, so re-running a
// wind-down cannot enqueue a duplicate reversal.
func DispatchID(tenantID, gateID, agentID, windDownID string) (string, error) {
	return canonical.CanonicalHash(map[string]string{
		"tenantId":   tenantID,
		"gateId":     gateID,
		"agentId":    agentID,
		"windDownId": windDownID,
	})
}

// WindDown freezes an agent and unwinds its in-flight payment state in one
// commit: pending escalations are denied, open quotes are cancelled with
// their expiry clamped to the freeze instant, and authorized gates get a
// reversal dispatch queued through the outbox.
func (e *Engine) WindDown(ctx context.Context, tenantID, agentID, reasonCode string) (WindDownResult, error) {
	if reasonCode == "" {
		reasonCode = contracts.ReasonAgentFrozen
	}
	now := e.now()
	windDownID := "wd_" + uuid.New().String()

	lc, err := e.store.GetLifecycle(ctx, tenantID, agentID)
	if errors.Is(err, store.ErrNotFound) {
		lc = contracts.X402AgentLifecycle{AgentID: agentID, TenantID: tenantID}
	} else if err != nil {
		return WindDownResult{}, err
	}
	lc.Status = contracts.LifecycleFrozen
	lc.ReasonCode = reasonCode
	lc.UpdatedAt = ts(now)
	lc.Revision++

	ops := []store.Op{store.X402LifecyclePutOp{Lifecycle: lc}}
	var outcome UnwindOutcome

	escalations, err := e.store.ListPendingEscalationsByAgent(ctx, tenantID, agentID)
	if err != nil {
		return WindDownResult{}, err
	}
	for _, esc := range escalations {
		esc.Status = contracts.EscalationDenied
		esc.ReasonCode = contracts.ReasonAgentInsolventDeny
		esc.ResolvedAt = ts(now)
		ops = append(ops, store.X402EscalationPutOp{Escalation: esc})
		outcome.EscalationsDenied++
	}

	gates, err := e.store.ListGatesByPayer(ctx, tenantID, agentID)
	if err != nil {
		return WindDownResult{}, err
	}
	for _, gate := range gates {
		switch gate.State {
		case contracts.GateQuoted:
			gate.State = contracts.GateCancelled
			gate.QuoteCancelReasonCode = reasonCode
			gate.QuoteCanceledAt = ts(now)
			if gate.Quote != nil && gate.Quote.ExpiresAt > ts(now) {
				gate.Quote.ExpiresAt = ts(now)
			}
			gate.UpdatedAt = ts(now)
			gate.Revision++
			ops = append(ops, store.X402GatePutOp{Gate: gate})
			outcome.QuotesCanceled++
		case contracts.GateAuthorized:
			dispatchID, err := DispatchID(tenantID, gate.GateID, agentID, windDownID)
			if err != nil {
				return WindDownResult{}, err
			}
			payload, err := json.Marshal(ReversalPayload{
				TenantID:   tenantID,
				GateID:     gate.GateID,
				AgentID:    agentID,
				WindDownID: windDownID,
				DispatchID: dispatchID,
				Action:     contracts.ReversalVoidAuthorization,
			})
			if err != nil {
				return WindDownResult{}, err
			}
			gate.ReversalDispatch = &contracts.ReversalDispatch{
				DispatchID: dispatchID,
				WindDownID: windDownID,
				Status:     "queued",
			}
			gate.UpdatedAt = ts(now)
			gate.Revision++
			ops = append(ops,
				store.X402GatePutOp{Gate: gate},
				store.OutboxEnqueueOp{Message: contracts.OutboxMessage{
					ID:            "obx_" + uuid.New().String(),
					TenantID:      tenantID,
					Type:          contracts.OutboxTypeWinddownReversal,
					At:            ts(now),
					Payload:       payload,
					NextAttemptAt: ts(now),
					DispatchID:    dispatchID,
				}},
			)
			outcome.ReversalDispatchQueued++
		}
	}

	if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: ops}); err != nil {
		return WindDownResult{}, err
	}
	return WindDownResult{WindDownID: windDownID, Lifecycle: lc, Unwind: outcome}, nil
}

// SweepOutcome reports one agent swept by the insolvency tick.
type SweepOutcome struct {
	AgentID    string        `json:"agentId"`
	ReasonCode string        `json:"reasonCode"`
	WindDownID string        `json:"windDownId"`
	Unwind     UnwindOutcome `json:"unwind"`
}

// InsolvencySweep winds down agents that can no longer honor their
// obligations: exhausted wallets still carrying obligations, and agents
// whose delegation passport has expired with payment state still open.
func (e *Engine) InsolvencySweep(ctx context.Context, tenantID string) ([]SweepOutcome, error) {
	now := e.now()
	frozen := make(map[string]struct{})
	var outcomes []SweepOutcome

	sweep := func(agentID, reason string) error {
		if _, done := frozen[agentID]; done {
			return nil
		}
		if lc, err := e.store.GetLifecycle(ctx, tenantID, agentID); err == nil && lc.Status == contracts.LifecycleFrozen {
			frozen[agentID] = struct{}{}
			return nil
		}
		res, err := e.WindDown(ctx, tenantID, agentID, reason)
		if err != nil {
			return fmt.Errorf("x402: sweep agent %s: %w", agentID, err)
		}
		frozen[agentID] = struct{}{}
		outcomes = append(outcomes, SweepOutcome{
			AgentID:    agentID,
			ReasonCode: reason,
			WindDownID: res.WindDownID,
			Unwind:     res.Unwind,
		})
		return nil
	}

	wallets, err := e.store.ListWallets(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		if w.AvailableCents+w.EscrowLockedCents == 0 && w.OutstandingObligations > 0 {
			if err := sweep(w.AgentID, contracts.ReasonFundsExhausted); err != nil {
				return outcomes, err
			}
		}
	}

	gates, err := e.store.ListGates(ctx, tenantID)
	if err != nil {
		return outcomes, err
	}
	for _, gate := range gates {
		if gate.AgentPassport == nil || gate.AgentPassport.ExpiresAt == "" {
			continue
		}
		switch gate.State {
		case contracts.GateCreated, contracts.GateQuoted, contracts.GateAuthorized:
		default:
			continue
		}
		expires, err := time.Parse(time.RFC3339Nano, gate.AgentPassport.ExpiresAt)
		if err != nil || !expires.Before(now) {
			continue
		}
		if err := sweep(gate.PayerAgentID, contracts.ReasonDelegationExpired); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// ReversalOutcome reports one reversal dispatch handled by a tick.
// Status is "applied" when the gate was voided by this pass and "skipped"
// when the gate already recorded the dispatch as completed.
type ReversalOutcome struct {
	DispatchID string `json:"dispatchId"`
	GateID     string `json:"gateId"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// TickWinddownReversals drains due wind-down reversal messages. A dispatch
// the gate already records as completed is skipped, which makes redelivery
// after a crash between apply and ack harmless.
func (e *Engine) TickWinddownReversals(ctx context.Context, tenantID string, max int) ([]ReversalOutcome, error) {
	now := e.now()
	due, err := e.store.ListDueOutbox(ctx, tenantID, store.OutboxQuery{
		Type:        contracts.OutboxTypeWinddownReversal,
		DueAt:       now,
		MaxMessages: max,
	})
	if err != nil {
		return nil, err
	}

	var outcomes []ReversalOutcome
	for _, msg := range due {
		var payload ReversalPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			msg.DeadAt = ts(now)
			msg.FailedReason = "malformed_payload"
			if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
				store.OutboxUpdateOp{Message: msg},
			}}); err != nil {
				return outcomes, err
			}
			continue
		}

		gate, err := e.store.GetGate(ctx, tenantID, payload.GateID)
		if err != nil {
			return outcomes, err
		}

		if gate.ReversalDispatch != nil &&
			gate.ReversalDispatch.DispatchID == payload.DispatchID &&
			gate.ReversalDispatch.Status == "completed" {
			msg.DeliveredAt = ts(now)
			if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
				store.OutboxUpdateOp{Message: msg},
			}}); err != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, ReversalOutcome{
				DispatchID: payload.DispatchID,
				GateID:     gate.GateID,
				Status:     "skipped",
				Reason:     contracts.ReasonDispatchAlreadyDone,
			})
			continue
		}

		gate.State = contracts.GateVoided
		gate.Reversal = &contracts.GateReversal{
			Action:     payload.Action,
			Status:     "completed",
			ReasonCode: contracts.ReasonAgentFrozen,
			ReversedAt: ts(now),
		}
		gate.ReversalDispatch = &contracts.ReversalDispatch{
			DispatchID:  payload.DispatchID,
			WindDownID:  payload.WindDownID,
			Status:      "completed",
			CompletedAt: ts(now),
		}
		gate.UpdatedAt = ts(now)
		gate.Revision++

		ops := []store.Op{store.X402GatePutOp{Gate: gate}}
		if gate.RunID != "" {
			if settlement, err := e.store.GetSettlementByRun(ctx, tenantID, gate.RunID); err == nil &&
				settlement.Status == contracts.SettlementLocked {
				settlement.Status = contracts.SettlementRefunded
				settlement.Revision++
				ops = append(ops, store.SettlementPutOp{Settlement: settlement})
			}
		}
		msg.DeliveredAt = ts(now)
		ops = append(ops, store.OutboxUpdateOp{Message: msg})

		if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: ops}); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, ReversalOutcome{
			DispatchID: payload.DispatchID,
			GateID:     gate.GateID,
			Status:     "applied",
		})
	}
	return outcomes, nil
}
