package x402

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/store"
)

// DefaultQuoteTTL is how long a quote stays valid.
const DefaultQuoteTTL = 15 * time.Minute

// Engine drives the gate state machine. All mutations go through a single
// CommitTx per operation: cancellation mid-operation leaves no partial
// side effects.
type Engine struct {
	store    store.Store
	tokens   *TokenIssuer
	signer   crypto.Signer
	clock    func() time.Time
	quoteTTL time.Duration
}

// NewEngine creates an engine. signer signs settlement decision reports
// and may be nil in tests that do not exercise verify.
func NewEngine(st store.Store, tokens *TokenIssuer, signer crypto.Signer) *Engine {
	return &Engine{
		store:    st,
		tokens:   tokens,
		signer:   signer,
		clock:    time.Now,
		quoteTTL: DefaultQuoteTTL,
	}
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// expired reports whether an RFC 3339 timestamp is strictly before now.
// Timestamps are compared as instants, not strings: RFC3339Nano trims
// trailing zeros, so lexical order disagrees with time order. An
// unparseable timestamp counts as expired.
func expired(stamp string, now time.Time) bool {
	t, err := time.Parse(time.RFC3339Nano, stamp)
	return err != nil || t.Before(now)
}

// CreateRequest opens a new gate.
type CreateRequest struct {
	PayerAgentID  string
	PayeeAgentID  string
	AmountCents   int64
	Currency      string
	ToolID        string
	Protocol      string
	RunID         string
	AgentPassport *contracts.AgentPassport
}

// Create records a proposed paid tool invocation. A frozen payer is
// rejected before any state is written.
func (e *Engine) Create(ctx context.Context, tenantID string, req CreateRequest) (contracts.X402Gate, error) {
	if req.PayerAgentID == "" || req.PayeeAgentID == "" {
		return contracts.X402Gate{}, &ValidationError{Detail: "payerAgentId and payeeAgentId are required"}
	}
	if req.AmountCents <= 0 {
		return contracts.X402Gate{}, &ValidationError{Detail: "amountCents must be positive"}
	}
	if req.Currency == "" {
		return contracts.X402Gate{}, &ValidationError{Detail: "currency is required"}
	}

	lc, err := e.store.GetLifecycle(ctx, tenantID, req.PayerAgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return contracts.X402Gate{}, err
	}
	if err == nil && lc.Status == contracts.LifecycleFrozen {
		return contracts.X402Gate{}, &FrozenError{AgentID: req.PayerAgentID, ReasonCode: lc.ReasonCode}
	}

	now := e.now()
	gate := contracts.X402Gate{
		GateID:        "gate_" + uuid.New().String(),
		TenantID:      tenantID,
		PayerAgentID:  req.PayerAgentID,
		PayeeAgentID:  req.PayeeAgentID,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		ToolID:        req.ToolID,
		Protocol:      req.Protocol,
		RunID:         req.RunID,
		State:         contracts.GateCreated,
		AgentPassport: req.AgentPassport,
		CreatedAt:     ts(now),
		UpdatedAt:     ts(now),
		Revision:      1,
	}
	if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.X402GatePutOp{Gate: gate},
	}}); err != nil {
		return contracts.X402Gate{}, err
	}
	return gate, nil
}

// Quote prices a created gate and transitions it to quoted.
func (e *Engine) Quote(ctx context.Context, tenantID, gateID string) (contracts.X402Gate, error) {
	gate, err := e.store.GetGate(ctx, tenantID, gateID)
	if err != nil {
		return contracts.X402Gate{}, err
	}
	if gate.State != contracts.GateCreated {
		return contracts.X402Gate{}, &StateError{GateID: gateID, State: string(gate.State), Op: "quote"}
	}

	now := e.now()
	gate.Quote = &contracts.GateQuote{
		QuoteID:     "quote_" + uuid.New().String(),
		AmountCents: gate.AmountCents,
		Currency:    gate.Currency,
		ExpiresAt:   ts(now.Add(e.quoteTTL)),
	}
	gate.State = contracts.GateQuoted
	gate.UpdatedAt = ts(now)
	gate.Revision++

	if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.X402GatePutOp{Gate: gate},
	}}); err != nil {
		return contracts.X402Gate{}, err
	}
	return gate, nil
}

// AuthorizeRequest asks the sponsor wallet for an authorization decision.
type AuthorizeRequest struct {
	SponsorWalletRef string
	GateID           string
	QuoteID          string
	IdempotencyKey   string
	AgentKeyID       string
}

// AuthorizeResult carries the signed decision token.
type AuthorizeResult struct {
	AuthorizationID string `json:"authorizationId"`
	DecisionToken   string `json:"walletAuthorizationDecisionToken"`
	ExpiresAt       string `json:"expiresAt"`
}

// Authorize evaluates the wallet policy for a gate. Violations produce a
// pending escalation and an EscalationRequiredError; success yields a
// signed decision token and charges the wallet's daily cap.
func (e *Engine) Authorize(ctx context.Context, tenantID string, req AuthorizeRequest) (AuthorizeResult, error) {
	gate, err := e.store.GetGate(ctx, tenantID, req.GateID)
	if err != nil {
		return AuthorizeResult{}, err
	}
	policy, err := e.store.GetWalletPolicy(ctx, tenantID, req.SponsorWalletRef)
	if err != nil {
		return AuthorizeResult{}, err
	}

	now := e.now()
	violations := e.policyViolations(ctx, tenantID, gate, policy, req, now)
	if len(violations) > 0 {
		esc := contracts.X402Escalation{
			EscalationID:     "esc_" + uuid.New().String(),
			TenantID:         tenantID,
			GateID:           gate.GateID,
			AgentID:          gate.PayerAgentID,
			SponsorWalletRef: req.SponsorWalletRef,
			AmountCents:      gate.AmountCents,
			Status:           contracts.EscalationPending,
			ReasonCodes:      violations,
			CreatedAt:        ts(now),
		}
		if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
			store.X402EscalationPutOp{Escalation: esc},
		}}); err != nil {
			return AuthorizeResult{}, err
		}
		return AuthorizeResult{}, &EscalationRequiredError{EscalationID: esc.EscalationID, ReasonCodes: violations}
	}

	authorizationID := "auth_" + uuid.New().String()
	token, err := e.tokens.Mint(DecisionClaims{
		SponsorWalletRef: req.SponsorWalletRef,
		GateID:           gate.GateID,
		QuoteID:          req.QuoteID,
		AuthorizationID:  authorizationID,
		AmountCents:      gate.AmountCents,
		Currency:         gate.Currency,
	}, now)
	if err != nil {
		return AuthorizeResult{}, err
	}

	if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.DailyAuthorizationAddOp{
			SponsorWalletRef: req.SponsorWalletRef,
			Day:              now.Format("2006-01-02"),
			DeltaCents:       gate.AmountCents,
		},
	}}); err != nil {
		return AuthorizeResult{}, err
	}

	return AuthorizeResult{
		AuthorizationID: authorizationID,
		DecisionToken:   token,
		ExpiresAt:       ts(now.Add(e.tokens.ttl)),
	}, nil
}

func (e *Engine) policyViolations(ctx context.Context, tenantID string, gate contracts.X402Gate, policy contracts.X402WalletPolicy, req AuthorizeRequest, now time.Time) []string {
	var codes []string
	if policy.Status != contracts.WalletPolicyActive {
		codes = append(codes, CodePolicyInactive)
	}
	if policy.MaxAmountCents > 0 && gate.AmountCents > policy.MaxAmountCents {
		codes = append(codes, CodeAmountExceeded)
	}
	if len(policy.AllowedCurrencies) > 0 && !contains(policy.AllowedCurrencies, gate.Currency) {
		codes = append(codes, CodeCurrencyNotAllowed)
	}
	if len(policy.AllowedProviderIDs) > 0 && !contains(policy.AllowedProviderIDs, gate.PayeeAgentID) {
		codes = append(codes, CodeProviderNotAllowed)
	}
	if gate.ToolID != "" && len(policy.AllowedToolIDs) > 0 && !contains(policy.AllowedToolIDs, gate.ToolID) {
		codes = append(codes, CodeToolNotAllowed)
	}
	if policy.RequireQuote {
		switch {
		case gate.Quote == nil || req.QuoteID == "" || gate.Quote.QuoteID != req.QuoteID:
			codes = append(codes, CodeQuoteRequired)
		case expired(gate.Quote.ExpiresAt, now):
			codes = append(codes, CodeQuoteExpired)
		}
	}
	if policy.RequireAgentKeyMatch {
		if gate.AgentPassport == nil || req.AgentKeyID == "" || gate.AgentPassport.AgentKeyID != req.AgentKeyID {
			codes = append(codes, CodeAgentKeyMismatch)
		}
	}
	if policy.MaxDailyAuthorizationCents > 0 {
		day, err := e.store.GetDailyAuthorization(ctx, tenantID, policy.SponsorWalletRef, now.Format("2006-01-02"))
		if err == nil && day.AuthorizedCents+gate.AmountCents > policy.MaxDailyAuthorizationCents {
			codes = append(codes, CodeDailyCapExceeded)
		}
	}
	return NormalizeReasonCodes(codes)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// AuthorizePayment consumes a decision token and pins the authorization to
// the gate. Idempotent by gate: re-presenting the same token is a no-op
// returning the stored gate.
func (e *Engine) AuthorizePayment(ctx context.Context, tenantID, gateID, token string) (contracts.X402Gate, error) {
	gate, err := e.store.GetGate(ctx, tenantID, gateID)
	if err != nil {
		return contracts.X402Gate{}, err
	}
	now := e.now()
	claims, err := e.tokens.Parse(token, now)
	if err != nil {
		return contracts.X402Gate{}, &ValidationError{Detail: err.Error()}
	}
	if claims.GateID != gateID {
		return contracts.X402Gate{}, &ValidationError{Detail: "decision token is bound to a different gate"}
	}

	if gate.Authorization != nil {
		if gate.Authorization.AuthorizationID == claims.AuthorizationID {
			return gate, nil
		}
		return contracts.X402Gate{}, &StateError{GateID: gateID, State: string(gate.State), Op: "authorize-payment"}
	}
	if gate.State != contracts.GateCreated && gate.State != contracts.GateQuoted {
		return contracts.X402Gate{}, &StateError{GateID: gateID, State: string(gate.State), Op: "authorize-payment"}
	}

	gate.Authorization = &contracts.GateAuthorization{
		AuthorizationID:  claims.AuthorizationID,
		SponsorWalletRef: claims.SponsorWalletRef,
		QuoteID:          claims.QuoteID,
		DecisionToken:    token,
		AuthorizedAt:     ts(now),
	}
	gate.State = contracts.GateAuthorized
	gate.UpdatedAt = ts(now)
	gate.Revision++

	if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.X402GatePutOp{Gate: gate},
	}}); err != nil {
		return contracts.X402Gate{}, err
	}
	return gate, nil
}

// VerifyRequest finalizes a gate.
type VerifyRequest struct {
	GateID      string
	ReasonCodes []string
	ProofPolicy string // "", "strict", "holdback"
	ProofStatus string // "", "PASS", "FAIL"
	Settle      bool
}

// PolicyDecision is the signed verification record.
type PolicyDecision struct {
	Schema      string          `json:"schema"`
	GateID      string          `json:"gateId"`
	TenantID    string          `json:"tenantId"`
	Decision    string          `json:"decision"`
	ReasonCodes []string        `json:"reasonCodes"`
	ProofPolicy string          `json:"proofPolicy,omitempty"`
	ProofStatus string          `json:"proofStatus,omitempty"`
	Journal     DecisionJournal `json:"journal"`
	DecidedAt   string          `json:"decidedAt"`
	PayloadHash string          `json:"payloadHash,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	SignerKeyID string          `json:"signerKeyId,omitempty"`
}

// DecisionJournal states the financial outcome of a verification.
type DecisionJournal struct {
	EscrowReturned    bool `json:"escrowReturned"`
	CoverageReturned  bool `json:"coverageReturned"`
	RevenueRecognized bool `json:"revenueRecognized"`
}

// Verify transitions an authorized gate to verified or settled and
// produces a signed PolicyDecision.v1. In strict and holdback proof-policy
// modes a FAIL proof closes the job financially: escrow and coverage are
// returned and no revenue is recognized.
func (e *Engine) Verify(ctx context.Context, tenantID string, req VerifyRequest) (contracts.X402Gate, PolicyDecision, error) {
	gate, err := e.store.GetGate(ctx, tenantID, req.GateID)
	if err != nil {
		return contracts.X402Gate{}, PolicyDecision{}, err
	}
	if gate.State != contracts.GateAuthorized {
		return contracts.X402Gate{}, PolicyDecision{}, &StateError{GateID: req.GateID, State: string(gate.State), Op: "verify"}
	}

	now := e.now()
	codes := req.ReasonCodes
	strictMode := req.ProofPolicy == "strict" || req.ProofPolicy == "holdback"
	failClosed := strictMode && req.ProofStatus == "FAIL"

	decision := PolicyDecision{
		Schema:      "PolicyDecision.v1",
		GateID:      gate.GateID,
		TenantID:    tenantID,
		ProofPolicy: req.ProofPolicy,
		ProofStatus: req.ProofStatus,
		DecidedAt:   ts(now),
	}

	var settlementOps []store.Op
	if failClosed {
		codes = append([]string{CodeProofFailClosed}, codes...)
		decision.Decision = "deny"
		decision.Journal = DecisionJournal{EscrowReturned: true, CoverageReturned: true, RevenueRecognized: false}
		gate.State = contracts.GateVerified
		if gate.RunID != "" {
			if settlement, err := e.store.GetSettlementByRun(ctx, tenantID, gate.RunID); err == nil {
				settlement.Status = contracts.SettlementRefunded
				settlement.Revision++
				settlementOps = append(settlementOps, store.SettlementPutOp{Settlement: settlement})
			}
		}
	} else {
		codes = append(codes, CodePolicyAllow)
		decision.Decision = "allow"
		if req.Settle {
			gate.State = contracts.GateSettled
			decision.Journal = DecisionJournal{RevenueRecognized: true}
			if gate.RunID != "" {
				if settlement, err := e.store.GetSettlementByRun(ctx, tenantID, gate.RunID); err == nil {
					settlement.Status = contracts.SettlementReleased
					settlement.Revision++
					settlementOps = append(settlementOps, store.SettlementPutOp{Settlement: settlement})
				}
			}
		} else {
			gate.State = contracts.GateVerified
			codes = append(codes, CodeVerifiedNoSettlement)
		}
	}
	decision.ReasonCodes = NormalizeReasonCodes(codes)

	hash, err := canonical.CanonicalHash(decision)
	if err != nil {
		return contracts.X402Gate{}, PolicyDecision{}, err
	}
	decision.PayloadHash = hash
	if e.signer != nil {
		hashBytes, err := hex.DecodeString(hash)
		if err != nil {
			return contracts.X402Gate{}, PolicyDecision{}, fmt.Errorf("x402: decision hash: %w", err)
		}
		sig, err := e.signer.Sign(ctx, hashBytes, crypto.PurposeSettlementDecisionReport, map[string]interface{}{
			"gateId": gate.GateID,
		})
		if err != nil {
			return contracts.X402Gate{}, PolicyDecision{}, err
		}
		decision.Signature = sig
		decision.SignerKeyID = e.signer.KeyID()
	}

	gate.VerificationCodes = decision.ReasonCodes
	gate.UpdatedAt = ts(now)
	gate.Revision++

	ops := append([]store.Op{store.X402GatePutOp{Gate: gate}}, settlementOps...)
	if err := e.store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: ops}); err != nil {
		return contracts.X402Gate{}, PolicyDecision{}, err
	}
	return gate, decision, nil
}

// GetEscalation reads an escalation record.
func (e *Engine) GetEscalation(ctx context.Context, tenantID, escalationID string) (contracts.X402Escalation, error) {
	return e.store.GetEscalation(ctx, tenantID, escalationID)
}
