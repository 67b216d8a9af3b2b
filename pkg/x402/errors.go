package x402

import "fmt"

// FrozenError rejects an operation because the payer agent is frozen.
// Surfaces as HTTP 410 X402_AGENT_FROZEN.
type FrozenError struct {
	AgentID    string
	ReasonCode string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("x402: agent %s is frozen (%s)", e.AgentID, e.ReasonCode)
}

// EscalationRequiredError pauses an authorization behind a pending
// escalation. Surfaces as HTTP 409 X402_AUTHORIZATION_ESCALATION_REQUIRED.
type EscalationRequiredError struct {
	EscalationID string
	ReasonCodes  []string
}

func (e *EscalationRequiredError) Error() string {
	return fmt.Sprintf("x402: authorization requires escalation %s", e.EscalationID)
}

// StateError rejects a transition the gate's current state does not allow.
type StateError struct {
	GateID string
	State  string
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("x402: gate %s cannot %s from state %s", e.GateID, e.Op, e.State)
}

// ValidationError reports a malformed request body.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "x402: " + e.Detail
}

// Policy violation reason codes produced by wallet authorization checks.
const (
	CodePolicyInactive       = "X402_WALLET_POLICY_INACTIVE"
	CodeAmountExceeded       = "X402_POLICY_AMOUNT_EXCEEDED"
	CodeCurrencyNotAllowed   = "X402_POLICY_CURRENCY_NOT_ALLOWED"
	CodeProviderNotAllowed   = "X402_POLICY_PROVIDER_NOT_ALLOWED"
	CodeToolNotAllowed       = "X402_POLICY_TOOL_NOT_ALLOWED"
	CodeDailyCapExceeded     = "X402_POLICY_DAILY_CAP_EXCEEDED"
	CodeQuoteRequired        = "X402_POLICY_QUOTE_REQUIRED"
	CodeQuoteExpired         = "X402_QUOTE_EXPIRED"
	CodeAgentKeyMismatch     = "X402_POLICY_AGENT_KEY_MISMATCH"
	CodePolicyAllow          = "POLICY_ALLOW"
	CodeProofFailClosed      = "PROOF_FAIL_FINANCIAL_CLOSE"
	CodeVerifiedNoSettlement = "VERIFIED_NO_SETTLEMENT"
)
