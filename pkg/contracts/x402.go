package contracts

// GateState is the authoritative lifecycle state of an x402 gate.
type GateState string

const (
	GateCreated    GateState = "created"
	GateQuoted     GateState = "quoted"
	GateAuthorized GateState = "authorized"
	GateVerified   GateState = "verified"
	GateSettled    GateState = "settled"
	GateCancelled  GateState = "cancelled"
	GateVoided     GateState = "voided"
	GateBlocked    GateState = "blocked"
)

// GateQuote is a priced offer for a gate. The same idempotency key always
// returns the same quote.
type GateQuote struct {
	QuoteID     string `json:"quoteId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	ExpiresAt   string `json:"expiresAt"`
}

// GateAuthorization pins a wallet authorization decision to a gate.
type GateAuthorization struct {
	AuthorizationID  string `json:"authorizationId"`
	SponsorWalletRef string `json:"sponsorWalletRef"`
	QuoteID          string `json:"quoteId,omitempty"`
	DecisionToken    string `json:"decisionToken"`
	AuthorizedAt     string `json:"authorizedAt"`
}

// ReversalAction names a wind-down reversal operation.
type ReversalAction string

const (
	ReversalVoidAuthorization ReversalAction = "void_authorization"
	ReversalRequestRefund     ReversalAction = "request_refund"
	ReversalResolveRefund     ReversalAction = "resolve_refund"
)

// GateReversal records the reversal applied to an authorized gate.
type GateReversal struct {
	Action     ReversalAction `json:"action"`
	Status     string         `json:"status"`
	ReasonCode string         `json:"reasonCode,omitempty"`
	ReversedAt string         `json:"reversedAt,omitempty"`
}

// ReversalDispatch tracks the outbox-driven dispatch of a reversal.
type ReversalDispatch struct {
	DispatchID  string `json:"dispatchId"`
	WindDownID  string `json:"windDownId"`
	Status      string `json:"status"`
	CompletedAt string `json:"completedAt,omitempty"`
}

// AgentPassport is the payer's delegation credential presented at create.
type AgentPassport struct {
	PassportID string `json:"passportId"`
	AgentKeyID string `json:"agentKeyId,omitempty"`
	IssuedAt   string `json:"issuedAt,omitempty"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
}

// X402Gate is one proposed paid tool invocation and its lifecycle record.
type X402Gate struct {
	GateID                string             `json:"gateId"`
	TenantID              string             `json:"tenantId"`
	PayerAgentID          string             `json:"payerAgentId"`
	PayeeAgentID          string             `json:"payeeAgentId"`
	AmountCents           int64              `json:"amountCents"`
	Currency              string             `json:"currency"`
	ToolID                string             `json:"toolId,omitempty"`
	Protocol              string             `json:"protocol,omitempty"`
	State                 GateState          `json:"state"`
	AgentPassport         *AgentPassport     `json:"agentPassport,omitempty"`
	Quote                 *GateQuote         `json:"quote,omitempty"`
	Authorization         *GateAuthorization `json:"authorization,omitempty"`
	Reversal              *GateReversal      `json:"reversal,omitempty"`
	ReversalDispatch      *ReversalDispatch  `json:"reversalDispatch,omitempty"`
	QuoteCancelReasonCode string             `json:"quoteCancelReasonCode,omitempty"`
	QuoteCanceledAt       string             `json:"quoteCanceledAt,omitempty"`
	VerificationCodes     []string           `json:"verificationCodes,omitempty"`
	RunID                 string             `json:"runId,omitempty"`
	CreatedAt             string             `json:"createdAt"`
	UpdatedAt             string             `json:"updatedAt"`
	Revision              int64              `json:"revision"`
}

// WalletPolicyStatus is the activation state of a wallet policy.
type WalletPolicyStatus string

const (
	WalletPolicyActive    WalletPolicyStatus = "active"
	WalletPolicySuspended WalletPolicyStatus = "suspended"
)

// X402WalletPolicy governs wallet authorization decisions for a sponsor
// wallet.
type X402WalletPolicy struct {
	SponsorRef                  string             `json:"sponsorRef"`
	SponsorWalletRef            string             `json:"sponsorWalletRef"`
	TenantID                    string             `json:"tenantId"`
	PolicyRef                   string             `json:"policyRef"`
	PolicyVersion               int                `json:"policyVersion"`
	Status                      WalletPolicyStatus `json:"status"`
	MaxAmountCents              int64              `json:"maxAmountCents"`
	MaxDailyAuthorizationCents  int64              `json:"maxDailyAuthorizationCents"`
	AllowedProviderIDs          []string           `json:"allowedProviderIds"`
	AllowedToolIDs              []string           `json:"allowedToolIds"`
	AllowedCurrencies           []string           `json:"allowedCurrencies"`
	AllowedReversalActions      []ReversalAction   `json:"allowedReversalActions"`
	RequireQuote                bool               `json:"requireQuote"`
	RequireStrictRequestBinding bool               `json:"requireStrictRequestBinding"`
	RequireAgentKeyMatch        bool               `json:"requireAgentKeyMatch"`
}

// LifecycleStatus is an agent's payment lifecycle state.
type LifecycleStatus string

const (
	LifecycleActive    LifecycleStatus = "active"
	LifecycleSuspended LifecycleStatus = "suspended"
	LifecycleFrozen    LifecycleStatus = "frozen"
)

// X402AgentLifecycle tracks whether an agent may originate payments.
type X402AgentLifecycle struct {
	AgentID    string          `json:"agentId"`
	TenantID   string          `json:"tenantId"`
	Status     LifecycleStatus `json:"status"`
	ReasonCode string          `json:"reasonCode,omitempty"`
	UpdatedAt  string          `json:"updatedAt"`
	Revision   int64           `json:"revision"`
}

// EscalationStatus is the review state of a paused authorization.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationDenied   EscalationStatus = "denied"
)

// X402Escalation is a paused authorization decision awaiting review.
type X402Escalation struct {
	EscalationID     string           `json:"escalationId"`
	TenantID         string           `json:"tenantId"`
	GateID           string           `json:"gateId"`
	AgentID          string           `json:"agentId"`
	SponsorWalletRef string           `json:"sponsorWalletRef"`
	AmountCents      int64            `json:"amountCents"`
	Status           EscalationStatus `json:"status"`
	ReasonCodes      []string         `json:"reasonCodes"`
	ReasonCode       string           `json:"reasonCode,omitempty"`
	CreatedAt        string           `json:"createdAt"`
	ResolvedAt       string           `json:"resolvedAt,omitempty"`
}

// DailyAuthorization accumulates a wallet's authorized cents for one UTC
// day, consulted by the max-daily policy check.
type DailyAuthorization struct {
	SponsorWalletRef string `json:"sponsorWalletRef"`
	TenantID         string `json:"tenantId"`
	Day              string `json:"day"`
	AuthorizedCents  int64  `json:"authorizedCents"`
}

// Outbox message types produced by the x402 engine.
const (
	OutboxTypeWebhook           = "WEBHOOK_EVENT"
	OutboxTypeWinddownReversal  = "X402_AGENT_WINDDOWN_REVERSAL_REQUESTED"
	ReasonAgentInsolventDeny    = "AGENT_INSOLVENT_AUTO_DENY"
	ReasonAgentFrozen           = "X402_AGENT_FROZEN"
	ReasonFundsExhausted        = "FUNDS_EXHAUSTED"
	ReasonDelegationExpired     = "DELEGATION_EXPIRED"
	ReasonDispatchAlreadyDone   = "dispatch_already_completed"
	ReasonPermanentClientErr    = "permanent_4xx"
	ReasonNoLongerVisible       = "NO_LONGER_VISIBLE"
	ReasonSessionCursorNotFound = "SESSION_EVENT_CURSOR_NOT_FOUND"
)
