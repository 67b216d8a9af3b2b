package contracts

import "encoding/json"

// Visibility controls who may observe an entity.
type Visibility string

const (
	VisibilityTenant  Visibility = "tenant"
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Session is a collaboration session between agents. Each session owns one
// event stream; lastEventId/lastChainHash mirror that stream's head.
type Session struct {
	SessionID     string     `json:"sessionId"`
	TenantID      string     `json:"tenantId"`
	Visibility    Visibility `json:"visibility"`
	Participants  []string   `json:"participants"`
	CreatedAt     string     `json:"createdAt"`
	UpdatedAt     string     `json:"updatedAt"`
	LastEventID   string     `json:"lastEventId,omitempty"`
	LastChainHash *string    `json:"lastChainHash,omitempty"`
}

// AgentCardTool describes one tool advertised on a card.
type AgentCardTool struct {
	ToolID        string `json:"toolId"`
	Description   string `json:"description,omitempty"`
	PriceCents    int64  `json:"priceCents,omitempty"`
	Currency      string `json:"currency,omitempty"`
	SideEffecting bool   `json:"sideEffecting"`
}

// AgentCard is an agent's published capability card. The public-card stream
// emits ordered upsert/removed events as cards change.
type AgentCard struct {
	AgentID      string          `json:"agentId"`
	TenantID     string          `json:"tenantId"`
	Visibility   Visibility      `json:"visibility"`
	Capabilities []string        `json:"capabilities"`
	Runtime      string          `json:"runtime,omitempty"`
	Host         string          `json:"host,omitempty"`
	Tools        []AgentCardTool `json:"tools"`
	UpdatedAt    string          `json:"updatedAt"`
	Revision     int64           `json:"revision"`
}

// OutboxMessage is one durable queue row. Enqueued in the same commit as the
// business change that produced it.
type OutboxMessage struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	Type          string          `json:"type"`
	At            string          `json:"at"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt string          `json:"nextAttemptAt"`
	DeliveredAt   string          `json:"deliveredAt,omitempty"`
	DeadAt        string          `json:"deadAt,omitempty"`
	FailedReason  string          `json:"failedReason,omitempty"`
	DispatchID    string          `json:"dispatchId,omitempty"`
}

// IdempotencyRecord bounds repeated side effects for one (tenant, key) pair.
type IdempotencyRecord struct {
	TenantID           string          `json:"tenantId"`
	Key                string          `json:"key"`
	RequestFingerprint string          `json:"requestFingerprint"`
	StatusCode         int             `json:"statusCode"`
	Response           json.RawMessage `json:"response"`
	CreatedAt          string          `json:"createdAt"`
}

// SettlementStatus is the escrow state of an agent run.
type SettlementStatus string

const (
	SettlementLocked   SettlementStatus = "locked"
	SettlementReleased SettlementStatus = "released"
	SettlementRefunded SettlementStatus = "refunded"
)

// AgentRunSettlement is the escrow record for a single run.
type AgentRunSettlement struct {
	SettlementID string           `json:"settlementId"`
	TenantID     string           `json:"tenantId"`
	RunID        string           `json:"runId"`
	Status       SettlementStatus `json:"status"`
	AmountCents  int64            `json:"amountCents"`
	Revision     int64            `json:"revision"`
}

// WebhookEndpoint is a tenant-registered delivery target for outbox
// messages. The secret signs the delivery body.
type WebhookEndpoint struct {
	EndpointID string `json:"endpointId"`
	TenantID   string `json:"tenantId"`
	URL        string `json:"url"`
	Secret     string `json:"secret"`
	CreatedAt  string `json:"createdAt"`
}

// APIKey authenticates a caller. The bearer token is <keyId>.<secret>.
type APIKey struct {
	KeyID     string `json:"keyId"`
	TenantID  string `json:"tenantId"`
	Secret    string `json:"secret"`
	ToolID    string `json:"toolId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Wallet carries the balances consulted by the insolvency sweep.
type Wallet struct {
	WalletRef              string `json:"walletRef"`
	TenantID               string `json:"tenantId"`
	AgentID                string `json:"agentId"`
	AvailableCents         int64  `json:"availableCents"`
	EscrowLockedCents      int64  `json:"escrowLockedCents"`
	OutstandingObligations int    `json:"outstandingObligations"`
	UpdatedAt              string `json:"updatedAt"`
}
