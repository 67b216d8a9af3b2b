// Package store is the single shared mutable resource of the control
// plane. All reads go through entity-specific getters and listers; all
// writes go through CommitTx, which applies a heterogeneous batch of typed
// operations atomically. Two backends exist: in-memory (tests, dev) and
// Postgres (production, one SERIALIZABLE transaction per commit).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
)

// ErrNotFound is returned by getters when the entity does not exist in the
// tenant's scope.
var ErrNotFound = errors.New("store: not found")

// ConflictError reports an optimistic-concurrency or chain-position
// violation. The whole batch that produced it is rolled back.
type ConflictError struct {
	Entity string
	ID     string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: conflict on %s %q: %s", e.Entity, e.ID, e.Detail)
}

// Op is one typed mutation inside a CommitTx batch.
type Op interface{ isOp() }

// SessionPutOp inserts or replaces a session.
type SessionPutOp struct{ Session contracts.Session }

// SessionAppendEventOp appends a chained event to a session's stream. The
// store validates that the event's prevChainHash matches the current head
// and advances the head in the same commit.
type SessionAppendEventOp struct {
	SessionID string
	Event     contracts.ChainedEvent
}

// AgentCardUpsertOp inserts or replaces an agent card. Revision must be
// exactly one greater than the stored revision (or 1 for a new card).
type AgentCardUpsertOp struct{ Card contracts.AgentCard }

// AgentCardRemoveOp removes a card from visibility.
type AgentCardRemoveOp struct {
	AgentID    string
	ReasonCode string
	At         string
}

// X402GatePutOp inserts or replaces a gate, enforcing revision progression.
type X402GatePutOp struct{ Gate contracts.X402Gate }

// X402WalletPolicyPutOp inserts or replaces a wallet policy.
type X402WalletPolicyPutOp struct{ Policy contracts.X402WalletPolicy }

// X402LifecyclePutOp inserts or replaces an agent lifecycle record.
type X402LifecyclePutOp struct{ Lifecycle contracts.X402AgentLifecycle }

// X402EscalationPutOp inserts or replaces an escalation.
type X402EscalationPutOp struct{ Escalation contracts.X402Escalation }

// DailyAuthorizationAddOp accumulates authorized cents for a wallet-day.
type DailyAuthorizationAddOp struct {
	SponsorWalletRef string
	Day              string
	DeltaCents       int64
}

// SettlementPutOp inserts or replaces an agent-run settlement.
type SettlementPutOp struct{ Settlement contracts.AgentRunSettlement }

// WalletPutOp inserts or replaces a wallet balance row.
type WalletPutOp struct{ Wallet contracts.Wallet }

// OutboxEnqueueOp appends a durable outbox row. When DispatchID is set and
// a row with the same dispatch id already exists, the enqueue is a no-op:
// re-enqueues dedupe instead of duplicating work.
type OutboxEnqueueOp struct{ Message contracts.OutboxMessage }

// OutboxUpdateOp replaces an outbox row (attempt bookkeeping, delivery,
// dead-lettering).
type OutboxUpdateOp struct{ Message contracts.OutboxMessage }

// IdempotencyPutOp records an idempotency key. A record with StatusCode 0
// is a reservation and must be a fresh insert: reserving a key that
// already exists conflicts, which is what keeps two racing requests with
// the same key from both executing. A record with a status code finalizes
// the reservation with the stored response.
type IdempotencyPutOp struct{ Record contracts.IdempotencyRecord }

// IdempotencyDeleteOp releases a reserved key after a failed attempt so
// the caller may retry with the same key.
type IdempotencyDeleteOp struct {
	Key string
}

// WebhookEndpointPutOp registers a delivery target.
type WebhookEndpointPutOp struct{ Endpoint contracts.WebhookEndpoint }

// APIKeyPutOp registers an API key.
type APIKeyPutOp struct{ Key contracts.APIKey }

func (SessionPutOp) isOp()            {}
func (SessionAppendEventOp) isOp()    {}
func (AgentCardUpsertOp) isOp()       {}
func (AgentCardRemoveOp) isOp()       {}
func (X402GatePutOp) isOp()           {}
func (X402WalletPolicyPutOp) isOp()   {}
func (X402LifecyclePutOp) isOp()      {}
func (X402EscalationPutOp) isOp()     {}
func (DailyAuthorizationAddOp) isOp() {}
func (SettlementPutOp) isOp()         {}
func (WalletPutOp) isOp()             {}
func (OutboxEnqueueOp) isOp()         {}
func (OutboxUpdateOp) isOp()          {}
func (IdempotencyPutOp) isOp()        {}
func (IdempotencyDeleteOp) isOp()     {}
func (WebhookEndpointPutOp) isOp()    {}
func (APIKeyPutOp) isOp()             {}

// Tx is one atomic batch. Ops apply in order; any validation failure
// aborts the batch with no side effects.
type Tx struct {
	TenantID string
	At       time.Time
	Ops      []Op
}

// EventQuery selects a slice of a session's event stream.
type EventQuery struct {
	AfterEventID string // exclusive; empty means from the beginning
	Limit        int    // 0 means no limit
}

// OutboxQuery selects due outbox rows.
type OutboxQuery struct {
	Type        string // empty matches all types
	DueAt       time.Time
	MaxMessages int
	IncludeDead bool
}

// Store is the persistence contract shared by both backends. Listers
// return stable orderings (updatedAt ASC with entity-id tiebreak) so
// replay is deterministic. Cursors are entity ids, not opaque tokens.
type Store interface {
	CommitTx(ctx context.Context, tx Tx) error

	GetSession(ctx context.Context, tenantID, sessionID string) (contracts.Session, error)
	ListSessionEvents(ctx context.Context, tenantID, sessionID string, q EventQuery) ([]contracts.ChainedEvent, error)
	GetStreamHead(ctx context.Context, tenantID, streamID string) (contracts.StreamHead, error)

	GetAgentCard(ctx context.Context, tenantID, agentID string) (contracts.AgentCard, error)
	ListAgentCards(ctx context.Context, tenantID string) ([]contracts.AgentCard, error)
	ListPublicAgentCards(ctx context.Context) ([]contracts.AgentCard, error)

	GetGate(ctx context.Context, tenantID, gateID string) (contracts.X402Gate, error)
	ListGatesByPayer(ctx context.Context, tenantID, payerAgentID string) ([]contracts.X402Gate, error)
	ListGates(ctx context.Context, tenantID string) ([]contracts.X402Gate, error)
	GetWalletPolicy(ctx context.Context, tenantID, sponsorWalletRef string) (contracts.X402WalletPolicy, error)
	GetLifecycle(ctx context.Context, tenantID, agentID string) (contracts.X402AgentLifecycle, error)
	GetEscalation(ctx context.Context, tenantID, escalationID string) (contracts.X402Escalation, error)
	ListPendingEscalationsByAgent(ctx context.Context, tenantID, agentID string) ([]contracts.X402Escalation, error)
	GetDailyAuthorization(ctx context.Context, tenantID, sponsorWalletRef, day string) (contracts.DailyAuthorization, error)
	GetSettlementByRun(ctx context.Context, tenantID, runID string) (contracts.AgentRunSettlement, error)
	ListWallets(ctx context.Context, tenantID string) ([]contracts.Wallet, error)
	ListTenants(ctx context.Context) ([]string, error)

	ListDueOutbox(ctx context.Context, tenantID string, q OutboxQuery) ([]contracts.OutboxMessage, error)
	GetOutboxByDispatchID(ctx context.Context, tenantID, dispatchID string) (contracts.OutboxMessage, error)

	GetIdempotency(ctx context.Context, tenantID, key string) (contracts.IdempotencyRecord, error)
	GetAPIKey(ctx context.Context, keyID string) (contracts.APIKey, error)
	ListWebhookEndpoints(ctx context.Context, tenantID string) ([]contracts.WebhookEndpoint, error)
}
