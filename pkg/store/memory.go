package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
)

// Memory is the in-memory backend: per-tenant maps behind one mutex,
// single-writer discipline. Used for tests and dev.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState
	apiKeys map[string]contracts.APIKey
}

type tenantState struct {
	sessions    map[string]contracts.Session
	events      map[string][]contracts.ChainedEvent // streamID -> ordered events
	heads       map[string]contracts.StreamHead
	cards       map[string]contracts.AgentCard
	gates       map[string]contracts.X402Gate
	policies    map[string]contracts.X402WalletPolicy
	lifecycles  map[string]contracts.X402AgentLifecycle
	escalations map[string]contracts.X402Escalation
	dailyAuth   map[string]contracts.DailyAuthorization // walletRef+"/"+day
	settlements map[string]contracts.AgentRunSettlement // runID
	wallets     map[string]contracts.Wallet
	outbox      map[string]contracts.OutboxMessage
	outboxOrder []string
	dispatchIDs map[string]string // dispatchID -> outbox message id
	idempotency map[string]contracts.IdempotencyRecord
	endpoints   map[string]contracts.WebhookEndpoint
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[string]*tenantState),
		apiKeys: make(map[string]contracts.APIKey),
	}
}

func newTenantState() *tenantState {
	return &tenantState{
		sessions:    make(map[string]contracts.Session),
		events:      make(map[string][]contracts.ChainedEvent),
		heads:       make(map[string]contracts.StreamHead),
		cards:       make(map[string]contracts.AgentCard),
		gates:       make(map[string]contracts.X402Gate),
		policies:    make(map[string]contracts.X402WalletPolicy),
		lifecycles:  make(map[string]contracts.X402AgentLifecycle),
		escalations: make(map[string]contracts.X402Escalation),
		dailyAuth:   make(map[string]contracts.DailyAuthorization),
		settlements: make(map[string]contracts.AgentRunSettlement),
		wallets:     make(map[string]contracts.Wallet),
		outbox:      make(map[string]contracts.OutboxMessage),
		dispatchIDs: make(map[string]string),
		idempotency: make(map[string]contracts.IdempotencyRecord),
		endpoints:   make(map[string]contracts.WebhookEndpoint),
	}
}

func (t *tenantState) clone() *tenantState {
	c := newTenantState()
	for k, v := range t.sessions {
		c.sessions[k] = v
	}
	for k, v := range t.events {
		evs := make([]contracts.ChainedEvent, len(v))
		copy(evs, v)
		c.events[k] = evs
	}
	for k, v := range t.heads {
		c.heads[k] = v
	}
	for k, v := range t.cards {
		c.cards[k] = v
	}
	for k, v := range t.gates {
		c.gates[k] = v
	}
	for k, v := range t.policies {
		c.policies[k] = v
	}
	for k, v := range t.lifecycles {
		c.lifecycles[k] = v
	}
	for k, v := range t.escalations {
		c.escalations[k] = v
	}
	for k, v := range t.dailyAuth {
		c.dailyAuth[k] = v
	}
	for k, v := range t.settlements {
		c.settlements[k] = v
	}
	for k, v := range t.wallets {
		c.wallets[k] = v
	}
	for k, v := range t.outbox {
		c.outbox[k] = v
	}
	c.outboxOrder = append([]string(nil), t.outboxOrder...)
	for k, v := range t.dispatchIDs {
		c.dispatchIDs[k] = v
	}
	for k, v := range t.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range t.endpoints {
		c.endpoints[k] = v
	}
	return c
}

// CommitTx applies the batch against a clone of the tenant's state and
// swaps it in only when every op validated. Partial application is never
// observable.
func (m *Memory) CommitTx(ctx context.Context, tx Tx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	base, ok := m.tenants[tx.TenantID]
	if !ok {
		base = newTenantState()
	}
	staged := base.clone()
	stagedKeys := make(map[string]contracts.APIKey)

	for _, op := range tx.Ops {
		if err := applyOp(staged, stagedKeys, tx, op); err != nil {
			return err
		}
	}

	m.tenants[tx.TenantID] = staged
	for id, k := range stagedKeys {
		m.apiKeys[id] = k
	}
	return nil
}

func applyOp(t *tenantState, keys map[string]contracts.APIKey, tx Tx, op Op) error {
	switch o := op.(type) {
	case SessionPutOp:
		t.sessions[o.Session.SessionID] = o.Session
	case SessionAppendEventOp:
		return appendSessionEvent(t, o)
	case AgentCardUpsertOp:
		prev, exists := t.cards[o.Card.AgentID]
		if exists && o.Card.Revision != prev.Revision+1 {
			return &ConflictError{Entity: "agentCard", ID: o.Card.AgentID, Detail: "revision must advance by one"}
		}
		if !exists && o.Card.Revision != 1 {
			return &ConflictError{Entity: "agentCard", ID: o.Card.AgentID, Detail: "new card must start at revision 1"}
		}
		t.cards[o.Card.AgentID] = o.Card
	case AgentCardRemoveOp:
		delete(t.cards, o.AgentID)
	case X402GatePutOp:
		prev, exists := t.gates[o.Gate.GateID]
		if exists && o.Gate.Revision != prev.Revision+1 {
			return &ConflictError{Entity: "x402Gate", ID: o.Gate.GateID, Detail: "revision must advance by one"}
		}
		t.gates[o.Gate.GateID] = o.Gate
	case X402WalletPolicyPutOp:
		t.policies[o.Policy.SponsorWalletRef] = o.Policy
	case X402LifecyclePutOp:
		t.lifecycles[o.Lifecycle.AgentID] = o.Lifecycle
	case X402EscalationPutOp:
		t.escalations[o.Escalation.EscalationID] = o.Escalation
	case DailyAuthorizationAddOp:
		key := o.SponsorWalletRef + "/" + o.Day
		row := t.dailyAuth[key]
		row.SponsorWalletRef = o.SponsorWalletRef
		row.TenantID = tx.TenantID
		row.Day = o.Day
		row.AuthorizedCents += o.DeltaCents
		t.dailyAuth[key] = row
	case SettlementPutOp:
		t.settlements[o.Settlement.RunID] = o.Settlement
	case WalletPutOp:
		t.wallets[o.Wallet.WalletRef] = o.Wallet
	case OutboxEnqueueOp:
		if o.Message.DispatchID != "" {
			if _, dup := t.dispatchIDs[o.Message.DispatchID]; dup {
				return nil // dedupe by dispatch id
			}
			t.dispatchIDs[o.Message.DispatchID] = o.Message.ID
		}
		t.outbox[o.Message.ID] = o.Message
		t.outboxOrder = append(t.outboxOrder, o.Message.ID)
	case OutboxUpdateOp:
		if _, exists := t.outbox[o.Message.ID]; !exists {
			return &ConflictError{Entity: "outbox", ID: o.Message.ID, Detail: "message does not exist"}
		}
		t.outbox[o.Message.ID] = o.Message
	case IdempotencyPutOp:
		if _, exists := t.idempotency[o.Record.Key]; exists && o.Record.StatusCode == 0 {
			return &ConflictError{Entity: "idempotency", ID: o.Record.Key, Detail: "key is already reserved"}
		}
		t.idempotency[o.Record.Key] = o.Record
	case IdempotencyDeleteOp:
		delete(t.idempotency, o.Key)
	case WebhookEndpointPutOp:
		t.endpoints[o.Endpoint.EndpointID] = o.Endpoint
	case APIKeyPutOp:
		keys[o.Key.KeyID] = o.Key
	default:
		return &ConflictError{Entity: "op", Detail: "unknown operation type"}
	}
	return nil
}

func appendSessionEvent(t *tenantState, o SessionAppendEventOp) error {
	sess, ok := t.sessions[o.SessionID]
	if !ok {
		return &ConflictError{Entity: "session", ID: o.SessionID, Detail: "session does not exist"}
	}
	streamID := o.Event.StreamID
	head := t.heads[streamID]

	// Chain position check: the event must extend the current head.
	if head.EventCount == 0 {
		if o.Event.PrevChainHash != nil {
			return &ConflictError{Entity: "stream", ID: streamID, Detail: "first event must have null prevChainHash"}
		}
	} else {
		if o.Event.PrevChainHash == nil || head.LastChainHash == nil || *o.Event.PrevChainHash != *head.LastChainHash {
			return &ConflictError{Entity: "stream", ID: streamID, Detail: "prevChainHash does not match stream head"}
		}
	}

	t.events[streamID] = append(t.events[streamID], o.Event)
	head.StreamID = streamID
	head.LastEventID = o.Event.ID
	head.LastChainHash = &o.Event.ChainHash
	head.EventCount++
	t.heads[streamID] = head

	sess.LastEventID = o.Event.ID
	sess.LastChainHash = &o.Event.ChainHash
	sess.UpdatedAt = o.Event.At
	t.sessions[o.SessionID] = sess
	return nil
}

func (m *Memory) tenant(tenantID string) (*tenantState, bool) {
	t, ok := m.tenants[tenantID]
	return t, ok
}

// GetSession returns a session by id.
func (m *Memory) GetSession(_ context.Context, tenantID, sessionID string) (contracts.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if s, ok := t.sessions[sessionID]; ok {
			return s, nil
		}
	}
	return contracts.Session{}, ErrNotFound
}

// ListSessionEvents returns the event suffix after q.AfterEventID in
// append order.
func (m *Memory) ListSessionEvents(_ context.Context, tenantID, sessionID string, q EventQuery) ([]contracts.ChainedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenant(tenantID)
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	events := t.events["session/"+sess.SessionID]
	start := 0
	if q.AfterEventID != "" {
		start = -1
		for i, ev := range events {
			if ev.ID == q.AfterEventID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, ErrNotFound
		}
	}
	out := append([]contracts.ChainedEvent(nil), events[start:]...)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetStreamHead returns the head snapshot for a stream.
func (m *Memory) GetStreamHead(_ context.Context, tenantID, streamID string) (contracts.StreamHead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if h, ok := t.heads[streamID]; ok {
			return h, nil
		}
	}
	return contracts.StreamHead{StreamID: streamID}, nil
}

// GetAgentCard returns a card by agent id.
func (m *Memory) GetAgentCard(_ context.Context, tenantID, agentID string) (contracts.AgentCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if c, ok := t.cards[agentID]; ok {
			return c, nil
		}
	}
	return contracts.AgentCard{}, ErrNotFound
}

// ListAgentCards returns a tenant's cards ordered by (updatedAt, agentId).
func (m *Memory) ListAgentCards(_ context.Context, tenantID string) ([]contracts.AgentCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenant(tenantID)
	if !ok {
		return nil, nil
	}
	return sortCards(t.cards), nil
}

// ListPublicAgentCards returns every public card across tenants ordered by
// (updatedAt, agentId).
func (m *Memory) ListPublicAgentCards(_ context.Context) ([]contracts.AgentCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	merged := make(map[string]contracts.AgentCard)
	for _, t := range m.tenants {
		for id, c := range t.cards {
			if c.Visibility == contracts.VisibilityPublic {
				merged[id] = c
			}
		}
	}
	return sortCards(merged), nil
}

func sortCards(cards map[string]contracts.AgentCard) []contracts.AgentCard {
	out := make([]contracts.AgentCard, 0, len(cards))
	for _, c := range cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// GetGate returns a gate by id.
func (m *Memory) GetGate(_ context.Context, tenantID, gateID string) (contracts.X402Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if g, ok := t.gates[gateID]; ok {
			return g, nil
		}
	}
	return contracts.X402Gate{}, ErrNotFound
}

// ListGatesByPayer returns the payer's gates ordered by (updatedAt, gateId).
func (m *Memory) ListGatesByPayer(_ context.Context, tenantID, payerAgentID string) ([]contracts.X402Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenant(tenantID)
	if !ok {
		return nil, nil
	}
	var out []contracts.X402Gate
	for _, g := range t.gates {
		if g.PayerAgentID == payerAgentID {
			out = append(out, g)
		}
	}
	sortGates(out)
	return out, nil
}

// ListGates returns every gate for a tenant ordered by (updatedAt, gateId).
func (m *Memory) ListGates(_ context.Context, tenantID string) ([]contracts.X402Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenant(tenantID)
	if !ok {
		return nil, nil
	}
	out := make([]contracts.X402Gate, 0, len(t.gates))
	for _, g := range t.gates {
		out = append(out, g)
	}
	sortGates(out)
	return out, nil
}

func sortGates(gates []contracts.X402Gate) {
	sort.Slice(gates, func(i, j int) bool {
		if gates[i].UpdatedAt != gates[j].UpdatedAt {
			return gates[i].UpdatedAt < gates[j].UpdatedAt
		}
		return gates[i].GateID < gates[j].GateID
	})
}

// GetWalletPolicy returns a wallet policy by sponsor wallet ref.
func (m *Memory) GetWalletPolicy(_ context.Context, tenantID, sponsorWalletRef string) (contracts.X402WalletPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if p, ok := t.policies[sponsorWalletRef]; ok {
			return p, nil
		}
	}
	return contracts.X402WalletPolicy{}, ErrNotFound
}

// GetLifecycle returns an agent's lifecycle record.
func (m *Memory) GetLifecycle(_ context.Context, tenantID, agentID string) (contracts.X402AgentLifecycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if l, ok := t.lifecycles[agentID]; ok {
			return l, nil
		}
	}
	return contracts.X402AgentLifecycle{}, ErrNotFound
}

// GetEscalation returns an escalation by id.
func (m *Memory) GetEscalation(_ context.Context, tenantID, escalationID string) (contracts.X402Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if e, ok := t.escalations[escalationID]; ok {
			return e, nil
		}
	}
	return contracts.X402Escalation{}, ErrNotFound
}

// ListPendingEscalationsByAgent returns the agent's pending escalations
// ordered by (createdAt, escalationId).
func (m *Memory) ListPendingEscalationsByAgent(_ context.Context, tenantID, agentID string) ([]contracts.X402Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenant(tenantID)
	if !ok {
		return nil, nil
	}
	var out []contracts.X402Escalation
	for _, e := range t.escalations {
		if e.AgentID == agentID && e.Status == contracts.EscalationPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].EscalationID < out[j].EscalationID
	})
	return out, nil
}

// GetDailyAuthorization returns the accumulated authorized cents for a
// wallet-day; a zero row when absent.
func (m *Memory) GetDailyAuthorization(_ context.Context, tenantID, sponsorWalletRef, day string) (contracts.DailyAuthorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if d, ok := t.dailyAuth[sponsorWalletRef+"/"+day]; ok {
			return d, nil
		}
	}
	return contracts.DailyAuthorization{SponsorWalletRef: sponsorWalletRef, TenantID: tenantID, Day: day}, nil
}

// GetSettlementByRun returns the settlement for a run.
func (m *Memory) GetSettlementByRun(_ context.Context, tenantID, runID string) (contracts.AgentRunSettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if s, ok := t.settlements[runID]; ok {
			return s, nil
		}
	}
	return contracts.AgentRunSettlement{}, ErrNotFound
}

// ListWallets returns a tenant's wallets ordered by (updatedAt, walletRef).
func (m *Memory) ListWallets(_ context.Context, tenantID string) ([]contracts.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenant(tenantID)
	if !ok {
		return nil, nil
	}
	out := make([]contracts.Wallet, 0, len(t.wallets))
	for _, w := range t.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].WalletRef < out[j].WalletRef
	})
	return out, nil
}

// ListTenants returns every tenant id with state, sorted.
func (m *Memory) ListTenants(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ListDueOutbox returns undelivered rows whose nextAttemptAt is due, in
// enqueue (FIFO) order.
func (m *Memory) ListDueOutbox(_ context.Context, tenantID string, q OutboxQuery) ([]contracts.OutboxMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenant(tenantID)
	if !ok {
		return nil, nil
	}
	due := q.DueAt.UTC()
	var out []contracts.OutboxMessage
	for _, id := range t.outboxOrder {
		msg := t.outbox[id]
		if msg.DeliveredAt != "" {
			continue
		}
		if msg.DeadAt != "" && !q.IncludeDead {
			continue
		}
		if q.Type != "" && msg.Type != q.Type {
			continue
		}
		// Compare instants, not strings: RFC3339Nano trims trailing
		// zeros, so lexical order is not time order.
		if next, err := time.Parse(time.RFC3339Nano, msg.NextAttemptAt); err == nil && next.After(due) {
			continue
		}
		out = append(out, msg)
		if q.MaxMessages > 0 && len(out) >= q.MaxMessages {
			break
		}
	}
	return out, nil
}

// GetOutboxByDispatchID returns the outbox row carrying a dispatch id.
func (m *Memory) GetOutboxByDispatchID(_ context.Context, tenantID, dispatchID string) (contracts.OutboxMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if id, ok := t.dispatchIDs[dispatchID]; ok {
			return t.outbox[id], nil
		}
	}
	return contracts.OutboxMessage{}, ErrNotFound
}

// GetIdempotency returns the stored response for a key.
func (m *Memory) GetIdempotency(_ context.Context, tenantID, key string) (contracts.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenant(tenantID); ok {
		if r, ok := t.idempotency[key]; ok {
			return r, nil
		}
	}
	return contracts.IdempotencyRecord{}, ErrNotFound
}

// GetAPIKey returns an API key by key id. Keys are global: the key maps the
// caller to its tenant.
func (m *Memory) GetAPIKey(_ context.Context, keyID string) (contracts.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k, ok := m.apiKeys[keyID]; ok {
		return k, nil
	}
	return contracts.APIKey{}, ErrNotFound
}

// ListWebhookEndpoints returns a tenant's delivery targets ordered by id.
func (m *Memory) ListWebhookEndpoints(_ context.Context, tenantID string) ([]contracts.WebhookEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenant(tenantID)
	if !ok {
		return nil, nil
	}
	out := make([]contracts.WebhookEndpoint, 0, len(t.endpoints))
	for _, e := range t.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}
