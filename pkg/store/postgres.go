package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
)

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Postgres is the production backend. Every CommitTx runs inside one
// SERIALIZABLE transaction; entity rows carry (tenant_id, entity_id)
// primary keys and revision counters for optimistic concurrency.
type Postgres struct {
	db     *sql.DB
	schema string
}

// NewPostgres opens a Postgres-backed store. schema selects the namespace
// for all tables; it must match [A-Za-z_][A-Za-z0-9_]*.
func NewPostgres(dsn, schema string) (*Postgres, error) {
	if schema == "" {
		schema = "settld"
	}
	if !schemaNamePattern.MatchString(schema) {
		return nil, fmt.Errorf("store: invalid schema name %q", schema)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return &Postgres{db: db, schema: schema}, nil
}

// DB exposes the underlying handle for migrations and health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) table(name string) string {
	return pq.QuoteIdentifier(p.schema) + "." + pq.QuoteIdentifier(name)
}

// Migrate creates the schema and tables when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(p.schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, session_id TEXT NOT NULL, updated_at TEXT NOT NULL,
			doc JSONB NOT NULL, PRIMARY KEY (tenant_id, session_id))`, p.table("sessions")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, stream_id TEXT NOT NULL, seq BIGINT NOT NULL,
			event_id TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, stream_id, seq),
			UNIQUE (tenant_id, stream_id, event_id))`, p.table("session_events")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, stream_id TEXT NOT NULL, last_event_id TEXT NOT NULL,
			last_chain_hash TEXT, event_count BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, stream_id))`, p.table("stream_heads")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, agent_id TEXT NOT NULL, visibility TEXT NOT NULL,
			revision BIGINT NOT NULL, updated_at TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, agent_id))`, p.table("agent_cards")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, gate_id TEXT NOT NULL, payer_agent_id TEXT NOT NULL,
			revision BIGINT NOT NULL, updated_at TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, gate_id))`, p.table("x402_gates")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, sponsor_wallet_ref TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, sponsor_wallet_ref))`, p.table("wallet_policies")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, agent_id TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, agent_id))`, p.table("agent_lifecycles")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, escalation_id TEXT NOT NULL, agent_id TEXT NOT NULL,
			status TEXT NOT NULL, created_at TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, escalation_id))`, p.table("x402_escalations")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, sponsor_wallet_ref TEXT NOT NULL, day TEXT NOT NULL,
			authorized_cents BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, sponsor_wallet_ref, day))`, p.table("daily_authorizations")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, run_id TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, run_id))`, p.table("run_settlements")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, wallet_ref TEXT NOT NULL, updated_at TEXT NOT NULL,
			doc JSONB NOT NULL, PRIMARY KEY (tenant_id, wallet_ref))`, p.table("wallets")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL, tenant_id TEXT NOT NULL, id TEXT NOT NULL, type TEXT NOT NULL,
			next_attempt_at TEXT NOT NULL, delivered_at TEXT, dead_at TEXT, dispatch_id TEXT,
			doc JSONB NOT NULL, PRIMARY KEY (tenant_id, id))`, p.table("outbox")),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS outbox_dispatch_idx ON %s (tenant_id, dispatch_id) WHERE dispatch_id IS NOT NULL`, p.table("outbox")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, key TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, key))`, p.table("idempotency_keys")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id TEXT NOT NULL, endpoint_id TEXT NOT NULL, doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, endpoint_id))`, p.table("webhook_endpoints")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key_id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, doc JSONB NOT NULL)`, p.table("api_keys")),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// CommitTx applies the batch inside one SERIALIZABLE transaction.
func (p *Postgres) CommitTx(ctx context.Context, tx Tx) error {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	for _, op := range tx.Ops {
		if err := p.applyOp(ctx, dbtx, tx, op); err != nil {
			return err
		}
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (p *Postgres) applyOp(ctx context.Context, tx *sql.Tx, batch Tx, op Op) error {
	switch o := op.(type) {
	case SessionPutOp:
		doc, err := json.Marshal(o.Session)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, session_id, updated_at, doc)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (tenant_id, session_id) DO UPDATE SET updated_at=$3, doc=$4`, p.table("sessions")),
			batch.TenantID, o.Session.SessionID, o.Session.UpdatedAt, doc)
		return err
	case SessionAppendEventOp:
		return p.appendSessionEvent(ctx, tx, batch, o)
	case AgentCardUpsertOp:
		return p.putRevisioned(ctx, tx, batch.TenantID, "agent_cards", "agent_id", o.Card.AgentID, o.Card.Revision,
			func() ([]byte, error) { return json.Marshal(o.Card) },
			fmt.Sprintf(`INSERT INTO %s (tenant_id, agent_id, visibility, revision, updated_at, doc)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (tenant_id, agent_id) DO UPDATE SET visibility=$3, revision=$4, updated_at=$5, doc=$6`, p.table("agent_cards")),
			string(o.Card.Visibility), o.Card.UpdatedAt)
	case AgentCardRemoveOp:
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id=$1 AND agent_id=$2`, p.table("agent_cards")),
			batch.TenantID, o.AgentID)
		return err
	case X402GatePutOp:
		return p.putRevisioned(ctx, tx, batch.TenantID, "x402_gates", "gate_id", o.Gate.GateID, o.Gate.Revision,
			func() ([]byte, error) { return json.Marshal(o.Gate) },
			fmt.Sprintf(`INSERT INTO %s (tenant_id, gate_id, payer_agent_id, revision, updated_at, doc)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (tenant_id, gate_id) DO UPDATE SET payer_agent_id=$3, revision=$4, updated_at=$5, doc=$6`, p.table("x402_gates")),
			o.Gate.PayerAgentID, o.Gate.UpdatedAt)
	case X402WalletPolicyPutOp:
		return p.putDoc(ctx, tx, "wallet_policies", "sponsor_wallet_ref", batch.TenantID, o.Policy.SponsorWalletRef, o.Policy)
	case X402LifecyclePutOp:
		return p.putDoc(ctx, tx, "agent_lifecycles", "agent_id", batch.TenantID, o.Lifecycle.AgentID, o.Lifecycle)
	case X402EscalationPutOp:
		doc, err := json.Marshal(o.Escalation)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, escalation_id, agent_id, status, created_at, doc)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, escalation_id) DO UPDATE SET agent_id=$3, status=$4, created_at=$5, doc=$6`, p.table("x402_escalations")),
			batch.TenantID, o.Escalation.EscalationID, o.Escalation.AgentID, string(o.Escalation.Status), o.Escalation.CreatedAt, doc)
		return err
	case DailyAuthorizationAddOp:
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, sponsor_wallet_ref, day, authorized_cents)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (tenant_id, sponsor_wallet_ref, day) DO UPDATE
			SET authorized_cents = %s.authorized_cents + $4`, p.table("daily_authorizations"), p.table("daily_authorizations")),
			batch.TenantID, o.SponsorWalletRef, o.Day, o.DeltaCents)
		return err
	case SettlementPutOp:
		return p.putDoc(ctx, tx, "run_settlements", "run_id", batch.TenantID, o.Settlement.RunID, o.Settlement)
	case WalletPutOp:
		doc, err := json.Marshal(o.Wallet)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, wallet_ref, updated_at, doc)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (tenant_id, wallet_ref) DO UPDATE SET updated_at=$3, doc=$4`, p.table("wallets")),
			batch.TenantID, o.Wallet.WalletRef, o.Wallet.UpdatedAt, doc)
		return err
	case OutboxEnqueueOp:
		doc, err := json.Marshal(o.Message)
		if err != nil {
			return err
		}
		var dispatch sql.NullString
		if o.Message.DispatchID != "" {
			dispatch = sql.NullString{String: o.Message.DispatchID, Valid: true}
		}
		// Dedupe on dispatch id: a second enqueue of the same dispatch is
		// silently dropped.
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, id, type, next_attempt_at, dispatch_id, doc)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT DO NOTHING`, p.table("outbox")),
			batch.TenantID, o.Message.ID, o.Message.Type, o.Message.NextAttemptAt, dispatch, doc)
		return err
	case OutboxUpdateOp:
		doc, err := json.Marshal(o.Message)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET next_attempt_at=$3, delivered_at=NULLIF($4,''), dead_at=NULLIF($5,''), doc=$6
			WHERE tenant_id=$1 AND id=$2`, p.table("outbox")),
			batch.TenantID, o.Message.ID, o.Message.NextAttemptAt, o.Message.DeliveredAt, o.Message.DeadAt, doc)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &ConflictError{Entity: "outbox", ID: o.Message.ID, Detail: "message does not exist"}
		}
		return nil
	case IdempotencyPutOp:
		if o.Record.StatusCode == 0 {
			doc, err := json.Marshal(o.Record)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, key, doc) VALUES ($1,$2,$3)
				ON CONFLICT (tenant_id, key) DO NOTHING`, p.table("idempotency_keys")),
				batch.TenantID, o.Record.Key, doc)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &ConflictError{Entity: "idempotency", ID: o.Record.Key, Detail: "key is already reserved"}
			}
			return nil
		}
		return p.putDoc(ctx, tx, "idempotency_keys", "key", batch.TenantID, o.Record.Key, o.Record)
	case IdempotencyDeleteOp:
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id=$1 AND key=$2`,
			p.table("idempotency_keys")), batch.TenantID, o.Key)
		return err
	case WebhookEndpointPutOp:
		return p.putDoc(ctx, tx, "webhook_endpoints", "endpoint_id", batch.TenantID, o.Endpoint.EndpointID, o.Endpoint)
	case APIKeyPutOp:
		doc, err := json.Marshal(o.Key)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (key_id, tenant_id, doc) VALUES ($1,$2,$3)
			ON CONFLICT (key_id) DO UPDATE SET tenant_id=$2, doc=$3`, p.table("api_keys")),
			o.Key.KeyID, o.Key.TenantID, doc)
		return err
	default:
		return &ConflictError{Entity: "op", Detail: "unknown operation type"}
	}
}

func (p *Postgres) putDoc(ctx context.Context, tx *sql.Tx, table, idCol, tenantID, id string, v interface{}) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, %s, doc) VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, %s) DO UPDATE SET doc=$3`, p.table(table), pq.QuoteIdentifier(idCol), pq.QuoteIdentifier(idCol)),
		tenantID, id, doc)
	return err
}

func (p *Postgres) putRevisioned(ctx context.Context, tx *sql.Tx, tenantID, table, idCol, id string, revision int64, marshal func() ([]byte, error), stmt string, extra ...interface{}) error {
	var current sql.NullInt64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT revision FROM %s WHERE tenant_id=$1 AND %s=$2 FOR UPDATE`,
		p.table(table), pq.QuoteIdentifier(idCol)), tenantID, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if table == "agent_cards" && revision != 1 {
			return &ConflictError{Entity: table, ID: id, Detail: "new entity must start at revision 1"}
		}
	case err != nil:
		return err
	default:
		if revision != current.Int64+1 {
			return &ConflictError{Entity: table, ID: id, Detail: "revision must advance by one"}
		}
	}
	doc, err := marshal()
	if err != nil {
		return err
	}
	// Statement parameter order: tenant, id, discriminator column, revision,
	// updated_at, doc.
	_, err = tx.ExecContext(ctx, stmt, tenantID, id, extra[0], revision, extra[1], doc)
	return err
}

func (p *Postgres) appendSessionEvent(ctx context.Context, tx *sql.Tx, batch Tx, o SessionAppendEventOp) error {
	var updatedAt string
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT updated_at FROM %s WHERE tenant_id=$1 AND session_id=$2 FOR UPDATE`, p.table("sessions")),
		batch.TenantID, o.SessionID).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &ConflictError{Entity: "session", ID: o.SessionID, Detail: "session does not exist"}
	}
	if err != nil {
		return err
	}

	streamID := o.Event.StreamID
	var lastChain sql.NullString
	var count int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT last_chain_hash, event_count FROM %s WHERE tenant_id=$1 AND stream_id=$2 FOR UPDATE`, p.table("stream_heads")),
		batch.TenantID, streamID).Scan(&lastChain, &count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if count == 0 {
		if o.Event.PrevChainHash != nil {
			return &ConflictError{Entity: "stream", ID: streamID, Detail: "first event must have null prevChainHash"}
		}
	} else if o.Event.PrevChainHash == nil || !lastChain.Valid || *o.Event.PrevChainHash != lastChain.String {
		return &ConflictError{Entity: "stream", ID: streamID, Detail: "prevChainHash does not match stream head"}
	}

	doc, err := json.Marshal(o.Event)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, stream_id, seq, event_id, doc)
		VALUES ($1,$2,$3,$4,$5)`, p.table("session_events")),
		batch.TenantID, streamID, count+1, o.Event.ID, doc); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, stream_id, last_event_id, last_chain_hash, event_count)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, stream_id) DO UPDATE SET last_event_id=$3, last_chain_hash=$4, event_count=$5`, p.table("stream_heads")),
		batch.TenantID, streamID, o.Event.ID, o.Event.ChainHash, count+1); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET updated_at=$3,
		doc = doc || jsonb_build_object('lastEventId', $4::text, 'lastChainHash', $5::text, 'updatedAt', $3::text)
		WHERE tenant_id=$1 AND session_id=$2`, p.table("sessions")),
		batch.TenantID, o.SessionID, o.Event.At, o.Event.ID, o.Event.ChainHash)
	return err
}

func scanDoc[T any](row *sql.Row) (T, error) {
	var zero T
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, err
	}
	var out T
	if err := json.Unmarshal(doc, &out); err != nil {
		return zero, fmt.Errorf("store: corrupt document: %w", err)
	}
	return out, nil
}

func collectDocs[T any](rows *sql.Rows) ([]T, error) {
	defer func() { _ = rows.Close() }()
	var out []T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("store: corrupt document: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetSession returns a session by id.
func (p *Postgres) GetSession(ctx context.Context, tenantID, sessionID string) (contracts.Session, error) {
	return scanDoc[contracts.Session](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND session_id=$2`, p.table("sessions")), tenantID, sessionID))
}

// ListSessionEvents returns the suffix after q.AfterEventID in sequence
// order.
func (p *Postgres) ListSessionEvents(ctx context.Context, tenantID, sessionID string, q EventQuery) ([]contracts.ChainedEvent, error) {
	streamID := contracts.SessionStreamID(sessionID)
	afterSeq := int64(0)
	if q.AfterEventID != "" {
		err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT seq FROM %s WHERE tenant_id=$1 AND stream_id=$2 AND event_id=$3`, p.table("session_events")),
			tenantID, streamID, q.AfterEventID).Scan(&afterSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s
		WHERE tenant_id=$1 AND stream_id=$2 AND seq > $3 ORDER BY seq ASC LIMIT $4`, p.table("session_events")),
		tenantID, streamID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.ChainedEvent](rows)
}

// GetStreamHead returns the head snapshot for a stream.
func (p *Postgres) GetStreamHead(ctx context.Context, tenantID, streamID string) (contracts.StreamHead, error) {
	var head contracts.StreamHead
	var lastChain sql.NullString
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT last_event_id, last_chain_hash, event_count FROM %s
		WHERE tenant_id=$1 AND stream_id=$2`, p.table("stream_heads")),
		tenantID, streamID).Scan(&head.LastEventID, &lastChain, &head.EventCount)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.StreamHead{StreamID: streamID}, nil
	}
	if err != nil {
		return contracts.StreamHead{}, err
	}
	head.StreamID = streamID
	if lastChain.Valid {
		head.LastChainHash = &lastChain.String
	}
	return head, nil
}

// GetAgentCard returns a card by agent id.
func (p *Postgres) GetAgentCard(ctx context.Context, tenantID, agentID string) (contracts.AgentCard, error) {
	return scanDoc[contracts.AgentCard](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND agent_id=$2`, p.table("agent_cards")), tenantID, agentID))
}

// ListAgentCards returns a tenant's cards ordered by (updated_at, agent_id).
func (p *Postgres) ListAgentCards(ctx context.Context, tenantID string) ([]contracts.AgentCard, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1
		ORDER BY updated_at ASC, agent_id ASC`, p.table("agent_cards")), tenantID)
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.AgentCard](rows)
}

// ListPublicAgentCards returns all public cards across tenants ordered by
// (updated_at, agent_id).
func (p *Postgres) ListPublicAgentCards(ctx context.Context) ([]contracts.AgentCard, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE visibility='public'
		ORDER BY updated_at ASC, agent_id ASC`, p.table("agent_cards")))
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.AgentCard](rows)
}

// GetGate returns a gate by id.
func (p *Postgres) GetGate(ctx context.Context, tenantID, gateID string) (contracts.X402Gate, error) {
	return scanDoc[contracts.X402Gate](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND gate_id=$2`, p.table("x402_gates")), tenantID, gateID))
}

// ListGatesByPayer returns the payer's gates ordered by (updated_at, gate_id).
func (p *Postgres) ListGatesByPayer(ctx context.Context, tenantID, payerAgentID string) ([]contracts.X402Gate, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND payer_agent_id=$2
		ORDER BY updated_at ASC, gate_id ASC`, p.table("x402_gates")), tenantID, payerAgentID)
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.X402Gate](rows)
}

// ListGates returns every gate for a tenant ordered by (updated_at, gate_id).
func (p *Postgres) ListGates(ctx context.Context, tenantID string) ([]contracts.X402Gate, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1
		ORDER BY updated_at ASC, gate_id ASC`, p.table("x402_gates")), tenantID)
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.X402Gate](rows)
}

// GetWalletPolicy returns a wallet policy by sponsor wallet ref.
func (p *Postgres) GetWalletPolicy(ctx context.Context, tenantID, sponsorWalletRef string) (contracts.X402WalletPolicy, error) {
	return scanDoc[contracts.X402WalletPolicy](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND sponsor_wallet_ref=$2`, p.table("wallet_policies")), tenantID, sponsorWalletRef))
}

// GetLifecycle returns an agent's lifecycle record.
func (p *Postgres) GetLifecycle(ctx context.Context, tenantID, agentID string) (contracts.X402AgentLifecycle, error) {
	return scanDoc[contracts.X402AgentLifecycle](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND agent_id=$2`, p.table("agent_lifecycles")), tenantID, agentID))
}

// GetEscalation returns an escalation by id.
func (p *Postgres) GetEscalation(ctx context.Context, tenantID, escalationID string) (contracts.X402Escalation, error) {
	return scanDoc[contracts.X402Escalation](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND escalation_id=$2`, p.table("x402_escalations")), tenantID, escalationID))
}

// ListPendingEscalationsByAgent returns pending escalations ordered by
// (created_at, escalation_id).
func (p *Postgres) ListPendingEscalationsByAgent(ctx context.Context, tenantID, agentID string) ([]contracts.X402Escalation, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s
		WHERE tenant_id=$1 AND agent_id=$2 AND status='pending'
		ORDER BY created_at ASC, escalation_id ASC`, p.table("x402_escalations")), tenantID, agentID)
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.X402Escalation](rows)
}

// GetDailyAuthorization returns the accumulated cents for a wallet-day.
func (p *Postgres) GetDailyAuthorization(ctx context.Context, tenantID, sponsorWalletRef, day string) (contracts.DailyAuthorization, error) {
	row := contracts.DailyAuthorization{SponsorWalletRef: sponsorWalletRef, TenantID: tenantID, Day: day}
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT authorized_cents FROM %s
		WHERE tenant_id=$1 AND sponsor_wallet_ref=$2 AND day=$3`, p.table("daily_authorizations")),
		tenantID, sponsorWalletRef, day).Scan(&row.AuthorizedCents)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return contracts.DailyAuthorization{}, err
	}
	return row, nil
}

// GetSettlementByRun returns the settlement for a run.
func (p *Postgres) GetSettlementByRun(ctx context.Context, tenantID, runID string) (contracts.AgentRunSettlement, error) {
	return scanDoc[contracts.AgentRunSettlement](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND run_id=$2`, p.table("run_settlements")), tenantID, runID))
}

// ListWallets returns a tenant's wallets ordered by (updated_at, wallet_ref).
func (p *Postgres) ListWallets(ctx context.Context, tenantID string) ([]contracts.Wallet, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1
		ORDER BY updated_at ASC, wallet_ref ASC`, p.table("wallets")), tenantID)
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.Wallet](rows)
}

// ListTenants returns the distinct tenant ids with any gate, wallet, or
// session state.
func (p *Postgres) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT tenant_id FROM (
		SELECT tenant_id FROM %s UNION SELECT tenant_id FROM %s UNION SELECT tenant_id FROM %s) t
		ORDER BY tenant_id ASC`, p.table("x402_gates"), p.table("wallets"), p.table("sessions")))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListDueOutbox returns undelivered due rows in enqueue order.
func (p *Postgres) ListDueOutbox(ctx context.Context, tenantID string, q OutboxQuery) ([]contracts.OutboxMessage, error) {
	due := q.DueAt.UTC().Format(time.RFC3339Nano)
	limit := q.MaxMessages
	if limit <= 0 {
		limit = 1 << 30
	}
	deadClause := "AND dead_at IS NULL"
	if q.IncludeDead {
		deadClause = ""
	}
	typeClause := ""
	args := []interface{}{tenantID, due, limit}
	if q.Type != "" {
		typeClause = "AND type = $4"
		args = append(args, q.Type)
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s
		WHERE tenant_id=$1 AND delivered_at IS NULL %s AND next_attempt_at <= $2 %s
		ORDER BY seq ASC LIMIT $3`, p.table("outbox"), deadClause, typeClause), args...)
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.OutboxMessage](rows)
}

// GetOutboxByDispatchID returns the outbox row carrying a dispatch id.
func (p *Postgres) GetOutboxByDispatchID(ctx context.Context, tenantID, dispatchID string) (contracts.OutboxMessage, error) {
	return scanDoc[contracts.OutboxMessage](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND dispatch_id=$2`, p.table("outbox")), tenantID, dispatchID))
}

// GetIdempotency returns the stored response for a key.
func (p *Postgres) GetIdempotency(ctx context.Context, tenantID, key string) (contracts.IdempotencyRecord, error) {
	return scanDoc[contracts.IdempotencyRecord](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1 AND key=$2`, p.table("idempotency_keys")), tenantID, key))
}

// GetAPIKey returns an API key by key id.
func (p *Postgres) GetAPIKey(ctx context.Context, keyID string) (contracts.APIKey, error) {
	return scanDoc[contracts.APIKey](p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE key_id=$1`, p.table("api_keys")), keyID))
}

// ListWebhookEndpoints returns a tenant's delivery targets ordered by id.
func (p *Postgres) ListWebhookEndpoints(ctx context.Context, tenantID string) ([]contracts.WebhookEndpoint, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id=$1
		ORDER BY endpoint_id ASC`, p.table("webhook_endpoints")), tenantID)
	if err != nil {
		return nil, err
	}
	return collectDocs[contracts.WebhookEndpoint](rows)
}
