package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
)

// Defaults for the retry schedule.
const (
	DefaultMaxAttempts = 8
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = 1 * time.Hour
	DefaultBatchSize   = 50
)

// Processor drains due webhook messages for a tenant: deliver, retry with
// exponential backoff, dead-letter after MaxAttempts.
type Processor struct {
	Store       store.Store
	Deliverer   Deliverer
	Logger      *slog.Logger
	Clock       func() time.Time
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewProcessor wires a processor with default retry settings.
func NewProcessor(st store.Store, d Deliverer, logger *slog.Logger) *Processor {
	return &Processor{
		Store:       st,
		Deliverer:   d,
		Logger:      logger,
		Clock:       time.Now,
		MaxAttempts: DefaultMaxAttempts,
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
	}
}

// TickResult summarizes one delivery tick.
type TickResult struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
}

func (p *Processor) backoff(attempts int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempts && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// TickDeliveries processes up to DefaultBatchSize due WEBHOOK_EVENT
// messages for one tenant. Messages for tenants without a registered
// endpoint stay queued untouched.
func (p *Processor) TickDeliveries(ctx context.Context, tenantID string) (TickResult, error) {
	now := p.Clock().UTC()
	var result TickResult

	endpoints, err := p.Store.ListWebhookEndpoints(ctx, tenantID)
	if err != nil {
		return result, err
	}
	if len(endpoints) == 0 {
		return result, nil
	}

	due, err := p.Store.ListDueOutbox(ctx, tenantID, store.OutboxQuery{
		Type:        contracts.OutboxTypeWebhook,
		DueAt:       now,
		MaxMessages: DefaultBatchSize,
	})
	if err != nil {
		return result, err
	}

	for _, msg := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		updated, outcome := p.attempt(ctx, endpoints, msg, now)
		if err := p.Store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
			store.OutboxUpdateOp{Message: updated},
		}}); err != nil {
			return result, err
		}
		switch outcome {
		case "delivered":
			result.Delivered++
		case "retried":
			result.Retried++
		case "dead":
			result.Dead++
		}
	}
	return result, nil
}

func (p *Processor) attempt(ctx context.Context, endpoints []contracts.WebhookEndpoint, msg contracts.OutboxMessage, now time.Time) (contracts.OutboxMessage, string) {
	msg.Attempts++

	var lastErr error
	delivered := false
	for _, ep := range endpoints {
		if err := p.Deliverer.Deliver(ctx, ep, msg); err != nil {
			lastErr = err
			break
		}
		delivered = true
	}

	if delivered && lastErr == nil {
		msg.DeliveredAt = now.Format(time.RFC3339Nano)
		msg.FailedReason = ""
		p.Logger.InfoContext(ctx, "outbox delivered",
			"messageId", msg.ID, "type", msg.Type, "attempts", msg.Attempts)
		return msg, "delivered"
	}

	var de *DeliveryError
	permanent := errors.As(lastErr, &de) && de.Permanent
	switch {
	case permanent:
		msg.DeadAt = now.Format(time.RFC3339Nano)
		msg.FailedReason = contracts.ReasonPermanentClientErr
		p.Logger.WarnContext(ctx, "outbox dead-lettered",
			"messageId", msg.ID, "reason", msg.FailedReason, "error", lastErr)
		return msg, "dead"
	case msg.Attempts >= p.MaxAttempts:
		msg.DeadAt = now.Format(time.RFC3339Nano)
		msg.FailedReason = "max_attempts_exhausted"
		p.Logger.WarnContext(ctx, "outbox dead-lettered",
			"messageId", msg.ID, "reason", msg.FailedReason, "attempts", msg.Attempts)
		return msg, "dead"
	default:
		msg.NextAttemptAt = now.Add(p.backoff(msg.Attempts)).Format(time.RFC3339Nano)
		msg.FailedReason = lastErr.Error()
		p.Logger.WarnContext(ctx, "outbox delivery retry scheduled",
			"messageId", msg.ID, "attempts", msg.Attempts, "nextAttemptAt", msg.NextAttemptAt)
		return msg, "retried"
	}
}

// ListDead returns dead-lettered messages for inspection.
func (p *Processor) ListDead(ctx context.Context, tenantID string) ([]contracts.OutboxMessage, error) {
	all, err := p.Store.ListDueOutbox(ctx, tenantID, store.OutboxQuery{
		DueAt:       p.Clock().UTC().Add(DefaultMaxBackoff * 24),
		IncludeDead: true,
	})
	if err != nil {
		return nil, err
	}
	dead := all[:0:0]
	for _, m := range all {
		if m.DeadAt != "" {
			dead = append(dead, m)
		}
	}
	return dead, nil
}
