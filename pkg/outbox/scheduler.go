package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/store"
)

// TickFunc runs one maintenance pass for a tenant. The scheduler treats
// each func independently; one failing does not stop the others.
type TickFunc func(ctx context.Context, tenantID string) error

// Scheduler runs registered tick funcs for every tenant on a fixed
// interval, plus immediately when Kick is called. Helpers that enqueue
// outbox work call Kick so deliveries do not wait for the next interval.
type Scheduler struct {
	Store    store.Store
	Logger   *slog.Logger
	Interval time.Duration
	ticks    []TickFunc
	kick     chan struct{}
}

// NewScheduler wires a scheduler. Interval defaults to 5 seconds.
func NewScheduler(st store.Store, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		Store:    st,
		Logger:   logger,
		Interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Register adds a tick func. Not safe to call after Run has started.
func (s *Scheduler) Register(fn TickFunc) { s.ticks = append(s.ticks, fn) }

// Kick requests an immediate pass. Non-blocking; coalesces with a pending
// kick.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.pass(ctx)
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	tenants, err := s.Store.ListTenants(ctx)
	if err != nil {
		s.Logger.ErrorContext(ctx, "scheduler tenant listing failed", "error", err)
		return
	}
	for _, tenantID := range tenants {
		for _, fn := range s.ticks {
			if ctx.Err() != nil {
				return
			}
			if err := fn(ctx, tenantID); err != nil {
				s.Logger.ErrorContext(ctx, "scheduler tick failed",
					"tenantId", tenantID, "error", err)
			}
		}
	}
}
