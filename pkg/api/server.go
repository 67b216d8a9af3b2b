package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/outbox"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/stream"
	"github.com/settld-labs/settld-proxy/pkg/x402"
)

// Options wires a Server.
type Options struct {
	Store       store.Store
	Engine      *x402.Engine
	Signer      crypto.Signer
	Broadcaster *stream.Broadcaster
	Outbox      *outbox.Processor
	Scheduler   *outbox.Scheduler
	Logger      *slog.Logger
	Clock       func() time.Time

	MaxBodyBytes   int64
	RateLimitRPM   int
	RateLimitBurst int
}

// Server owns the HTTP surface.
type Server struct {
	Store       store.Store
	Engine      *x402.Engine
	Signer      crypto.Signer
	Broadcaster *stream.Broadcaster
	Sessions    *stream.SessionServer
	Cards       *stream.CardServer
	Outbox      *outbox.Processor
	Scheduler   *outbox.Scheduler
	Logger      *slog.Logger

	clock        func() time.Time
	maxBodyBytes int64
	limiter      *RateLimiter
}

// New builds a server and its stream sub-servers. Store and Engine are
// required; the x402 routes dereference the engine unconditionally.
func New(opts Options) *Server {
	if opts.Store == nil {
		panic("api: Options.Store is required")
	}
	if opts.Engine == nil {
		panic("api: Options.Engine is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateLimitRPM <= 0 {
		opts.RateLimitRPM = 600
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 60
	}
	return &Server{
		Store:       opts.Store,
		Engine:      opts.Engine,
		Signer:      opts.Signer,
		Broadcaster: opts.Broadcaster,
		Sessions:    &stream.SessionServer{Store: opts.Store, Broadcaster: opts.Broadcaster},
		Cards:       &stream.CardServer{Store: opts.Store, Broadcaster: opts.Broadcaster},
		Outbox:      opts.Outbox,
		Scheduler:   opts.Scheduler,
		Logger:      opts.Logger,

		clock:        opts.Clock,
		maxBodyBytes: opts.MaxBodyBytes,
		limiter:      NewRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst),
	}
}

func (s *Server) now() time.Time { return s.clock().UTC() }

// kick wakes the background scheduler after enqueuing outbox work.
func (s *Server) kick() {
	if s.Scheduler != nil {
		s.Scheduler.Kick()
	}
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.Idempotent(s.handleCreateSession))
	mux.HandleFunc("POST /sessions/{id}/events", s.Idempotent(s.handleAppendEvent))
	mux.HandleFunc("GET /sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /sessions/{id}/events/stream", s.handleSessionStream)

	mux.HandleFunc("PUT /agent-cards/{agentId}", s.Idempotent(s.handleUpsertCard))
	mux.HandleFunc("DELETE /agent-cards/{agentId}", s.handleRemoveCard)
	mux.HandleFunc("GET /agent-cards", s.handleListCards)
	mux.HandleFunc("GET /public/agent-cards/stream", s.handleCardsStream)

	mux.HandleFunc("POST /x402/gate/create", s.Idempotent(s.handleGateCreate))
	mux.HandleFunc("POST /x402/gate/quote", s.Idempotent(s.handleGateQuote))
	mux.HandleFunc("POST /x402/wallets/{walletRef}/authorize", s.Idempotent(s.handleWalletAuthorize))
	mux.HandleFunc("POST /x402/gate/authorize-payment", s.Idempotent(s.handleAuthorizePayment))
	mux.HandleFunc("POST /x402/gate/verify", s.Idempotent(s.handleGateVerify))
	mux.HandleFunc("POST /x402/gate/agents/{id}/wind-down", s.Idempotent(s.handleWindDown))
	mux.HandleFunc("GET /x402/gate/escalations/{id}", s.handleGetEscalation)
	mux.HandleFunc("GET /x402/gate/{id}", s.handleGetGate)
	mux.HandleFunc("PUT /x402/wallet-policies/{walletRef}", s.Idempotent(s.handlePutWalletPolicy))

	mux.HandleFunc("PUT /webhook-endpoints/{id}", s.Idempotent(s.handlePutWebhookEndpoint))
	mux.HandleFunc("POST /ticks/outbox", s.handleTickOutbox)
	mux.HandleFunc("POST /ticks/winddown-reversals", s.handleTickWinddown)
	mux.HandleFunc("POST /ticks/insolvency", s.handleTickInsolvency)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var h http.Handler = mux
	h = s.limiter.Middleware(h)
	h = AuthMiddleware(s.Store, s.Logger)(h)
	h = BodyLimitMiddleware(s.maxBodyBytes)(h)
	h = LoggingMiddleware(s.Logger)(h)
	return h
}
