package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/tenants"
)

// Request headers recognized by the middleware chain.
const (
	HeaderTenant         = "X-Proxy-Tenant-Id"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderProtocol       = "X-Settld-Protocol"
	HeaderExpectedPrev   = "X-Proxy-Expected-Prev-Chain-Hash"
)

// Response headers mirroring the verification decision.
const (
	HeaderReasonCode        = "X-Settld-Reason-Code"
	HeaderVerificationCodes = "X-Settld-Verification-Codes"
)

// publicDiscoveryPath reports whether the request targets the public
// agent-card discovery surface, which is rate limited instead of
// auth-gated.
func publicDiscoveryPath(path string) bool {
	return strings.HasPrefix(path, "/public/agent-cards")
}

// AuthMiddleware authenticates "Bearer <keyId>.<secret>" against stored
// API keys and attaches the principal to the request context. When the
// tenant header is present it must match the key's tenant.
//
// Public discovery is reachable without credentials: a valid key still
// attaches its principal so paid tools can bypass the discovery limiter,
// while missing or invalid keys fall through to it instead of 401.
func AuthMiddleware(st store.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			if publicDiscoveryPath(r.URL.Path) {
				if p, ok := authenticate(st, r); ok {
					r = r.WithContext(tenants.WithPrincipal(r.Context(), p))
				}
				next.ServeHTTP(w, r)
				return
			}
			raw := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(raw, "Bearer ")
			if !ok || token == "" {
				WriteError(w, http.StatusUnauthorized, CodeAuthRequired, "bearer token required", nil)
				return
			}
			keyID, secret, ok := strings.Cut(token, ".")
			if !ok || keyID == "" || secret == "" {
				WriteError(w, http.StatusUnauthorized, CodeAuthRequired, "token must be <keyId>.<secret>", nil)
				return
			}

			key, err := st.GetAPIKey(r.Context(), keyID)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, CodeAuthRequired, "unknown key", nil)
				return
			}
			if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
				logger.WarnContext(r.Context(), "auth secret mismatch", "keyId", keyID)
				WriteError(w, http.StatusUnauthorized, CodeAuthRequired, "invalid credentials", nil)
				return
			}
			if hdr := r.Header.Get(HeaderTenant); hdr != "" && hdr != key.TenantID {
				WriteError(w, http.StatusForbidden, CodeAuthForbidden, "tenant header does not match key", nil)
				return
			}

			ctx := tenants.WithPrincipal(r.Context(), tenants.Principal{
				TenantID: key.TenantID,
				KeyID:    key.KeyID,
				ToolID:   key.ToolID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate resolves a bearer token to its principal without writing
// an error response. Used on paths where failed auth degrades to the
// rate limiter instead of rejecting the request.
func authenticate(st store.Store, r *http.Request) (tenants.Principal, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return tenants.Principal{}, false
	}
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return tenants.Principal{}, false
	}
	key, err := st.GetAPIKey(r.Context(), keyID)
	if err != nil || subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
		return tenants.Principal{}, false
	}
	return tenants.Principal{TenantID: key.TenantID, KeyID: key.KeyID, ToolID: key.ToolID}, true
}

// keyLimiter tracks one caller's token bucket.
type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces the public-discovery token bucket. Keys bound to a
// paid tool bypass it; every other caller, including ones presenting
// invalid keys, is limited per key or remote address.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*keyLimiter
	rpm     int
	burst   int
}

// NewRateLimiter creates a limiter allowing rpm requests per minute with
// the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	rl := &RateLimiter{
		callers: make(map[string]*keyLimiter),
		rpm:     rpm,
		burst:   burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for id, c := range rl.callers {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(rl.callers, id)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) allow(keyID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.callers[keyID]
	if !ok {
		c = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.burst)}
		rl.callers[keyID] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// Middleware applies the limit to public discovery requests. Other
// routes are auth-gated and pass through untouched.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !publicDiscoveryPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		p, ok := tenants.FromContext(r.Context())
		if ok && p.ToolID != "" {
			next.ServeHTTP(w, r)
			return
		}
		id := p.KeyID
		if id == "" {
			id = r.RemoteAddr
		}
		if !rl.allow(id) {
			w.Header().Set("Retry-After", "5")
			WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BodyLimitMiddleware caps request body size.
func BodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.InfoContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"tenantId", tenants.TenantID(r.Context()),
				"duration", time.Since(start),
			)
		})
	}
}
