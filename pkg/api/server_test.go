package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/crypto"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/stream"
	"github.com/settld-labs/settld-proxy/pkg/x402"
)

const (
	testTenant = "tn_acme"
	testToken  = "key_1.s3cret"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (http.Handler, store.Store) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CommitTx(context.Background(), store.Tx{TenantID: testTenant, At: fixedNow, Ops: []store.Op{
		store.APIKeyPutOp{Key: contracts.APIKey{KeyID: "key_1", TenantID: testTenant, Secret: "s3cret"}},
	}}))

	signer, err := crypto.NewEd25519Signer("session-signer")
	require.NoError(t, err)
	tokens, err := x402.NewTokenIssuer("decisions-1", 15*time.Minute)
	require.NoError(t, err)
	engine := x402.NewEngine(st, tokens, signer).WithClock(func() time.Time { return fixedNow })

	s := New(Options{
		Store:          st,
		Engine:         engine,
		Signer:         signer,
		Broadcaster:    stream.NewBroadcaster(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:          func() time.Time { return fixedNow },
		RateLimitRPM:   60000,
		RateLimitBurst: 1000,
	})
	return s.Handler(), st
}

type option func(*http.Request)

func withHeader(k, v string) option {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func withoutAuth() option {
	return func(r *http.Request) { r.Header.Del("Authorization") }
}

func withContext(ctx context.Context) option {
	return func(r *http.Request) { *r = *r.WithContext(ctx) }
}

func do(h http.Handler, method, path, body string, opts ...option) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Authorization", "Bearer "+testToken)
	for _, o := range opts {
		o(r)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealthz_Unauthenticated(t *testing.T) {
	h, _ := newTestHandler(t)
	w := do(h, "GET", "/healthz", "", withoutAuth())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth(t *testing.T) {
	h, _ := newTestHandler(t)

	t.Run("missing token", func(t *testing.T) {
		w := do(h, "GET", "/agent-cards", "", withoutAuth())
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, CodeAuthRequired, errorCode(t, w))
	})

	t.Run("malformed token", func(t *testing.T) {
		w := do(h, "GET", "/agent-cards", "", withHeader("Authorization", "Bearer nodot"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		w := do(h, "GET", "/agent-cards", "", withHeader("Authorization", "Bearer key_1.wrong"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		w := do(h, "GET", "/agent-cards", "", withHeader("Authorization", "Bearer key_9.s3cret"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("tenant header mismatch", func(t *testing.T) {
		w := do(h, "GET", "/agent-cards", "", withHeader(HeaderTenant, "tn_other"))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, CodeAuthForbidden, errorCode(t, w))
	})

	t.Run("matching tenant header", func(t *testing.T) {
		w := do(h, "GET", "/agent-cards", "", withHeader(HeaderTenant, testTenant))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestIdempotency(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"sessionId":"sess_1","participants":["agent_a","agent_b"]}`

	t.Run("key required", func(t *testing.T) {
		w := do(h, "POST", "/sessions", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeIdempotencyKeyRequired, errorCode(t, w))
	})

	t.Run("replay returns the recorded response", func(t *testing.T) {
		first := do(h, "POST", "/sessions", body, withHeader(HeaderIdempotencyKey, "idem_1"))
		require.Equal(t, http.StatusCreated, first.Code)

		replay := do(h, "POST", "/sessions", body, withHeader(HeaderIdempotencyKey, "idem_1"))
		assert.Equal(t, http.StatusCreated, replay.Code)
		assert.Equal(t, first.Body.String(), replay.Body.String())
	})

	t.Run("same key different body conflicts", func(t *testing.T) {
		w := do(h, "POST", "/sessions", `{"sessionId":"sess_2","participants":["agent_a"]}`,
			withHeader(HeaderIdempotencyKey, "idem_1"))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, CodeIdempotencyKeyConflict, errorCode(t, w))
	})
}

func TestSessionFlow(t *testing.T) {
	h, st := newTestHandler(t)

	w := do(h, "POST", "/sessions", `{"sessionId":"sess_1","participants":["agent_a","agent_b"]}`,
		withHeader(HeaderIdempotencyKey, "idem_create"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(h, "POST", "/sessions/sess_1/events",
		`{"type":"tool.call","actor":"agent_a","payload":{"toolId":"search"}}`,
		withHeader(HeaderIdempotencyKey, "idem_ev1"))
	require.Equal(t, http.StatusCreated, w.Code)

	var first contracts.ChainedEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.NotEmpty(t, first.ChainHash)
	assert.NotEmpty(t, first.PayloadHash)
	assert.NotEmpty(t, first.Signature)
	assert.Nil(t, first.PrevChainHash)

	t.Run("stale expected prev loses with 409", func(t *testing.T) {
		w := do(h, "POST", "/sessions/sess_1/events",
			`{"type":"tool.result","actor":"agent_b","payload":{}}`,
			withHeader(HeaderIdempotencyKey, "idem_ev_stale"),
			withHeader(HeaderExpectedPrev, "somebody-elses-head"))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, CodeConflict, errorCode(t, w))

		var body errorBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		details, ok := body.Error.Details.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, first.ChainHash, details["currentChainHash"])
	})

	t.Run("correct expected prev appends", func(t *testing.T) {
		w := do(h, "POST", "/sessions/sess_1/events",
			`{"type":"tool.result","actor":"agent_b","payload":{}}`,
			withHeader(HeaderIdempotencyKey, "idem_ev2"),
			withHeader(HeaderExpectedPrev, first.ChainHash))
		require.Equal(t, http.StatusCreated, w.Code)

		var second contracts.ChainedEvent
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
		require.NotNil(t, second.PrevChainHash)
		assert.Equal(t, first.ChainHash, *second.PrevChainHash)
	})

	t.Run("list events", func(t *testing.T) {
		w := do(h, "GET", "/sessions/sess_1/events", "")
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Events []contracts.ChainedEvent `json:"events"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Len(t, body.Events, 2)

		w = do(h, "GET", "/sessions/sess_1/events?sinceEventId="+first.ID, "")
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Len(t, body.Events, 1)
	})

	t.Run("append queues a webhook", func(t *testing.T) {
		due, err := st.ListDueOutbox(context.Background(), testTenant, store.OutboxQuery{DueAt: fixedNow})
		require.NoError(t, err)
		assert.Len(t, due, 2)
	})
}

func TestSessionStream(t *testing.T) {
	h, _ := newTestHandler(t)

	w := do(h, "POST", "/sessions", `{"sessionId":"sess_1","participants":["agent_a","agent_b"]}`,
		withHeader(HeaderIdempotencyKey, "idem_create"))
	require.Equal(t, http.StatusCreated, w.Code)

	var first, second contracts.ChainedEvent
	w = do(h, "POST", "/sessions/sess_1/events",
		`{"type":"tool.call","actor":"agent_a","payload":{"toolId":"search"}}`,
		withHeader(HeaderIdempotencyKey, "idem_ev1"))
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	w = do(h, "POST", "/sessions/sess_1/events",
		`{"type":"tool.result","actor":"agent_b","payload":{}}`,
		withHeader(HeaderIdempotencyKey, "idem_ev2"))
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))

	t.Run("cursor in both header and query conflicts", func(t *testing.T) {
		w := do(h, "GET", "/sessions/sess_1/events/stream?sinceEventId="+first.ID, "",
			withHeader("Last-Event-ID", first.ID))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, CodeCursorConflict, errorCode(t, w))
	})

	t.Run("unknown cursor is rejected with a resume hint", func(t *testing.T) {
		w := do(h, "GET", "/sessions/sess_1/events/stream?sinceEventId=evt_ghost", "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, CodeCursorInvalid, errorCode(t, w))

		var body errorBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		details, ok := body.Error.Details.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, contracts.ReasonSessionCursorNotFound, details["reasonCode"])
		assert.Equal(t, "evt_ghost", details["cursor"])
	})

	t.Run("resume replays the missed suffix", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w := do(h, "GET", "/sessions/sess_1/events/stream?sinceEventId="+first.ID, "", withContext(ctx))
		require.Equal(t, http.StatusOK, w.Code)

		body := w.Body.String()
		assert.Contains(t, body, "event: session.ready")
		assert.Contains(t, body, "id: "+second.ID)
		assert.NotContains(t, body, "id: "+first.ID)
	})

	t.Run("absent cursor tails from head", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w := do(h, "GET", "/sessions/sess_1/events/stream", "", withContext(ctx))
		require.Equal(t, http.StatusOK, w.Code)

		body := w.Body.String()
		assert.Contains(t, body, "event: session.ready")
		assert.NotContains(t, body, "event: session.event")
		assert.Equal(t, second.ID, w.Header().Get("X-Settld-Head-Last-Event-Id"))
	})
}

func TestGateFlow(t *testing.T) {
	h, _ := newTestHandler(t)

	w := do(h, "PUT", "/x402/wallet-policies/wallet_1", `{"status":"active"}`,
		withHeader(HeaderIdempotencyKey, "idem_pol"))
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("create requires the protocol header", func(t *testing.T) {
		w := do(h, "POST", "/x402/gate/create",
			`{"payerAgentId":"agent:payer","payeeAgentId":"agent:payee","amountCents":500,"currency":"USD"}`,
			withHeader(HeaderIdempotencyKey, "idem_noproto"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeSchemaInvalid, errorCode(t, w))
	})

	w = do(h, "POST", "/x402/gate/create",
		`{"payerAgentId":"agent:payer","payeeAgentId":"agent:payee","amountCents":500,"currency":"USD"}`,
		withHeader(HeaderIdempotencyKey, "idem_create"),
		withHeader(HeaderProtocol, "x402"))
	require.Equal(t, http.StatusCreated, w.Code)
	var gate struct {
		GateID   string `json:"gateId"`
		Protocol string `json:"protocol"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gate))
	assert.Equal(t, "x402", gate.Protocol)

	w = do(h, "POST", "/x402/wallets/wallet_1/authorize", `{"gateId":"`+gate.GateID+`"}`,
		withHeader(HeaderIdempotencyKey, "idem_auth"))
	require.Equal(t, http.StatusOK, w.Code)
	var auth struct {
		DecisionToken string `json:"walletAuthorizationDecisionToken"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &auth))
	require.NotEmpty(t, auth.DecisionToken)

	w = do(h, "POST", "/x402/gate/authorize-payment",
		`{"gateId":"`+gate.GateID+`","walletAuthorizationDecisionToken":"`+auth.DecisionToken+`"}`,
		withHeader(HeaderIdempotencyKey, "idem_pay"))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(h, "POST", "/x402/gate/verify", `{"gateId":"`+gate.GateID+`","settle":true}`,
		withHeader(HeaderIdempotencyKey, "idem_verify"))
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Decision struct {
			Decision    string   `json:"decision"`
			ReasonCodes []string `json:"reasonCodes"`
		} `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "allow", out.Decision.Decision)
	require.NotEmpty(t, out.Decision.ReasonCodes)

	// The decision's reason codes are mirrored on the response headers.
	assert.Equal(t, out.Decision.ReasonCodes[0], w.Header().Get(HeaderReasonCode))
	assert.Equal(t, x402.CodePolicyAllow, w.Header().Get(HeaderReasonCode))
	assert.Equal(t, strings.Join(out.Decision.ReasonCodes, ","), w.Header().Get(HeaderVerificationCodes))
}

func TestIdempotency_ReservedKeyIsNotReexecuted(t *testing.T) {
	h, st := newTestHandler(t)
	body := `{"sessionId":"sess_res","participants":["agent_a"]}`

	// A reservation without a stored response: the original attempt is in
	// flight, or crashed after committing its side effects.
	require.NoError(t, st.CommitTx(context.Background(), store.Tx{TenantID: testTenant, At: fixedNow, Ops: []store.Op{
		store.IdempotencyPutOp{Record: contracts.IdempotencyRecord{
			TenantID:           testTenant,
			Key:                "idem_inflight",
			RequestFingerprint: canonical.HashBytes([]byte(body)),
			CreatedAt:          fixedNow.Format(time.RFC3339Nano),
		}},
	}}))

	w := do(h, "POST", "/sessions", body, withHeader(HeaderIdempotencyKey, "idem_inflight"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeIdempotencyKeyConflict, errorCode(t, w))

	// The handler never ran.
	_, err := st.GetSession(context.Background(), testTenant, "sess_res")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdempotency_FailedAttemptReleasesKey(t *testing.T) {
	h, _ := newTestHandler(t)

	w := do(h, "POST", "/sessions", `{"participants":[]}`, withHeader(HeaderIdempotencyKey, "idem_retry"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	// The failed attempt released the key, so a corrected retry succeeds.
	w = do(h, "POST", "/sessions", `{"sessionId":"sess_retry","participants":["agent_a"]}`,
		withHeader(HeaderIdempotencyKey, "idem_retry"))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func newDiscoveryHandler(t *testing.T, burst int) http.Handler {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CommitTx(context.Background(), store.Tx{TenantID: testTenant, At: fixedNow, Ops: []store.Op{
		store.APIKeyPutOp{Key: contracts.APIKey{KeyID: "key_1", TenantID: testTenant, Secret: "s3cret"}},
		store.APIKeyPutOp{Key: contracts.APIKey{KeyID: "key_tool", TenantID: testTenant, Secret: "s3cret", ToolID: "tool_search"}},
	}}))

	signer, err := crypto.NewEd25519Signer("session-signer")
	require.NoError(t, err)
	tokens, err := x402.NewTokenIssuer("decisions-1", 15*time.Minute)
	require.NoError(t, err)

	s := New(Options{
		Store:          st,
		Engine:         x402.NewEngine(st, tokens, signer),
		Signer:         signer,
		Broadcaster:    stream.NewBroadcaster(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:          func() time.Time { return fixedNow },
		RateLimitRPM:   1,
		RateLimitBurst: burst,
	})
	return s.Handler()
}

func TestPublicDiscoveryRateLimit(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	t.Run("unauthenticated requests are limited, not rejected", func(t *testing.T) {
		h := newDiscoveryHandler(t, 1)
		w := do(h, "GET", "/public/agent-cards/stream", "", withoutAuth(), withContext(canceled))
		require.Equal(t, http.StatusOK, w.Code)

		w = do(h, "GET", "/public/agent-cards/stream", "", withoutAuth(), withContext(canceled))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, CodeRateLimited, errorCode(t, w))
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
	})

	t.Run("invalid key falls back to the limiter", func(t *testing.T) {
		h := newDiscoveryHandler(t, 1)
		w := do(h, "GET", "/public/agent-cards/stream", "",
			withHeader("Authorization", "Bearer key_1.wrong"), withContext(canceled))
		require.Equal(t, http.StatusOK, w.Code)

		w = do(h, "GET", "/public/agent-cards/stream", "",
			withHeader("Authorization", "Bearer key_1.wrong"), withContext(canceled))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, CodeRateLimited, errorCode(t, w))
	})

	t.Run("paid tool key bypasses the limiter", func(t *testing.T) {
		h := newDiscoveryHandler(t, 1)
		for i := 0; i < 5; i++ {
			w := do(h, "GET", "/public/agent-cards/stream", "",
				withHeader("Authorization", "Bearer key_tool.s3cret"), withContext(canceled))
			require.Equal(t, http.StatusOK, w.Code)
		}
	})

	t.Run("authenticated routes are not limited", func(t *testing.T) {
		h := newDiscoveryHandler(t, 1)
		for i := 0; i < 3; i++ {
			w := do(h, "GET", "/agent-cards", "")
			require.Equal(t, http.StatusOK, w.Code)
		}
	})
}

func TestAppendEvent_UnknownSession(t *testing.T) {
	h, _ := newTestHandler(t)
	w := do(h, "POST", "/sessions/sess_ghost/events",
		`{"type":"tool.call","actor":"agent_a","payload":{}}`,
		withHeader(HeaderIdempotencyKey, "idem_ghost"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, w))
}

func TestCreateSession_Validation(t *testing.T) {
	h, _ := newTestHandler(t)

	w := do(h, "POST", "/sessions", `{not json`, withHeader(HeaderIdempotencyKey, "idem_bad"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeSchemaInvalid, errorCode(t, w))

	w = do(h, "POST", "/sessions", `{"participants":[]}`, withHeader(HeaderIdempotencyKey, "idem_empty"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
