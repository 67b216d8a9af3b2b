package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
)

const serveTenant = "tn_acme"

// seedChain creates a session with n chained events and returns them.
func seedChain(t *testing.T, st store.Store, sessionID string, n int) []contracts.ChainedEvent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CommitTx(ctx, store.Tx{TenantID: serveTenant, At: time.Now(), Ops: []store.Op{
		store.SessionPutOp{Session: contracts.Session{
			SessionID: sessionID, TenantID: serveTenant, Participants: []string{"agent_a"},
		}},
	}}))

	events := make([]contracts.ChainedEvent, 0, n)
	var prev *string
	for i := 0; i < n; i++ {
		ev := chainedAfter(sessionID, i+1, prev)
		require.NoError(t, st.CommitTx(ctx, store.Tx{TenantID: serveTenant, At: time.Now(), Ops: []store.Op{
			store.SessionAppendEventOp{SessionID: sessionID, Event: ev},
		}}))
		events = append(events, ev)
		h := ev.ChainHash
		prev = &h
	}
	return events
}

func chainedAfter(sessionID string, seq int, prev *string) contracts.ChainedEvent {
	return contracts.ChainedEvent{
		V:             1,
		ID:            fmt.Sprintf("evt_%d", seq),
		StreamID:      contracts.SessionStreamID(sessionID),
		Type:          "tool.call",
		Payload:       json.RawMessage(`{}`),
		PrevChainHash: prev,
		ChainHash:     fmt.Sprintf("hash_%d", seq),
	}
}

// syncRecorder is a goroutine-safe response writer for tests that poll
// the body while Serve is still running.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
}

func newSyncRecorder() *syncRecorder { return &syncRecorder{header: make(http.Header)} }

func (r *syncRecorder) Header() http.Header { return r.header }
func (r *syncRecorder) WriteHeader(int)     {}

func (r *syncRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(b)
}

func (r *syncRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// lateAppendStore commits and publishes one extra event the first time a
// resume backlog is read, mimicking an append that lands while the
// backlog loads.
type lateAppendStore struct {
	store.Store
	b    *Broadcaster
	late contracts.ChainedEvent
	once sync.Once
}

func (s *lateAppendStore) ListSessionEvents(ctx context.Context, tenantID, sessionID string, q store.EventQuery) ([]contracts.ChainedEvent, error) {
	events, err := s.Store.ListSessionEvents(ctx, tenantID, sessionID, q)
	if err != nil || q.AfterEventID == "" {
		return events, err
	}
	s.once.Do(func() {
		if cerr := s.Store.CommitTx(ctx, store.Tx{TenantID: tenantID, At: time.Now(), Ops: []store.Op{
			store.SessionAppendEventOp{SessionID: sessionID, Event: s.late},
		}}); cerr == nil {
			s.b.Publish(s.late.StreamID, Envelope{Event: &s.late})
		}
	})
	return events, err
}

func TestSessionServer_DeliversAppendDuringBacklogLoad(t *testing.T) {
	st := store.NewMemory()
	b := NewBroadcaster()
	events := seedChain(t, st, "sess_1", 2)

	prev := events[1].ChainHash
	late := chainedAfter("sess_1", 3, &prev)
	wrapped := &lateAppendStore{Store: st, b: b, late: late}
	srv := &SessionServer{Store: wrapped, Broadcaster: b, KeepAlive: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newSyncRecorder()
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, rec, serveTenant, "sess_1", events[0].ID, Filter{})
	}()

	// The append landed after the backlog was read; it must still arrive.
	require.Eventually(t, func() bool {
		return strings.Contains(rec.String(), "id: "+late.ID)
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	body := rec.String()
	assert.Contains(t, body, "id: "+events[1].ID)
	assert.NotContains(t, body, "id: "+events[0].ID)
	assert.Less(t, strings.Index(body, "id: "+events[1].ID), strings.Index(body, "id: "+late.ID))
}

func TestSessionServer_NullCursorTailsFromHead(t *testing.T) {
	st := store.NewMemory()
	b := NewBroadcaster()
	events := seedChain(t, st, "sess_1", 2)
	srv := &SessionServer{Store: st, Broadcaster: b}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	require.NoError(t, srv.Serve(ctx, rec, serveTenant, "sess_1", "", Filter{}))

	// No cursor means no replay: only the ready frame goes out.
	body := rec.Body.String()
	assert.Contains(t, body, "event: "+FrameSessionReady)
	assert.NotContains(t, body, "event: "+FrameSessionEvent)
	assert.Equal(t, "2", rec.Header().Get("X-Settld-Head-Event-Count"))
	assert.Equal(t, events[1].ID, rec.Header().Get("X-Settld-Head-Last-Event-Id"))
}

func TestSessionServer_UnknownCursor(t *testing.T) {
	st := store.NewMemory()
	b := NewBroadcaster()
	seedChain(t, st, "sess_1", 1)
	srv := &SessionServer{Store: st, Broadcaster: b}

	rec := httptest.NewRecorder()
	err := srv.Serve(context.Background(), rec, serveTenant, "sess_1", "evt_ghost", Filter{})
	var gone *CursorNotFoundError
	require.ErrorAs(t, err, &gone)
	assert.Equal(t, "evt_ghost", gone.Cursor)
	assert.Empty(t, rec.Body.String())
}

// snapshotUpsertStore commits and publishes a card upsert the first time
// the public card set is snapshotted.
type snapshotUpsertStore struct {
	store.Store
	b    *Broadcaster
	card contracts.AgentCard
	once sync.Once
}

func (s *snapshotUpsertStore) ListPublicAgentCards(ctx context.Context) ([]contracts.AgentCard, error) {
	cards, err := s.Store.ListPublicAgentCards(ctx)
	if err != nil {
		return cards, err
	}
	s.once.Do(func() {
		if cerr := s.Store.CommitTx(ctx, store.Tx{TenantID: s.card.TenantID, At: time.Now(), Ops: []store.Op{
			store.AgentCardUpsertOp{Card: s.card},
		}}); cerr == nil {
			s.b.Publish(PublicCardsStreamID, Envelope{Card: &s.card})
		}
	})
	return cards, err
}

func TestCardServer_DeliversUpsertDuringSnapshotLoad(t *testing.T) {
	st := store.NewMemory()
	b := NewBroadcaster()
	require.NoError(t, st.CommitTx(context.Background(), store.Tx{TenantID: serveTenant, At: time.Now(), Ops: []store.Op{
		store.AgentCardUpsertOp{Card: contracts.AgentCard{
			AgentID: "agent_a", TenantID: serveTenant, Visibility: contracts.VisibilityPublic,
			UpdatedAt: "2026-03-01T11:00:00Z", Revision: 1,
		}},
	}}))

	wrapped := &snapshotUpsertStore{Store: st, b: b, card: contracts.AgentCard{
		AgentID: "agent_z", TenantID: serveTenant, Visibility: contracts.VisibilityPublic,
		UpdatedAt: "2026-03-01T12:00:00Z", Revision: 1,
	}}
	srv := &CardServer{Store: wrapped, Broadcaster: b, KeepAlive: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newSyncRecorder()
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, rec, "", Filter{})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(rec.String(), "id: agent_z")
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	body := rec.String()
	assert.Contains(t, body, "id: agent_a")
	assert.Less(t, strings.Index(body, "id: agent_a"), strings.Index(body, "id: agent_z"))
}
