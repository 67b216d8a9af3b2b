package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/eventlog"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/stream"
	"github.com/settld-labs/settld-proxy/pkg/tenants"
)

type createSessionRequest struct {
	SessionID    string               `json:"sessionId,omitempty"`
	Visibility   contracts.Visibility `json:"visibility,omitempty"`
	Participants []string             `json:"participants"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "invalid JSON body", nil)
		return
	}
	if len(req.Participants) == 0 {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "participants must not be empty", nil)
		return
	}
	if req.SessionID == "" {
		req.SessionID = "sess_" + uuid.New().String()
	}
	if req.Visibility == "" {
		req.Visibility = contracts.VisibilityTenant
	}

	tenantID := tenants.TenantID(r.Context())
	now := s.now()
	sess := contracts.Session{
		SessionID:    req.SessionID,
		TenantID:     tenantID,
		Visibility:   req.Visibility,
		Participants: req.Participants,
		CreatedAt:    now.Format(time.RFC3339Nano),
		UpdatedAt:    now.Format(time.RFC3339Nano),
	}
	if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.SessionPutOp{Session: sess},
	}}); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type appendEventRequest struct {
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	tenantID := tenants.TenantID(r.Context())

	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "invalid JSON body", nil)
		return
	}

	sess, err := s.Store.GetSession(r.Context(), tenantID, sessionID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	// Optimistic concurrency on the chain head: the caller states the head
	// they built on and loses with 409 when someone else appended first.
	expectedPrev := r.Header.Get(HeaderExpectedPrev)
	if expectedPrev != "" {
		current := ""
		if sess.LastChainHash != nil {
			current = *sess.LastChainHash
		}
		if expectedPrev != current {
			WriteError(w, http.StatusConflict, CodeConflict,
				"expected prev chain hash does not match the stream head",
				map[string]string{"currentChainHash": current})
			return
		}
	}

	events, err := s.Store.ListSessionEvents(r.Context(), tenantID, sessionID, store.EventQuery{})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	draft, err := eventlog.CreateEvent(eventlog.CreateInput{
		StreamID: contracts.SessionStreamID(sessionID),
		Type:     req.Type,
		Actor:    req.Actor,
		Payload:  req.Payload,
		At:       s.now(),
	})
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, err.Error(), nil)
		return
	}

	extended, err := eventlog.Append(r.Context(), events, draft, s.Signer)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	ev := extended[len(extended)-1]

	webhookPayload, err := json.Marshal(ev)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	now := s.now()
	if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.SessionAppendEventOp{SessionID: sessionID, Event: ev},
		store.OutboxEnqueueOp{Message: contracts.OutboxMessage{
			ID:            "obx_" + uuid.New().String(),
			TenantID:      tenantID,
			Type:          contracts.OutboxTypeWebhook,
			At:            now.Format(time.RFC3339Nano),
			Payload:       webhookPayload,
			NextAttemptAt: now.Format(time.RFC3339Nano),
		}},
	}}); err != nil {
		WriteDomainError(w, err)
		return
	}

	s.Broadcaster.Publish(ev.StreamID, stream.Envelope{Event: &ev})
	s.kick()
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := tenants.TenantID(r.Context())
	events, err := s.Store.ListSessionEvents(r.Context(), tenantID, r.PathValue("id"), store.EventQuery{
		AfterEventID: r.URL.Query().Get("sinceEventId"),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	cursor, err := stream.ResolveCursor(r, "sinceEventId")
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	f, err := stream.ParseFilter(r.URL.Query())
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, err.Error(), nil)
		return
	}

	tenantID := tenants.TenantID(r.Context())
	if err := s.Sessions.Serve(r.Context(), w, tenantID, r.PathValue("id"), cursor, f); err != nil {
		WriteDomainError(w, err)
	}
}
