package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/stream"
	"github.com/settld-labs/settld-proxy/pkg/tenants"
)

type upsertCardRequest struct {
	Visibility   contracts.Visibility      `json:"visibility,omitempty"`
	Capabilities []string                  `json:"capabilities"`
	Runtime      string                    `json:"runtime,omitempty"`
	Host         string                    `json:"host,omitempty"`
	Tools        []contracts.AgentCardTool `json:"tools"`
	Revision     int64                     `json:"revision"`
}

func (s *Server) handleUpsertCard(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	tenantID := tenants.TenantID(r.Context())

	var req upsertCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "invalid JSON body", nil)
		return
	}
	if req.Visibility == "" {
		req.Visibility = contracts.VisibilityTenant
	}

	now := s.now()
	card := contracts.AgentCard{
		AgentID:      agentID,
		TenantID:     tenantID,
		Visibility:   req.Visibility,
		Capabilities: req.Capabilities,
		Runtime:      req.Runtime,
		Host:         req.Host,
		Tools:        req.Tools,
		UpdatedAt:    now.Format(time.RFC3339Nano),
		Revision:     req.Revision,
	}
	if card.Revision == 0 {
		if existing, err := s.Store.GetAgentCard(r.Context(), tenantID, agentID); err == nil {
			card.Revision = existing.Revision + 1
		} else {
			card.Revision = 1
		}
	}

	if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.AgentCardUpsertOp{Card: card},
	}}); err != nil {
		WriteDomainError(w, err)
		return
	}

	if card.Visibility == contracts.VisibilityPublic {
		s.Broadcaster.Publish(stream.PublicCardsStreamID, stream.Envelope{Card: &card})
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleRemoveCard(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	tenantID := tenants.TenantID(r.Context())
	now := s.now()

	card, err := s.Store.GetAgentCard(r.Context(), tenantID, agentID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	at := now.Format(time.RFC3339Nano)
	if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.AgentCardRemoveOp{AgentID: agentID, ReasonCode: contracts.ReasonNoLongerVisible, At: at},
	}}); err != nil {
		WriteDomainError(w, err)
		return
	}

	if card.Visibility == contracts.VisibilityPublic {
		s.Broadcaster.Publish(stream.PublicCardsStreamID, stream.Envelope{CardRemoved: &stream.CardRemoval{
			AgentID:    agentID,
			ReasonCode: contracts.ReasonNoLongerVisible,
			At:         at,
		}})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	tenantID := tenants.TenantID(r.Context())
	cards, err := s.Store.ListAgentCards(r.Context(), tenantID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agentCards": cards})
}

func (s *Server) handleCardsStream(w http.ResponseWriter, r *http.Request) {
	cursor, err := stream.ResolveCursor(r, "sinceCursor")
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	f, err := stream.ParseFilter(r.URL.Query())
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, err.Error(), nil)
		return
	}
	if err := s.Cards.Serve(r.Context(), w, cursor, f); err != nil {
		WriteDomainError(w, err)
	}
}
