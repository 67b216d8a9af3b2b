package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/tenants"
)

type putWebhookEndpointRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (s *Server) handlePutWebhookEndpoint(w http.ResponseWriter, r *http.Request) {
	var req putWebhookEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" || req.Secret == "" {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "url and secret are required", nil)
		return
	}

	tenantID := tenants.TenantID(r.Context())
	now := s.now()
	endpoint := contracts.WebhookEndpoint{
		EndpointID: r.PathValue("id"),
		TenantID:   tenantID,
		URL:        req.URL,
		Secret:     req.Secret,
		CreatedAt:  now.Format(time.RFC3339Nano),
	}
	if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.WebhookEndpointPutOp{Endpoint: endpoint},
	}}); err != nil {
		WriteDomainError(w, err)
		return
	}
	// Never echo the secret back.
	endpoint.Secret = ""
	writeJSON(w, http.StatusOK, endpoint)
}

func (s *Server) handleTickOutbox(w http.ResponseWriter, r *http.Request) {
	result, err := s.Outbox.TickDeliveries(r.Context(), tenants.TenantID(r.Context()))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type tickWinddownRequest struct {
	MaxMessages int `json:"maxMessages,omitempty"`
}

func (s *Server) handleTickWinddown(w http.ResponseWriter, r *http.Request) {
	var req tickWinddownRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "invalid JSON body", nil)
			return
		}
	}
	if req.MaxMessages <= 0 {
		req.MaxMessages = 50
	}
	outcomes, err := s.Engine.TickWinddownReversals(r.Context(), tenants.TenantID(r.Context()), req.MaxMessages)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

func (s *Server) handleTickInsolvency(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.Engine.InsolvencySweep(r.Context(), tenants.TenantID(r.Context()))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.kick()
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}
