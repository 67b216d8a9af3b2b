package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/tenants"
	"github.com/settld-labs/settld-proxy/pkg/x402"
)

type gateCreateRequest struct {
	PayerAgentID  string                   `json:"payerAgentId"`
	PayeeAgentID  string                   `json:"payeeAgentId"`
	AmountCents   int64                    `json:"amountCents"`
	Currency      string                   `json:"currency"`
	ToolID        string                   `json:"toolId,omitempty"`
	RunID         string                   `json:"runId,omitempty"`
	AgentPassport *contracts.AgentPassport `json:"agentPassport,omitempty"`
}

func (s *Server) handleGateCreate(w http.ResponseWriter, r *http.Request) {
	protocol := r.Header.Get(HeaderProtocol)
	if protocol == "" {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "X-Settld-Protocol header is required", nil)
		return
	}

	var req gateCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "invalid JSON body", nil)
		return
	}

	gate, err := s.Engine.Create(r.Context(), tenants.TenantID(r.Context()), x402.CreateRequest{
		PayerAgentID:  req.PayerAgentID,
		PayeeAgentID:  req.PayeeAgentID,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		ToolID:        req.ToolID,
		Protocol:      protocol,
		RunID:         req.RunID,
		AgentPassport: req.AgentPassport,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gate)
}

type gateRefRequest struct {
	GateID string `json:"gateId"`
}

func (s *Server) handleGateQuote(w http.ResponseWriter, r *http.Request) {
	var req gateRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GateID == "" {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "gateId is required", nil)
		return
	}
	gate, err := s.Engine.Quote(r.Context(), tenants.TenantID(r.Context()), req.GateID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

type walletAuthorizeRequest struct {
	GateID     string `json:"gateId"`
	QuoteID    string `json:"quoteId,omitempty"`
	AgentKeyID string `json:"agentKeyId,omitempty"`
}

func (s *Server) handleWalletAuthorize(w http.ResponseWriter, r *http.Request) {
	var req walletAuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GateID == "" {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "gateId is required", nil)
		return
	}
	result, err := s.Engine.Authorize(r.Context(), tenants.TenantID(r.Context()), x402.AuthorizeRequest{
		SponsorWalletRef: r.PathValue("walletRef"),
		GateID:           req.GateID,
		QuoteID:          req.QuoteID,
		AgentKeyID:       req.AgentKeyID,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type authorizePaymentRequest struct {
	GateID        string `json:"gateId"`
	DecisionToken string `json:"walletAuthorizationDecisionToken"`
}

func (s *Server) handleAuthorizePayment(w http.ResponseWriter, r *http.Request) {
	var req authorizePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GateID == "" || req.DecisionToken == "" {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "gateId and walletAuthorizationDecisionToken are required", nil)
		return
	}
	gate, err := s.Engine.AuthorizePayment(r.Context(), tenants.TenantID(r.Context()), req.GateID, req.DecisionToken)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

type gateVerifyRequest struct {
	GateID      string   `json:"gateId"`
	ReasonCodes []string `json:"reasonCodes,omitempty"`
	ProofPolicy string   `json:"proofPolicy,omitempty"`
	ProofStatus string   `json:"proofStatus,omitempty"`
	Settle      bool     `json:"settle"`
}

func (s *Server) handleGateVerify(w http.ResponseWriter, r *http.Request) {
	var req gateVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GateID == "" {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "gateId is required", nil)
		return
	}
	gate, decision, err := s.Engine.Verify(r.Context(), tenants.TenantID(r.Context()), x402.VerifyRequest{
		GateID:      req.GateID,
		ReasonCodes: req.ReasonCodes,
		ProofPolicy: req.ProofPolicy,
		ProofStatus: req.ProofStatus,
		Settle:      req.Settle,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	// The decision's reason codes ride on the response headers too, so
	// gateway adapters can route on them without parsing the body.
	if code := x402.PrimaryReasonCode(decision.ReasonCodes); code != "" {
		w.Header().Set(HeaderReasonCode, code)
		w.Header().Set(HeaderVerificationCodes, strings.Join(decision.ReasonCodes, ","))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gate":     gate,
		"decision": decision,
	})
}

type windDownRequest struct {
	ReasonCode string `json:"reasonCode,omitempty"`
}

func (s *Server) handleWindDown(w http.ResponseWriter, r *http.Request) {
	var req windDownRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "invalid JSON body", nil)
			return
		}
	}
	result, err := s.Engine.WindDown(r.Context(), tenants.TenantID(r.Context()), r.PathValue("id"), req.ReasonCode)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.kick()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := s.Engine.GetEscalation(r.Context(), tenants.TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleGetGate(w http.ResponseWriter, r *http.Request) {
	gate, err := s.Store.GetGate(r.Context(), tenants.TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

func (s *Server) handlePutWalletPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := tenants.TenantID(r.Context())
	var policy contracts.X402WalletPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "invalid JSON body", nil)
		return
	}
	policy.SponsorWalletRef = r.PathValue("walletRef")
	policy.TenantID = tenantID
	if policy.Status == "" {
		policy.Status = contracts.WalletPolicyActive
	}

	now := s.now()
	if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: now, Ops: []store.Op{
		store.X402WalletPolicyPutOp{Policy: policy},
	}}); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}
