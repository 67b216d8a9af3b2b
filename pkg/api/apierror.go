// Package api is the HTTP surface of the proxy: routing, auth, tenancy,
// idempotency, rate limiting, and the SSE endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/governance"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/stream"
	"github.com/settld-labs/settld-proxy/pkg/x402"
)

// Error codes surfaced to clients.
const (
	CodeSchemaInvalid          = "SCHEMA_INVALID"
	CodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyKeyConflict = "IDEMPOTENCY_KEY_CONFLICT"
	CodeAuthRequired           = "AUTH_REQUIRED"
	CodeAuthForbidden          = "AUTH_FORBIDDEN"
	CodeNotFound               = "NOT_FOUND"
	CodeCursorConflict         = "SESSION_EVENT_CURSOR_CONFLICT"
	CodeCursorInvalid          = "SESSION_EVENT_CURSOR_INVALID"
	CodeEscalationRequired     = "X402_AUTHORIZATION_ESCALATION_REQUIRED"
	CodeAgentFrozen            = "X402_AGENT_FROZEN"
	CodeConflict               = "CONFLICT"
	CodeRateLimited            = "AGENT_CARD_PUBLIC_DISCOVERY_RATE_LIMITED"
	CodeInternal               = "INTERNAL"
)

// APIError is the machine-readable error tuple on every non-2xx response.
type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type errorBody struct {
	Error APIError `json:"error"`
}

// WriteError writes the error tuple with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: APIError{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// WriteDomainError maps typed domain errors to their HTTP status and code.
// Anything unrecognized becomes 500 INTERNAL without leaking internals.
func WriteDomainError(w http.ResponseWriter, err error) {
	var (
		frozen     *x402.FrozenError
		escalation *x402.EscalationRequiredError
		state      *x402.StateError
		validation *x402.ValidationError
		conflict   *store.ConflictError
		cursorGone *stream.CursorNotFoundError
		malformed  *stream.MalformedCursorError
		govErr     *governance.Error
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, "not found", nil)
	case errors.As(err, &frozen):
		WriteError(w, http.StatusGone, CodeAgentFrozen, err.Error(), map[string]string{
			"agentId":    frozen.AgentID,
			"reasonCode": frozen.ReasonCode,
		})
	case errors.As(err, &escalation):
		WriteError(w, http.StatusConflict, CodeEscalationRequired, err.Error(), map[string]interface{}{
			"escalationId": escalation.EscalationID,
			"reasonCodes":  escalation.ReasonCodes,
		})
	case errors.As(err, &state):
		WriteError(w, http.StatusConflict, CodeConflict, err.Error(), nil)
	case errors.As(err, &validation):
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, err.Error(), nil)
	case errors.As(err, &conflict):
		WriteError(w, http.StatusConflict, CodeConflict, err.Error(), nil)
	case errors.Is(err, stream.ErrCursorConflict):
		WriteError(w, http.StatusConflict, CodeCursorConflict, err.Error(), nil)
	case errors.As(err, &cursorGone):
		WriteError(w, http.StatusConflict, CodeCursorInvalid, err.Error(), map[string]string{
			"reasonCode": contracts.ReasonSessionCursorNotFound,
			"cursor":     cursorGone.Cursor,
		})
	case errors.As(err, &malformed):
		WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, err.Error(), nil)
	case errors.As(err, &govErr):
		WriteError(w, http.StatusUnprocessableEntity, govErr.Code, err.Error(), nil)
	default:
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
