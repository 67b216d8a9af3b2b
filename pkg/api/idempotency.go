package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/settld-labs/settld-proxy/pkg/canonical"
	"github.com/settld-labs/settld-proxy/pkg/contracts"
	"github.com/settld-labs/settld-proxy/pkg/store"
	"github.com/settld-labs/settld-proxy/pkg/tenants"
)

// responseRecorder captures status and body so a successful response can
// be persisted for replay.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.body.Write(b)
	return rr.ResponseWriter.Write(b)
}

// Idempotent wraps a side-effecting handler with the store-backed
// idempotency protocol: the X-Idempotency-Key header is required; a replay
// with an identical body returns the recorded response; a replay with a
// different body is rejected.
//
// The key is reserved in the store before the handler runs and finalized
// with the response afterwards. A replay that finds the reservation but no
// response is rejected rather than re-executed: the original attempt may
// have committed its side effects already, and re-running the handler
// could apply them twice. Failed attempts release the reservation so the
// caller can retry.
func (s *Server) Idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" {
			WriteError(w, http.StatusBadRequest, CodeIdempotencyKeyRequired, "x-idempotency-key header is required", nil)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeSchemaInvalid, "unreadable body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := canonical.HashBytes(body)

		tenantID := tenants.TenantID(r.Context())
		if rec, err := s.Store.GetIdempotency(r.Context(), tenantID, key); err == nil {
			s.replay(w, rec, fingerprint)
			return
		}

		reservation := contracts.IdempotencyRecord{
			TenantID:           tenantID,
			Key:                key,
			RequestFingerprint: fingerprint,
			CreatedAt:          s.now().Format(time.RFC3339Nano),
		}
		if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: s.now(), Ops: []store.Op{
			store.IdempotencyPutOp{Record: reservation},
		}}); err != nil {
			// A concurrent request with the same key won the reservation.
			var conflict *store.ConflictError
			if errors.As(err, &conflict) {
				WriteError(w, http.StatusConflict, CodeIdempotencyKeyConflict,
					"a request with this idempotency key is already in flight", nil)
				return
			}
			WriteDomainError(w, err)
			return
		}

		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rr, r)

		if rr.status >= 200 && rr.status < 300 {
			record := reservation
			record.StatusCode = rr.status
			record.Response = json.RawMessage(rr.body.Bytes())
			if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: s.now(), Ops: []store.Op{
				store.IdempotencyPutOp{Record: record},
			}}); err != nil {
				// The key stays reserved: replays get 409 instead of a
				// second execution.
				s.Logger.ErrorContext(r.Context(), "idempotency record write failed",
					"key", key, "error", err)
			}
			return
		}

		if err := s.Store.CommitTx(r.Context(), store.Tx{TenantID: tenantID, At: s.now(), Ops: []store.Op{
			store.IdempotencyDeleteOp{Key: key},
		}}); err != nil {
			s.Logger.ErrorContext(r.Context(), "idempotency reservation release failed",
				"key", key, "error", err)
		}
	}
}

// replay answers a request whose key is already recorded. A reservation
// without a response means the original attempt is in flight or crashed
// mid-way; it is never re-executed.
func (s *Server) replay(w http.ResponseWriter, rec contracts.IdempotencyRecord, fingerprint string) {
	if rec.RequestFingerprint != fingerprint {
		WriteError(w, http.StatusConflict, CodeIdempotencyKeyConflict,
			"idempotency key was used with a different request body", nil)
		return
	}
	if rec.StatusCode == 0 {
		WriteError(w, http.StatusConflict, CodeIdempotencyKeyConflict,
			"a request with this idempotency key is already in flight", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Response)
}
