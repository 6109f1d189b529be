package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensororacle/internal/apperr"
	"sensororacle/internal/assets"
	"sensororacle/internal/datapackage"
	"sensororacle/internal/escrow"
	"sensororacle/internal/hmacauth"
	"sensororacle/internal/idempotency"
	"sensororacle/internal/security"
)

const headerIdempotencyKey = "X-Idempotency-Key"

type assetRequest struct {
	Amount uint64                    `json:"amount"`
	Params datapackage.RequestParams `json:"params"`
}

type assetResponse struct {
	TokenID   uint64 `json:"tokenId"`
	Status    string `json:"status"`
	Owner     string `json:"owner"`
	PackageID string `json:"packageId"`
}

type transferRequest struct {
	To    string  `json:"to"`
	Price *uint64 `json:"price,omitempty"`
}

type assetView struct {
	assets.Asset
	PaymentStatus assets.PaymentStatus `json:"paymentStatus"`
}

type initializeRequest struct {
	LedgerID       string           `json:"ledgerId"`
	SecurityConfig *security.Config `json:"securityConfig,omitempty"`
}

type withdrawRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

func callerOf(r *http.Request) string {
	caller, _ := hmacauth.CallerFromContext(r.Context())
	return caller
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, err, "invalid json payload")
	}
	return nil
}

func tokenIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.CodeInvalidRequest, "invalid token id %q", r.PathValue("id"))
	}
	return id, nil
}

func (s *Server) handleRequestAsset(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	keyValue := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if keyValue == "" {
		writeError(w, apperr.New(apperr.CodeInvalidRequest, "missing %s header", headerIdempotencyKey))
		return
	}

	var payload assetRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	key := idempotency.Key{Caller: caller, Value: keyValue}
	held, err := s.store.Reserve(ctx, key, s.cfg.Service.IdempotencyWindow)
	if err != nil {
		log.Errorw("idempotency reserve failed", "caller", caller, "key", keyValue, "error", err)
		writeError(w, err)
		return
	}
	if held != nil {
		if held.Pending {
			s.metrics.incRequest("in_flight")
			writeJSON(w, http.StatusConflict, errorBody{Error: "request_in_flight", Message: "a request with this idempotency key is still in flight"})
			return
		}
		s.metrics.incRequest("cached")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(held.StatusCode)
		_, _ = w.Write(held.Response)
		return
	}

	tokenID, err := s.oracle.RequestAsset(ctx, caller, payload.Amount, payload.Params)
	if err != nil {
		s.handleRequestFailure(w, r, key, payload, err)
		return
	}

	resp := assetResponse{TokenID: tokenID, Status: escrow.StateMinted.String(), Owner: caller}
	if meta, err := s.oracle.GetAssetMetadata(tokenID); err == nil {
		resp.PackageID = meta.PackageID
	}
	s.remember(ctx, key, http.StatusCreated, resp)
	s.metrics.incRequest("created")
	writeJSON(w, http.StatusCreated, resp)
}

// handleRequestFailure stores the outcome of requests that moved funds, so a
// retry with the same key cannot charge twice, and releases the key otherwise.
func (s *Server) handleRequestFailure(w http.ResponseWriter, r *http.Request, key idempotency.Key, payload assetRequest, err error) {
	var rerr *escrow.RequestError
	if !errors.As(err, &rerr) || rerr.Refund == nil {
		if relErr := s.store.Release(context.WithoutCancel(r.Context()), key); relErr != nil {
			log.Warnw("idempotency release failed", "caller", key.Caller, "key", key.Value, "error", relErr)
		}
		s.metrics.incRequest("rejected")
		writeError(w, err)
		return
	}

	if rerr.Refund.Succeeded() {
		s.metrics.incRefund("succeeded")
	} else {
		s.metrics.incRefund("failed")
		s.writeDLQ(dlqEntry{
			Timestamp:      s.now().UTC(),
			RequestID:      r.Header.Get("X-Request-Id"),
			Caller:         key.Caller,
			IdempotencyKey: key.Value,
			Amount:         payload.Amount,
			Params:         payload.Params,
			Cause:          rerr.Cause.Error(),
			RefundError:    rerr.Refund.Err.Error(),
		})
	}

	status := httpStatus(err)
	s.remember(r.Context(), key, status, newErrorBody(err))
	s.metrics.incRequest("failed")
	writeError(w, err)
}

// remember stores the final response for key.
func (s *Server) remember(ctx context.Context, key idempotency.Key, status int, v any) {
	ctx = context.WithoutCancel(ctx)
	body, err := json.Marshal(v)
	if err != nil {
		log.Errorw("idempotency encode failed", "error", err)
		_ = s.store.Release(ctx, key)
		return
	}
	now := s.now()
	record := idempotency.Record{
		StatusCode: status,
		Response:   append(body, '\n'),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(ctx, key, record); err != nil {
		log.Errorw("idempotency save failed", "caller", key.Caller, "key", key.Value, "error", err)
		_ = s.store.Release(ctx, key)
	}
}

func (s *Server) handleTransferAsset(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var payload transferRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}

	caller := callerOf(r)
	if err := s.oracle.TransferAsset(r.Context(), caller, payload.To, tokenID, payload.Price); err != nil {
		s.metrics.incTransfer("failed")
		writeError(w, err)
		return
	}
	s.metrics.incTransfer("succeeded")
	writeJSON(w, http.StatusOK, map[string]any{"tokenId": tokenID, "owner": payload.To})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := s.oracle.GetAssetMetadata(tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetView{Asset: meta, PaymentStatus: meta.Payment.StatusAt(s.now())})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pkg, err := s.oracle.GetPackage(tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	hist, err := s.oracle.GetTransferHistory(tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokenId": tokenID, "transferHistory": hist})
}

func (s *Server) handleOwnerAssets(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	tokens := s.oracle.GetOwnerTokens(owner)
	if tokens == nil {
		tokens = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "tokenIds": tokens})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var payload initializeRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := s.oracle.Initialize(callerOf(r), payload.LedgerID, payload.SecurityConfig); err != nil {
		s.metrics.incAdmin("initialize", "failed")
		writeError(w, err)
		return
	}
	s.metrics.incAdmin("initialize", "succeeded")
	writeJSON(w, http.StatusOK, map[string]string{"ledgerId": payload.LedgerID})
}

func (s *Server) handleGetSecurityConfig(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if !s.oracle.IsAdmin(caller) {
		writeError(w, apperr.New(apperr.CodeUnauthorized, "caller %q is not an admin", caller))
		return
	}
	writeJSON(w, http.StatusOK, s.oracle.SecurityConfig())
}

func (s *Server) handleUpdateSecurityConfig(w http.ResponseWriter, r *http.Request) {
	var cfg security.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := s.oracle.UpdateSecurityConfig(callerOf(r), cfg); err != nil {
		s.metrics.incAdmin("update_security_config", "failed")
		writeError(w, err)
		return
	}
	s.metrics.incAdmin("update_security_config", "succeeded")
	writeJSON(w, http.StatusOK, s.oracle.SecurityConfig())
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var payload withdrawRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	txID, err := s.oracle.WithdrawBalance(ctx, callerOf(r), payload.To, payload.Amount)
	if err != nil {
		s.metrics.incAdmin("withdraw", "failed")
		writeError(w, err)
		return
	}
	s.metrics.incAdmin("withdraw", "succeeded")
	writeJSON(w, http.StatusOK, map[string]string{"transactionId": txID})
}
