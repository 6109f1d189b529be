package server

import (
	"errors"
	"net/http"

	"sensororacle/internal/apperr"
	"sensororacle/internal/escrow"
)

var statusByCode = map[apperr.Code]int{
	apperr.CodeInsufficientFunds:  http.StatusPaymentRequired,
	apperr.CodeInvalidTransaction: http.StatusUnprocessableEntity,
	apperr.CodeNetwork:            http.StatusBadGateway,
	apperr.CodeSecurityViolation:  http.StatusBadGateway,
	apperr.CodeInvalidResponse:    http.StatusBadGateway,
	apperr.CodeUnauthorized:       http.StatusForbidden,
	apperr.CodeInvalidPackage:     http.StatusNotFound,
	apperr.CodeInvalidRequest:     http.StatusBadRequest,
	apperr.CodeRateLimited:        http.StatusTooManyRequests,
	apperr.CodeNotInitialized:     http.StatusServiceUnavailable,
	apperr.CodeAlreadyInitialized: http.StatusConflict,
}

func httpStatus(err error) int {
	if code, ok := statusByCode[apperr.CodeOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

type refundBody struct {
	Amount        uint64 `json:"amount"`
	Succeeded     bool   `json:"succeeded"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`
}

type errorBody struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	State   string      `json:"state,omitempty"`
	Refund  *refundBody `json:"refund,omitempty"`
}

func newErrorBody(err error) errorBody {
	code := apperr.CodeOf(err)
	if code == "" {
		code = "internal_error"
	}
	body := errorBody{Error: string(code), Message: err.Error()}

	var rerr *escrow.RequestError
	if errors.As(err, &rerr) {
		body.State = rerr.State.String()
		body.Message = rerr.Cause.Error()
		if rerr.Refund != nil {
			body.Refund = &refundBody{
				Amount:        rerr.Refund.Amount,
				Succeeded:     rerr.Refund.Succeeded(),
				TransactionID: rerr.Refund.TransactionID,
			}
			if rerr.Refund.Err != nil {
				body.Refund.Error = rerr.Refund.Err.Error()
			}
		}
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), newErrorBody(err))
}
