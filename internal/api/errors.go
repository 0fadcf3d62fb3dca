package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atmx/prediction-ledger/internal/model"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Field      string `json:"field,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidOption),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidMarket):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrMarketResolved),
		errors.Is(err, model.ErrMarketExpired),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its code and, for rejections, the offending
// field and constraint. Unexpected errors are not echoed to the client.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: model.Code(err)}

	var rej *model.RejectionError
	if errors.As(err, &rej) {
		resp.Field = rej.Field
		resp.Constraint = rej.Constraint
	}
	switch status {
	case http.StatusServiceUnavailable:
		resp.Error = "service temporarily unavailable, retry later"
	case http.StatusInternalServerError:
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

// writeBadRequest reports a malformed request that never reached the ledger.
func writeBadRequest(w http.ResponseWriter, field, constraint string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:      "invalid request: " + field + " " + constraint,
		Code:       "invalid_request",
		Field:      field,
		Constraint: constraint,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
