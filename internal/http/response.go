package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"InvoiceChainSync/internal/accounting"
	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/services"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFailure maps the error taxonomy onto status codes. Revert reasons are
// passed through so callers can show them.
func writeFailure(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var rev *chain.RevertError
	if errors.As(err, &rev) {
		resp.Reason = rev.Reason
	}
	writeJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chain.ErrNotFound), errors.Is(err, services.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrGuard),
		errors.Is(err, services.ErrStaleRoleState),
		errors.Is(err, services.ErrIntentState),
		errors.Is(err, services.ErrQuoteChanged):
		return http.StatusConflict
	case errors.Is(err, services.ErrGasEstimation),
		errors.Is(err, chain.ErrActionReverted),
		errors.Is(err, chain.ErrSubmissionRejected),
		errors.Is(err, accounting.ErrInvalidPricingState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chain.ErrRejectedByUser):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNoSigner):
		return http.StatusPreconditionFailed
	case errors.Is(err, chain.ErrGatewayTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, chain.ErrGatewayUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
