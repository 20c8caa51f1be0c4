package http

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"InvoiceChainSync/internal/models"
	"InvoiceChainSync/internal/services"
)

type prepareRequest struct {
	Kind      string `json:"kind"`
	InvoiceID uint64 `json:"invoice_id"`
	Buyer     string `json:"buyer"`
	Amount    string `json:"amount"`
	DueDate   string `json:"due_date"`
	Role      string `json:"role"`
}

func (p prepareRequest) toRequest() (services.Request, string) {
	kind, ok := services.ParseActionKind(p.Kind)
	if !ok {
		return services.Request{}, "unknown action kind"
	}
	req := services.Request{Kind: kind, InvoiceID: p.InvoiceID, Role: models.RoleNone}
	if p.Buyer != "" {
		if !common.IsHexAddress(p.Buyer) {
			return req, "invalid buyer address"
		}
		req.Buyer = common.HexToAddress(p.Buyer)
	}
	if p.Amount != "" {
		v, ok := new(big.Int).SetString(p.Amount, 10)
		if !ok {
			return req, "amount must be a base-10 integer in ledger units"
		}
		req.Amount = v
	}
	if p.DueDate != "" {
		t, err := time.Parse(time.RFC3339, p.DueDate)
		if err != nil {
			return req, "due_date must be RFC3339"
		}
		req.DueDate = t.UTC()
	}
	if p.Role != "" {
		role, ok := models.ParseRole(p.Role)
		if !ok {
			return req, "unknown role"
		}
		req.Role = role
	}
	return req, ""
}

// PrepareAction serves POST /actions. The intent is built, never sent.
func (h *Handler) PrepareAction(w http.ResponseWriter, r *http.Request) {
	if !h.actionsEnabled(w) {
		return
	}
	var body prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req, msg := body.toRequest()
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	intent, err := h.actions.Prepare(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	if !h.actionsEnabled(w) {
		return
	}
	intent, err := h.actions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// ConfirmAction serves POST /actions/{id}/confirm. A changed quote answers
// 409 with the re-priced intent so the caller can re-approve it.
func (h *Handler) ConfirmAction(w http.ResponseWriter, r *http.Request) {
	if !h.actionsEnabled(w) {
		return
	}
	intent, err := h.actions.Confirm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if intent != nil {
			writeJSON(w, statusFor(err), struct {
				Error  string           `json:"error"`
				Intent *services.Intent `json:"intent"`
			}{err.Error(), intent})
			return
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, intent)
}

func (h *Handler) CancelAction(w http.ResponseWriter, r *http.Request) {
	if !h.actionsEnabled(w) {
		return
	}
	if err := h.actions.Cancel(chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) actionsEnabled(w http.ResponseWriter) bool {
	if h.actions == nil {
		writeFailure(w, services.ErrNoSigner)
		return false
	}
	return true
}
