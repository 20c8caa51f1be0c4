package http

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"InvoiceChainSync/internal/accounting"
	"InvoiceChainSync/internal/invoices"
	"InvoiceChainSync/internal/logging"
	"InvoiceChainSync/internal/models"
	"InvoiceChainSync/internal/pricing"
	"InvoiceChainSync/internal/services"
	"InvoiceChainSync/internal/worker"
)

type InvoiceReader interface {
	ListFor(ctx context.Context, account common.Address, role models.Role, opts ...invoices.GetOption) ([]*models.Invoice, error)
	Get(ctx context.Context, id uint64, opts ...invoices.GetOption) (*models.Invoice, error)
	Token(ctx context.Context, id uint64, opts ...invoices.GetOption) (*models.TokenInfo, error)
}

// SyncRegistry is satisfied by worker.Session.
type SyncRegistry interface {
	Synchronizer(account common.Address) (*worker.Synchronizer, bool)
}

type Actions interface {
	Prepare(ctx context.Context, req services.Request) (*services.Intent, error)
	Confirm(ctx context.Context, id string) (*services.Intent, error)
	Cancel(id string) error
	Get(id string) (*services.Intent, error)
}

type Deps struct {
	Invoices InvoiceReader
	Ledger   pricing.Reader
	Roles    services.RoleReader
	Syncs    SyncRegistry
	Actions  Actions
	Decimals int
	Logger   *zap.Logger
	Now      func() time.Time
}

type Handler struct {
	invoices InvoiceReader
	ledger   pricing.Reader
	roles    services.RoleReader
	syncs    SyncRegistry
	actions  Actions
	decimals int
	log      *zap.Logger
	now      func() time.Time
}

func NewHandler(deps Deps) *Handler {
	if deps.Decimals == 0 {
		deps.Decimals = 18
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		invoices: deps.Invoices,
		ledger:   deps.Ledger,
		roles:    deps.Roles,
		syncs:    deps.Syncs,
		actions:  deps.Actions,
		decimals: deps.Decimals,
		log:      logging.Or(deps.Logger),
		now:      deps.Now,
	}
}

type tokenView struct {
	Address           string          `json:"address"`
	MaxSupply         string          `json:"max_supply"`
	TotalSupply       string          `json:"total_supply"`
	RemainingCapacity string          `json:"remaining_capacity"`
	PriceWei          string          `json:"price_wei,omitempty"`
	FundingProgress   decimal.Decimal `json:"funding_progress"`
}

type invoiceView struct {
	ID              uint64             `json:"id"`
	Supplier        string             `json:"supplier"`
	Buyer           string             `json:"buyer"`
	Principal       decimal.Decimal    `json:"principal"`
	PrincipalWei    string             `json:"principal_wei"`
	Investors       []string           `json:"investors"`
	Status          string             `json:"status"`
	DueDate         string             `json:"due_date"`
	TotalInvestment decimal.Decimal    `json:"total_investment"`
	IsPaid          bool               `json:"is_paid"`
	Figures         accounting.Figures `json:"figures"`
	Token           *tokenView         `json:"token,omitempty"`
}

type paymentView struct {
	TxHash       string          `json:"tx_hash,omitempty"`
	LogIndex     int             `json:"log_index"`
	Kind         string          `json:"kind"`
	InvoiceID    uint64          `json:"invoice_id"`
	Counterparty string          `json:"counterparty"`
	Amount       decimal.Decimal `json:"amount"`
	AmountWei    string          `json:"amount_wei"`
	BlockNumber  uint64          `json:"block_number,omitempty"`
	Timestamp    string          `json:"timestamp"`
	Source       string          `json:"source"`
}

type roleResponse struct {
	Account      string                `json:"account"`
	Role         string                `json:"role"`
	Capabilities []services.Capability `json:"capabilities"`
}

func (h *Handler) toView(inv *models.Invoice, in accounting.Inputs, now time.Time) invoiceView {
	in.Decimals = h.decimals
	v := invoiceView{
		ID:              inv.ID,
		Supplier:        inv.Supplier.Hex(),
		Buyer:           inv.Buyer.Hex(),
		Principal:       models.ToDecimal(inv.Principal, h.decimals),
		PrincipalWei:    inv.Principal.String(),
		Investors:       make([]string, 0, len(inv.Investors)),
		Status:          inv.Status.String(),
		TotalInvestment: models.ToDecimal(inv.TotalInvestment, h.decimals),
		IsPaid:          inv.Settled(),
		Figures:         accounting.Compute(inv, in, now),
	}
	if !inv.DueDate.IsZero() {
		v.DueDate = inv.DueDate.Format(time.RFC3339)
	}
	for _, a := range inv.Investors {
		v.Investors = append(v.Investors, a.Hex())
	}
	if tok := in.Token; tok != nil && tok.Generated() {
		tv := &tokenView{
			Address:           tok.TokenAddress.Hex(),
			MaxSupply:         tok.MaxSupply.String(),
			TotalSupply:       tok.TotalSupply.String(),
			RemainingCapacity: tok.RemainingCapacity().String(),
			FundingProgress:   v.Figures.FundingProgress,
		}
		if tok.PriceWei != nil {
			tv.PriceWei = tok.PriceWei.String()
		}
		v.Token = tv
	}
	return v
}

// ListInvoices serves GET /accounts/{account}/invoices?role=&status=. A
// missing role is resolved from the ledger.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	filter, err := invoices.ParseFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	invs, ok := h.listFor(w, r, account)
	if !ok {
		return
	}
	now := h.now()
	invs = filter.Apply(invs, now)
	out := make([]invoiceView, 0, len(invs))
	for _, inv := range invs {
		out = append(out, h.toView(inv, accounting.Inputs{}, now))
	}
	writeJSON(w, http.StatusOK, out)
}

// Summary serves GET /accounts/{account}/summary?role=.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	invs, ok := h.listFor(w, r, account)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, invoices.Summarize(invs, h.now(), h.decimals))
}

func (h *Handler) listFor(w http.ResponseWriter, r *http.Request, account common.Address) ([]*models.Invoice, bool) {
	role, ok := h.roleFor(w, r, account)
	if !ok {
		return nil, false
	}
	if role == models.RoleNone {
		return []*models.Invoice{}, true
	}
	invs, err := h.invoices.ListFor(r.Context(), account, role)
	if err != nil {
		h.log.Warn("list invoices failed", zap.String("account", account.Hex()), zap.Error(err))
		writeFailure(w, err)
		return nil, false
	}
	return invs, true
}

func (h *Handler) roleFor(w http.ResponseWriter, r *http.Request, account common.Address) (models.Role, bool) {
	if v := r.URL.Query().Get("role"); v != "" {
		role, ok := models.ParseRole(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown role")
			return models.RoleNone, false
		}
		return role, true
	}
	role, err := services.NewRoleGuard(h.roles, account).Evaluate(r.Context())
	if err != nil {
		writeFailure(w, err)
		return models.RoleNone, false
	}
	return role, true
}

// Role serves GET /accounts/{account}/role.
func (h *Handler) Role(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	guard := services.NewRoleGuard(h.roles, account)
	role, err := guard.Evaluate(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roleResponse{
		Account:      account.Hex(),
		Role:         role.String(),
		Capabilities: guard.Capabilities(),
	})
}

// GetInvoice serves GET /invoices/{id}. Debt is read from the ledger; when
// that read fails the figures fall back to the display estimate.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invoice id")
		return
	}
	var opts []invoices.GetOption
	if r.URL.Query().Get("fresh") == "true" {
		opts = append(opts, invoices.Fresh())
	}
	ctx := r.Context()
	inv, err := h.invoices.Get(ctx, id, opts...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	in := accounting.Inputs{}
	if tok, err := h.invoices.Token(ctx, id, opts...); err == nil {
		in.Token = tok
	} else {
		h.log.Warn("token read failed", zap.Uint64("invoice", id), zap.Error(err))
	}
	if h.ledger != nil && !inv.Settled() {
		if debt, err := h.ledger.TotalDebtAmount(ctx, new(big.Int).SetUint64(id)); err == nil {
			in.LedgerDebt = debt
		} else {
			h.log.Warn("debt read failed", zap.Uint64("invoice", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, h.toView(inv, in, h.now()))
}

// History serves GET /accounts/{account}/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	sy, ok := h.synchronizer(w, r)
	if !ok {
		return
	}
	var recs []models.PaymentRecord
	if v := r.URL.Query().Get("invoice"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid invoice id")
			return
		}
		recs = sy.History().ForInvoice(id)
	} else {
		recs = sy.History().Records()
	}
	out := make([]paymentView, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		pv := paymentView{
			LogIndex:     rec.LogIndex,
			Kind:         string(rec.Kind),
			InvoiceID:    rec.InvoiceID,
			Counterparty: rec.Counterparty.Hex(),
			Amount:       models.ToDecimal(rec.Amount, h.decimals),
			AmountWei:    rec.Amount.String(),
			BlockNumber:  rec.BlockNumber,
			Timestamp:    rec.Timestamp().Format(time.RFC3339),
			Source:       string(rec.Source),
		}
		if rec.HasTxHash() {
			pv.TxHash = rec.TxHash.Hex()
		}
		out = append(out, pv)
	}
	writeJSON(w, http.StatusOK, out)
}

// SyncStatus serves GET /accounts/{account}/sync.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	sy, ok := h.synchronizer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sy.Status())
}

// Refresh serves POST /accounts/{account}/refresh: a full re-poll from the
// look-back window.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	sy, ok := h.synchronizer(w, r)
	if !ok {
		return
	}
	if err := sy.Refresh(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sy.Status())
}

func (h *Handler) synchronizer(w http.ResponseWriter, r *http.Request) (*worker.Synchronizer, bool) {
	account, ok := accountParam(w, r)
	if !ok {
		return nil, false
	}
	if h.syncs == nil {
		writeError(w, http.StatusNotFound, "account not synchronized")
		return nil, false
	}
	sy, ok := h.syncs.Synchronizer(account)
	if !ok {
		writeError(w, http.StatusNotFound, "account not synchronized")
		return nil, false
	}
	return sy, true
}

func accountParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	v := chi.URLParam(r, "account")
	if !common.IsHexAddress(v) {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}
