package http

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/invoices"
	"InvoiceChainSync/internal/models"
	"InvoiceChainSync/internal/services"
	"InvoiceChainSync/internal/worker"
)

var (
	buyer    = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	supplier = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	now      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeInvoices map[uint64]*models.Invoice

func (f fakeInvoices) ListFor(ctx context.Context, account common.Address, role models.Role, opts ...invoices.GetOption) ([]*models.Invoice, error) {
	var out []*models.Invoice
	for _, inv := range f {
		if (role == models.RoleBuyer && inv.Buyer == account) || (role == models.RoleSupplier && inv.Supplier == account) || role == models.RoleInvestor {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f fakeInvoices) Get(ctx context.Context, id uint64, opts ...invoices.GetOption) (*models.Invoice, error) {
	inv, ok := f[id]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return inv, nil
}

func (f fakeInvoices) Token(ctx context.Context, id uint64, opts ...invoices.GetOption) (*models.TokenInfo, error) {
	return &models.TokenInfo{InvoiceID: id, MaxSupply: new(big.Int), TotalSupply: new(big.Int)}, nil
}

type fakeLedger struct{}

func (fakeLedger) PriceOfTokenInEth(ctx context.Context, id *big.Int) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (fakeLedger) TotalDebtAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	return big.NewInt(1070), nil
}

func (fakeLedger) HasChosenRole(ctx context.Context, a common.Address) (bool, error) {
	return a == buyer, nil
}

func (fakeLedger) UserRole(ctx context.Context, a common.Address) (uint8, error) {
	return uint8(models.RoleBuyer), nil
}

type fakeSyncs map[common.Address]*worker.Synchronizer

func (f fakeSyncs) Synchronizer(a common.Address) (*worker.Synchronizer, bool) {
	sy, ok := f[a]
	return sy, ok
}

type fakeActions struct {
	prepared []services.Request
}

func (f *fakeActions) Prepare(ctx context.Context, req services.Request) (*services.Intent, error) {
	f.prepared = append(f.prepared, req)
	return &services.Intent{ID: "intent-1", Kind: req.Kind, State: services.StateBuilt}, nil
}

func (f *fakeActions) Confirm(ctx context.Context, id string) (*services.Intent, error) {
	if id != "intent-1" {
		return nil, services.ErrIntentNotFound
	}
	return &services.Intent{ID: id, State: services.StateBuilt, ValueWei: big.NewInt(1080)}, services.ErrQuoteChanged
}

func (f *fakeActions) Cancel(id string) error { return nil }

func (f *fakeActions) Get(id string) (*services.Intent, error) {
	return nil, services.ErrIntentNotFound
}

func newTestServer(t *testing.T, actions Actions) *httptest.Server {
	t.Helper()
	invs := fakeInvoices{
		100: {ID: 100, Supplier: supplier, Buyer: buyer, Principal: big.NewInt(1000), TotalInvestment: new(big.Int), Status: models.InvoiceApproved, DueDate: now.Add(-10 * 24 * time.Hour)},
		101: {ID: 101, Supplier: supplier, Buyer: buyer, Principal: big.NewInt(500), TotalInvestment: new(big.Int), Status: models.InvoicePending, DueDate: now.Add(24 * time.Hour)},
	}
	sy := worker.New(worker.Config{Account: buyer}, worker.Deps{})
	_, err := sy.Observe(context.Background(), models.PaymentRecord{
		TxHash:       common.HexToHash("0x42"),
		LogIndex:     0,
		Kind:         models.EventPaymentReceived,
		InvoiceID:    100,
		Counterparty: buyer,
		Amount:       big.NewInt(1070),
		BlockNumber:  9,
		Source:       models.SourcePolling,
		ObservedAt:   now,
	})
	require.NoError(t, err)

	h := NewHandler(Deps{
		Invoices: invs,
		Ledger:   fakeLedger{},
		Roles:    fakeLedger{},
		Syncs:    fakeSyncs{buyer: sy},
		Actions:  actions,
		Decimals: 2,
		Now:      func() time.Time { return now },
	})
	srv := httptest.NewServer(NewServer(h).Router)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestReadRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/accounts/nope/invoices", nil))

	var list []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/accounts/"+buyer.Hex()+"/invoices?status=overdue", &list))
	require.Len(t, list, 1)
	require.Equal(t, float64(100), list[0]["id"])

	var summary map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/accounts/"+buyer.Hex()+"/summary", &summary))
	require.Equal(t, float64(2), summary["total"])
	require.Equal(t, float64(1), summary["overdue"])

	var empty []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/accounts/"+supplier.Hex()+"/invoices", &empty))
	require.Empty(t, empty, "no role chosen yet")

	var inv map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/invoices/100", &inv))
	figures := inv["figures"].(map[string]any)
	require.Equal(t, true, figures["authoritative"])
	require.Equal(t, "0.7", figures["penalty"])
	require.Equal(t, "1", figures["estimated_penalty"])

	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/invoices/999", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/invoices/abc", nil))

	var history []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/accounts/"+buyer.Hex()+"/history", &history))
	require.Len(t, history, 1)
	require.Equal(t, "10.7", history[0]["amount"])

	var status map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/accounts/"+buyer.Hex()+"/sync", &status))
	require.Equal(t, "idle", status["state"])
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/accounts/"+supplier.Hex()+"/sync", nil))

	var role map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/accounts/"+buyer.Hex()+"/role", &role))
	require.Equal(t, "buyer", role["role"])
}

func TestActionRoutes(t *testing.T) {
	actions := &fakeActions{}
	srv := newTestServer(t, actions)

	resp, err := http.Post(srv.URL+"/actions", "application/json", strings.NewReader(`{"kind":"mint"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := `{"kind":"create_invoice","invoice_id":9,"buyer":"` + buyer.Hex() + `","amount":"1000","due_date":"2026-04-01T00:00:00Z"}`
	resp, err = http.Post(srv.URL+"/actions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, actions.prepared, 1)
	req := actions.prepared[0]
	require.Equal(t, services.ActionCreateInvoice, req.Kind)
	require.Equal(t, "1000", req.Amount.String())
	require.Equal(t, buyer, req.Buyer)
	require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), req.DueDate)

	resp, err = http.Post(srv.URL+"/actions/intent-1/confirm", "application/json", nil)
	require.NoError(t, err)
	var conflict struct {
		Error  string           `json:"error"`
		Intent *services.Intent `json:"intent"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conflict))
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "1080", conflict.Intent.ValueWei.String())

	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/actions/missing", nil))
}

func TestActionsDisabledWithoutSigner(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Post(srv.URL+"/actions", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{chain.ErrGatewayTimeout, http.StatusGatewayTimeout},
		{chain.ErrGatewayUnavailable, http.StatusBadGateway},
		{services.ErrStaleRoleState, http.StatusConflict},
		{&chain.RevertError{Reason: "Main__InsufficientPayment"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
