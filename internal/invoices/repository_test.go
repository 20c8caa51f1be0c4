package invoices

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/models"
)

var (
	supplier = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	now      = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
)

type fakeReader struct {
	mu       sync.Mutex
	invoices map[uint64]*chain.RawInvoice
	buyerIDs []*big.Int
	detail   int
	err      error
	token    common.Address
}

func (f *fakeReader) InvoiceDetails(ctx context.Context, id *big.Int) (*chain.RawInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detail++
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.invoices[id.Uint64()]
	if !ok {
		return &chain.RawInvoice{Id: new(big.Int), Amount: new(big.Int)}, nil
	}
	return raw, nil
}

func (f *fakeReader) Invoice(ctx context.Context, id *big.Int) (*chain.RawInvoice, error) {
	return f.InvoiceDetails(ctx, id)
}

func (f *fakeReader) BuyerInvoiceIDs(ctx context.Context, account common.Address) ([]*big.Int, error) {
	return f.buyerIDs, nil
}

func (f *fakeReader) SupplierInvoiceIDs(ctx context.Context, account common.Address) ([]*big.Int, error) {
	return nil, nil
}

func (f *fakeReader) AllInvoiceIDs(ctx context.Context) ([]*big.Int, error) {
	return f.buyerIDs, nil
}

func (f *fakeReader) IDExists(ctx context.Context, id *big.Int) (bool, error) {
	_, ok := f.invoices[id.Uint64()]
	return ok, nil
}

func (f *fakeReader) HasChosenRole(ctx context.Context, account common.Address) (bool, error) {
	return true, nil
}

func (f *fakeReader) UserRole(ctx context.Context, account common.Address) (uint8, error) {
	return uint8(models.RoleBuyer), nil
}

func (f *fakeReader) InvoiceTokenAddress(ctx context.Context, id *big.Int) (common.Address, error) {
	return f.token, nil
}

func (f *fakeReader) MaxSupply(ctx context.Context, id *big.Int) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (f *fakeReader) TotalSupply(ctx context.Context, id *big.Int) (*big.Int, error) {
	return big.NewInt(250), nil
}

func (f *fakeReader) PriceOfTokenInEth(ctx context.Context, id *big.Int) (*big.Int, error) {
	return big.NewInt(7), nil
}

func (f *fakeReader) TotalDebtAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func raw(id uint64, status models.InvoiceStatus, due time.Time) *chain.RawInvoice {
	return &chain.RawInvoice{
		Id:              new(big.Int).SetUint64(id),
		Supplier:        supplier,
		Buyer:           buyer,
		Amount:          big.NewInt(1000),
		Status:          uint8(status),
		DueDate:         big.NewInt(due.Unix()),
		TotalInvestment: big.NewInt(0),
	}
}

func newRepo(r *fakeReader) *Repository {
	return New(r, Options{TTL: time.Minute, Now: func() time.Time { return now }})
}

func TestGetCachesUntilFresh(t *testing.T) {
	r := &fakeReader{invoices: map[uint64]*chain.RawInvoice{100: raw(100, models.InvoiceApproved, now.Add(-10*24*time.Hour))}}
	repo := newRepo(r)

	inv, err := repo.Get(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), inv.ID)
	require.Equal(t, supplier, inv.Supplier)
	require.Equal(t, now.Add(-10*24*time.Hour).Unix(), inv.DueDate.Unix())
	require.False(t, inv.IsPaid)

	_, err = repo.Get(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, r.detail)

	r.invoices[100].Status = uint8(models.InvoicePaid)
	inv, err = repo.Get(context.Background(), 100, Fresh())
	require.NoError(t, err)
	require.Equal(t, 2, r.detail)
	require.True(t, inv.IsPaid)

	repo.Invalidate(100)
	_, err = repo.Get(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 3, r.detail)
}

func TestCachedValuesAreNotShared(t *testing.T) {
	rw := raw(100, models.InvoiceApproved, now)
	rw.Investors = []common.Address{buyer}
	r := &fakeReader{
		invoices: map[uint64]*chain.RawInvoice{100: rw},
		token:    common.HexToAddress("0x00000000000000000000000000000000000000c3"),
	}
	repo := newRepo(r)
	ctx := context.Background()

	first, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	first.Principal.SetInt64(1)
	first.TotalInvestment.SetInt64(1)
	first.Investors[0] = supplier

	again, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, r.detail, "served from cache")
	require.Equal(t, int64(1000), again.Principal.Int64())
	require.Zero(t, again.TotalInvestment.Sign())
	require.Equal(t, []common.Address{buyer}, again.Investors)
	again.Principal.SetInt64(2)

	third, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1000), third.Principal.Int64())

	tok, err := repo.Token(ctx, 100)
	require.NoError(t, err)
	tok.MaxSupply.SetInt64(0)
	tok.PriceWei.SetInt64(0)
	tok, err = repo.Token(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1000), tok.MaxSupply.Int64())
	require.Equal(t, int64(7), tok.PriceWei.Int64())
}

func TestGetNotFound(t *testing.T) {
	repo := newRepo(&fakeReader{invoices: map[uint64]*chain.RawInvoice{}})
	_, err := repo.Get(context.Background(), 9)
	require.ErrorIs(t, err, chain.ErrNotFound)
}

func TestGetSurfacesGatewayErrors(t *testing.T) {
	repo := newRepo(&fakeReader{err: chain.ErrGatewayUnavailable})
	_, err := repo.Get(context.Background(), 9)
	require.ErrorIs(t, err, chain.ErrGatewayUnavailable)
}

func TestListForSkipsUnknownAndSorts(t *testing.T) {
	r := &fakeReader{
		invoices: map[uint64]*chain.RawInvoice{
			3: raw(3, models.InvoicePending, now.Add(time.Hour)),
			1: raw(1, models.InvoiceApproved, now.Add(time.Hour)),
		},
		buyerIDs: []*big.Int{big.NewInt(3), big.NewInt(5), big.NewInt(1), big.NewInt(3)},
	}
	repo := newRepo(r)

	invs, err := repo.ListFor(context.Background(), buyer, models.RoleBuyer)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	require.Equal(t, uint64(1), invs[0].ID)
	require.Equal(t, uint64(3), invs[1].ID)

	_, err = repo.ListFor(context.Background(), buyer, models.RoleNone)
	require.Error(t, err)
}

func TestListForAbortsOnTransportFailure(t *testing.T) {
	r := &fakeReader{err: chain.ErrGatewayTimeout, buyerIDs: []*big.Int{big.NewInt(1)}}
	_, err := newRepo(r).ListFor(context.Background(), buyer, models.RoleBuyer)
	require.ErrorIs(t, err, chain.ErrGatewayTimeout)
}

func TestToken(t *testing.T) {
	r := &fakeReader{}
	repo := newRepo(r)

	tok, err := repo.Token(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, tok.Generated())
	require.Zero(t, tok.MaxSupply.Sign())

	r.token = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	tok, err = repo.Token(context.Background(), 1, Fresh())
	require.NoError(t, err)
	require.True(t, tok.Generated())
	require.Equal(t, int64(750), tok.RemainingCapacity().Int64())
	require.Equal(t, int64(7), tok.PriceWei.Int64())
}

func TestSummarizeAndFilter(t *testing.T) {
	overdue, _ := normalize(raw(1, models.InvoiceApproved, now.Add(-3*24*time.Hour-time.Minute)), now)
	paid, _ := normalize(raw(2, models.InvoicePaid, now.Add(-30*24*time.Hour)), now)
	pending, _ := normalize(raw(3, models.InvoicePending, now.Add(24*time.Hour)), now)
	invs := []*models.Invoice{overdue, paid, pending}

	s := Summarize(invs, now, 0)
	require.Equal(t, 3, s.Total)
	require.Equal(t, 1, s.Overdue)
	require.Equal(t, 1, s.Approved)
	require.Equal(t, 1, s.Paid)
	require.Equal(t, 1, s.Pending)
	require.Equal(t, "30", s.Penalties.String())
	require.Equal(t, "2030", s.Outstanding.String())

	f, err := ParseFilter("overdue")
	require.NoError(t, err)
	require.Equal(t, []*models.Invoice{overdue}, f.Apply(invs, now))

	f, err = ParseFilter("pending")
	require.NoError(t, err)
	require.Equal(t, []*models.Invoice{pending}, f.Apply(invs, now))

	f, err = ParseFilter("")
	require.NoError(t, err)
	require.Len(t, f.Apply(invs, now), 3)

	_, err = ParseFilter("late")
	require.Error(t, err)
}

func TestWatchedInvoicesFollowsRole(t *testing.T) {
	r := &fakeReader{buyerIDs: []*big.Int{big.NewInt(4), big.NewInt(2)}}
	ids, err := newRepo(r).WatchedInvoices(context.Background(), buyer)
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 2}, ids)
}
