// Package invoices reads ledger invoices into the canonical model behind a
// read-through cache.
package invoices

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/logging"
	"InvoiceChainSync/internal/metrics"
	"InvoiceChainSync/internal/models"
)

type Options struct {
	Capacity    int
	TTL         time.Duration
	Parallelism int
	Logger      *zap.Logger
	Now         func() time.Time
}

type Repository struct {
	reader   chain.Reader
	invoices *cache.Cache[uint64, models.Invoice]
	tokens   *cache.Cache[uint64, models.TokenInfo]
	ttl      time.Duration
	parallel int
	log      *zap.Logger
	now      func() time.Time
}

func New(reader chain.Reader, opts Options) *Repository {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Repository{
		reader:   reader,
		invoices: cache.New(cache.AsLRU[uint64, models.Invoice](lru.WithCapacity(opts.Capacity))),
		tokens:   cache.New(cache.AsLRU[uint64, models.TokenInfo](lru.WithCapacity(opts.Capacity))),
		ttl:      opts.TTL,
		parallel: opts.Parallelism,
		log:      logging.Or(opts.Logger),
		now:      opts.Now,
	}
}

type getOptions struct {
	fresh bool
}

type GetOption func(*getOptions)

// Fresh bypasses the cache and refills it with the ledger's answer.
func Fresh() GetOption {
	return func(o *getOptions) { o.fresh = true }
}

func collect(opts []GetOption) getOptions {
	var o getOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Get returns invoice id, failing with chain.ErrNotFound if the ledger does
// not know it.
func (r *Repository) Get(ctx context.Context, id uint64, opts ...GetOption) (*models.Invoice, error) {
	if !collect(opts).fresh {
		if inv, ok := r.invoices.Get(id); ok {
			metrics.CacheLookup(true)
			return inv.Clone(), nil
		}
		metrics.CacheLookup(false)
	}
	raw, err := r.reader.InvoiceDetails(ctx, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	inv, err := normalize(raw, r.now())
	if err != nil {
		return nil, fmt.Errorf("invoice %d: %w", id, err)
	}
	if inv.ID != id {
		return nil, fmt.Errorf("invoice %d: %w", id, chain.ErrNotFound)
	}
	r.invoices.Set(id, *inv.Clone(), cache.WithExpiration(r.ttl))
	return inv, nil
}

// IDsFor lists the invoice ids visible to account in role: suppliers and
// buyers see their own, investors see every invoice.
func (r *Repository) IDsFor(ctx context.Context, account common.Address, role models.Role) ([]uint64, error) {
	var (
		raw []*big.Int
		err error
	)
	switch role {
	case models.RoleSupplier:
		raw, err = r.reader.SupplierInvoiceIDs(ctx, account)
	case models.RoleBuyer:
		raw, err = r.reader.BuyerInvoiceIDs(ctx, account)
	case models.RoleInvestor:
		raw, err = r.reader.AllInvoiceIDs(ctx)
	default:
		return nil, fmt.Errorf("role %s has no invoices", role)
	}
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	seen := make(map[uint64]struct{}, len(raw))
	for _, v := range raw {
		if v == nil || !v.IsUint64() {
			continue
		}
		id := v.Uint64()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListFor fetches every invoice of account in role, ordered by id. Ids the
// ledger lists but cannot resolve are skipped; transport failures abort.
func (r *Repository) ListFor(ctx context.Context, account common.Address, role models.Role, opts ...GetOption) ([]*models.Invoice, error) {
	ids, err := r.IDsFor(ctx, account, role)
	if err != nil {
		return nil, err
	}
	p := pool.NewWithResults[*models.Invoice]().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(r.parallel)
	for _, id := range ids {
		id := id // per-iteration copy; go 1.21 loop variables are shared
		p.Go(func(ctx context.Context) (*models.Invoice, error) {
			inv, err := r.Get(ctx, id, opts...)
			if errors.Is(err, chain.ErrNotFound) {
				r.log.Warn("listed invoice not found", zap.Uint64("invoice", id), zap.String("account", account.Hex()))
				return nil, nil
			}
			return inv, err
		})
	}
	found, err := p.Wait()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Invoice, 0, len(found))
	for _, inv := range found {
		if inv != nil {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Token reads the investment token of invoice id. An invoice without a
// generated token yields a TokenInfo with zero supplies and no price.
func (r *Repository) Token(ctx context.Context, id uint64, opts ...GetOption) (*models.TokenInfo, error) {
	if !collect(opts).fresh {
		if tok, ok := r.tokens.Get(id); ok {
			return tok.Clone(), nil
		}
	}
	bid := new(big.Int).SetUint64(id)
	addr, err := r.reader.InvoiceTokenAddress(ctx, bid)
	if err != nil {
		return nil, err
	}
	tok := models.TokenInfo{
		InvoiceID:    id,
		TokenAddress: addr,
		MaxSupply:    new(big.Int),
		TotalSupply:  new(big.Int),
		FetchedAt:    r.now(),
	}
	if tok.Generated() {
		if tok.MaxSupply, err = r.reader.MaxSupply(ctx, bid); err != nil {
			return nil, err
		}
		if tok.TotalSupply, err = r.reader.TotalSupply(ctx, bid); err != nil {
			return nil, err
		}
		if tok.PriceWei, err = r.reader.PriceOfTokenInEth(ctx, bid); err != nil {
			return nil, err
		}
	}
	r.tokens.Set(id, *tok.Clone(), cache.WithExpiration(r.ttl))
	return &tok, nil
}

// Invalidate drops every cached view of invoice id.
func (r *Repository) Invalidate(id uint64) {
	r.invoices.Delete(id)
	r.tokens.Delete(id)
}

func normalize(raw *chain.RawInvoice, fetched time.Time) (*models.Invoice, error) {
	if raw == nil || raw.Id == nil || raw.Supplier == (common.Address{}) {
		return nil, chain.ErrNotFound
	}
	if !raw.Id.IsUint64() {
		return nil, chain.ErrNotFound
	}
	inv := &models.Invoice{
		ID:              raw.Id.Uint64(),
		Supplier:        raw.Supplier,
		Buyer:           raw.Buyer,
		Principal:       nonNil(raw.Amount),
		Investors:       append([]common.Address(nil), raw.Investors...),
		Status:          models.InvoiceStatus(raw.Status),
		TotalInvestment: nonNil(raw.TotalInvestment),
		FetchedAt:       fetched,
	}
	if raw.DueDate != nil && raw.DueDate.IsInt64() {
		inv.DueDate = time.Unix(raw.DueDate.Int64(), 0).UTC()
	}
	inv.IsPaid = raw.IsPaid || inv.Status == models.InvoicePaid
	return inv, nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// WatchedInvoices is the set of invoices whose payments concern account. For
// suppliers and buyers those are their own invoices; investors are matched
// by counterparty alone, so they watch none.
func (r *Repository) WatchedInvoices(ctx context.Context, account common.Address) ([]uint64, error) {
	chosen, err := r.reader.HasChosenRole(ctx, account)
	if err != nil {
		return nil, err
	}
	if !chosen {
		return nil, nil
	}
	role, err := r.reader.UserRole(ctx, account)
	if err != nil {
		return nil, err
	}
	switch models.Role(role) {
	case models.RoleSupplier, models.RoleBuyer:
		return r.IDsFor(ctx, account, models.Role(role))
	}
	return nil, nil
}
