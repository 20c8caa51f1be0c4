package pricing

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"InvoiceChainSync/internal/accounting"
)

// Reader is the slice of the ledger that prices an invoice.
type Reader interface {
	PriceOfTokenInEth(ctx context.Context, id *big.Int) (*big.Int, error)
	TotalDebtAmount(ctx context.Context, id *big.Int) (*big.Int, error)
}

// Service reads exchange rates and debts straight from the ledger. It never
// caches: amounts it returns are meant to be submitted.
type Service struct {
	Reader Reader
	Now    func() time.Time
}

type Snapshot struct {
	InvoiceID uint64    `json:"invoice_id"`
	PriceWei  *big.Int  `json:"price_wei"`
	FetchedAt time.Time `json:"fetched_at"`
	Source    string    `json:"source"`
}

// Quote is a fresh payment amount for buyerPayment.
type Quote struct {
	Snapshot
	Principal *big.Int `json:"principal"`
	Debt      *big.Int `json:"debt"`
	Penalty   *big.Int `json:"penalty"`
	ValueWei  *big.Int `json:"value_wei"`
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s Service) CurrentSnapshot(ctx context.Context, invoiceID uint64) (Snapshot, error) {
	price, err := s.Reader.PriceOfTokenInEth(ctx, new(big.Int).SetUint64(invoiceID))
	if err != nil {
		return Snapshot{}, err
	}
	if price == nil || price.Sign() <= 0 {
		return Snapshot{}, fmt.Errorf("%w: price %v for invoice %d", accounting.ErrInvalidPricingState, price, invoiceID)
	}
	return Snapshot{
		InvoiceID: invoiceID,
		PriceWei:  price,
		FetchedAt: s.now(),
		Source:    "ledger",
	}, nil
}

// PaymentQuote re-reads total debt and price and derives the value owed.
func (s Service) PaymentQuote(ctx context.Context, invoiceID uint64, principal *big.Int) (Quote, error) {
	debt, err := s.Reader.TotalDebtAmount(ctx, new(big.Int).SetUint64(invoiceID))
	if err != nil {
		return Quote{}, err
	}
	penalty, err := accounting.AuthoritativePenalty(principal, debt)
	if err != nil {
		return Quote{}, fmt.Errorf("invoice %d: %w", invoiceID, err)
	}
	snap, err := s.CurrentSnapshot(ctx, invoiceID)
	if err != nil {
		return Quote{}, err
	}
	value, err := accounting.RequiredPayment(debt, snap.PriceWei)
	if err != nil {
		return Quote{}, fmt.Errorf("invoice %d: %w", invoiceID, err)
	}
	return Quote{
		Snapshot:  snap,
		Principal: new(big.Int).Set(principal),
		Debt:      debt,
		Penalty:   penalty,
		ValueWei:  value,
	}, nil
}

// PurchaseQuote prices buyTokens(amount) at the current rate.
func (s Service) PurchaseQuote(ctx context.Context, invoiceID uint64, amount *big.Int) (Snapshot, *big.Int, error) {
	snap, err := s.CurrentSnapshot(ctx, invoiceID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	value, err := accounting.TokenPurchaseValue(amount, snap.PriceWei)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("invoice %d: %w", invoiceID, err)
	}
	return snap, value, nil
}
