// Package accounting derives invoice figures from ledger state. Everything
// here is pure: callers supply the ledger reads and the reference time.
package accounting

import (
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"InvoiceChainSync/internal/models"
)

var ErrInvalidPricingState = errors.New("invalid pricing state")

const Day = 24 * time.Hour

// Local estimate: 1% of principal per overdue day, capped at 10%.
const (
	dailyPenaltyPercent = 1
	maxPenaltyPercent   = 10
)

// one is 10^18, the ledger's fixed-point unit for prices.
var one = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func IsOverdue(inv *models.Invoice, now time.Time) bool {
	if inv == nil || inv.Settled() {
		return false
	}
	return now.After(inv.DueDate)
}

func DaysOverdue(inv *models.Invoice, now time.Time) int64 {
	if !IsOverdue(inv, now) {
		return 0
	}
	return int64(now.Sub(inv.DueDate) / Day)
}

// EstimatePenalty is the display-only daily accrual. It must never feed a
// payment amount; use AuthoritativePenalty for that.
func EstimatePenalty(inv *models.Invoice, now time.Time) *big.Int {
	days := DaysOverdue(inv, now)
	if days == 0 || inv.Principal == nil || inv.Principal.Sign() <= 0 {
		return new(big.Int)
	}
	pct := days * dailyPenaltyPercent
	if pct > maxPenaltyPercent {
		pct = maxPenaltyPercent
	}
	out := new(big.Int).Mul(inv.Principal, big.NewInt(pct))
	return out.Quo(out, big.NewInt(100))
}

// AuthoritativePenalty is the ledger's total debt minus principal.
func AuthoritativePenalty(principal, ledgerDebt *big.Int) (*big.Int, error) {
	if principal == nil || ledgerDebt == nil || principal.Sign() < 0 {
		return nil, ErrInvalidPricingState
	}
	if ledgerDebt.Cmp(principal) < 0 {
		return nil, ErrInvalidPricingState
	}
	return new(big.Int).Sub(ledgerDebt, principal), nil
}

func TotalDebt(principal, penalty *big.Int) *big.Int {
	out := new(big.Int)
	if principal != nil {
		out.Add(out, principal)
	}
	if penalty != nil {
		out.Add(out, penalty)
	}
	return out
}

// FundingProgress is totalSupply/maxSupply clamped to [0,1].
func FundingProgress(totalSupply, maxSupply *big.Int) (decimal.Decimal, error) {
	if maxSupply == nil || maxSupply.Sign() <= 0 {
		return decimal.Zero, ErrInvalidPricingState
	}
	if totalSupply == nil || totalSupply.Sign() <= 0 {
		return decimal.Zero, nil
	}
	if totalSupply.Cmp(maxSupply) >= 0 {
		return decimal.NewFromInt(1), nil
	}
	p := decimal.NewFromBigInt(totalSupply, 0).DivRound(decimal.NewFromBigInt(maxSupply, 0), 18)
	return clamp(p), nil
}

// RequiredPayment converts a debt in ledger units into native currency wei
// at priceWei per 10^18 units, rounding up so the ledger never sees an
// underpayment.
func RequiredPayment(debt, priceWei *big.Int) (*big.Int, error) {
	if priceWei == nil || priceWei.Sign() <= 0 {
		return nil, ErrInvalidPricingState
	}
	if debt == nil || debt.Sign() <= 0 {
		return nil, ErrInvalidPricingState
	}
	return mulDivCeil(debt, priceWei, one), nil
}

// TokenPurchaseValue is the wei value attached to buyTokens(amount).
func TokenPurchaseValue(amount, priceWei *big.Int) (*big.Int, error) {
	if priceWei == nil || priceWei.Sign() <= 0 {
		return nil, ErrInvalidPricingState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidPricingState
	}
	return mulDivCeil(amount, priceWei, one), nil
}

func mulDivCeil(a, b, d *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(num, d, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return d
}
