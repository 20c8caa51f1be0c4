package accounting

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"InvoiceChainSync/internal/models"
)

// Figures is the derived view of one invoice at a reference time.
type Figures struct {
	InvoiceID         uint64          `json:"invoice_id"`
	Overdue           bool            `json:"overdue"`
	DaysOverdue       int64           `json:"days_overdue"`
	EstimatedPenalty  decimal.Decimal `json:"estimated_penalty"`
	Penalty           decimal.Decimal `json:"penalty"`
	TotalDebt         decimal.Decimal `json:"total_debt"`
	Authoritative     bool            `json:"authoritative"`
	FundingProgress   decimal.Decimal `json:"funding_progress"`
	RemainingCapacity decimal.Decimal `json:"remaining_capacity"`
	PriceWei          string          `json:"price_wei,omitempty"`
	RequiredPayment   decimal.Decimal `json:"required_payment"`

	totalDebtWei *big.Int
}

// TotalDebtWei is the debt in ledger units; it is nil unless authoritative.
func (f *Figures) TotalDebtWei() *big.Int {
	return f.totalDebtWei
}

// Inputs carries optional ledger reads. A nil LedgerDebt leaves Penalty and
// TotalDebt on the display estimate with Authoritative=false.
type Inputs struct {
	LedgerDebt *big.Int
	Token      *models.TokenInfo
	Decimals   int
}

// Compute derives Figures. Pricing failures leave the dependent figures
// zero instead of failing the whole view.
func Compute(inv *models.Invoice, in Inputs, now time.Time) Figures {
	dec := in.Decimals
	if dec == 0 {
		dec = 18
	}
	est := EstimatePenalty(inv, now)
	f := Figures{
		InvoiceID:        inv.ID,
		Overdue:          IsOverdue(inv, now),
		DaysOverdue:      DaysOverdue(inv, now),
		EstimatedPenalty: models.ToDecimal(est, dec),
		Penalty:          models.ToDecimal(est, dec),
		TotalDebt:        models.ToDecimal(TotalDebt(inv.Principal, est), dec),
	}
	if inv.Settled() {
		f.Penalty = decimal.Zero
		f.EstimatedPenalty = decimal.Zero
		f.TotalDebt = decimal.Zero
	}
	if in.LedgerDebt != nil && !inv.Settled() {
		if pen, err := AuthoritativePenalty(inv.Principal, in.LedgerDebt); err == nil {
			f.Authoritative = true
			f.Penalty = models.ToDecimal(pen, dec)
			f.TotalDebt = models.ToDecimal(in.LedgerDebt, dec)
			f.totalDebtWei = new(big.Int).Set(in.LedgerDebt)
		}
	}
	if tok := in.Token; tok != nil {
		if p, err := FundingProgress(tok.TotalSupply, tok.MaxSupply); err == nil {
			f.FundingProgress = p
		}
		f.RemainingCapacity = models.ToDecimal(tok.RemainingCapacity(), dec)
		if tok.PriceWei != nil {
			f.PriceWei = tok.PriceWei.String()
		}
		if f.totalDebtWei != nil {
			if v, err := RequiredPayment(f.totalDebtWei, tok.PriceWei); err == nil {
				f.RequiredPayment = models.ToDecimal(v, 18)
			}
		}
	}
	return f
}
