package accounting

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"InvoiceChainSync/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func invoice(principal int64, due time.Time) *models.Invoice {
	return &models.Invoice{
		ID:        100,
		Principal: big.NewInt(principal),
		DueDate:   due,
		Status:    models.InvoiceApproved,
	}
}

func TestOverdueInvoiceUsesLedgerDebtForPenalty(t *testing.T) {
	inv := invoice(1000, now.Add(-10*Day))

	require.True(t, IsOverdue(inv, now))
	require.Equal(t, int64(10), DaysOverdue(inv, now))
	require.Equal(t, int64(100), EstimatePenalty(inv, now).Int64())

	pen, err := AuthoritativePenalty(inv.Principal, big.NewInt(1070))
	require.NoError(t, err)
	require.Equal(t, int64(70), pen.Int64())
	require.Equal(t, int64(1070), TotalDebt(inv.Principal, pen).Int64())
}

func TestAuthoritativePenaltyRejectsDebtBelowPrincipal(t *testing.T) {
	_, err := AuthoritativePenalty(big.NewInt(1000), big.NewInt(999))
	require.ErrorIs(t, err, ErrInvalidPricingState)
	_, err = AuthoritativePenalty(big.NewInt(1000), nil)
	require.ErrorIs(t, err, ErrInvalidPricingState)
}

func TestEstimatePenalty(t *testing.T) {
	cases := []struct {
		name string
		due  time.Time
		want int64
	}{
		{"not due", now.Add(Day), 0},
		{"due today", now.Add(-time.Hour), 0},
		{"three days", now.Add(-3*Day - time.Minute), 30},
		{"capped", now.Add(-40 * Day), 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EstimatePenalty(invoice(1000, tc.due), now).Int64())
		})
	}
}

func TestPenaltyMonotonicUntilPaid(t *testing.T) {
	inv := invoice(12345, now.Add(-2*Day))
	prev := big.NewInt(0)
	for h := 0; h < 24*15; h += 7 {
		p := EstimatePenalty(inv, now.Add(time.Duration(h)*time.Hour))
		require.True(t, p.Cmp(prev) >= 0)
		prev = p
	}
	inv.IsPaid = true
	require.False(t, IsOverdue(inv, now))
	require.Zero(t, EstimatePenalty(inv, now).Sign())

	inv.IsPaid = false
	inv.Status = models.InvoicePaid
	require.Zero(t, EstimatePenalty(inv, now).Sign())
}

func TestFundingProgress(t *testing.T) {
	p, err := FundingProgress(big.NewInt(25), big.NewInt(100))
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.RequireFromString("0.25")))

	p, err = FundingProgress(big.NewInt(150), big.NewInt(100))
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.NewFromInt(1)))

	p, err = FundingProgress(nil, big.NewInt(100))
	require.NoError(t, err)
	require.True(t, p.IsZero())

	_, err = FundingProgress(big.NewInt(0), big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidPricingState)
}

func TestFundingBoundAfterPurchases(t *testing.T) {
	maxSupply := big.NewInt(1000)
	total := new(big.Int)
	for _, buy := range []int64{100, 250, 0, 400, 500, 1} {
		total.Add(total, big.NewInt(buy))
		p, err := FundingProgress(total, maxSupply)
		require.NoError(t, err)
		require.False(t, p.IsNegative())
		require.True(t, p.LessThanOrEqual(decimal.NewFromInt(1)))
	}
}

func TestRequiredPayment(t *testing.T) {
	debt := new(big.Int).Mul(big.NewInt(1070), one)
	price := big.NewInt(2_000_000_000_000_000) // 0.002 ETH per unit

	v, err := RequiredPayment(debt, price)
	require.NoError(t, err)
	require.Equal(t, "2140000000000000000", v.String())

	v, err = RequiredPayment(big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int64(), "rounds up")

	_, err = RequiredPayment(debt, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidPricingState)
	_, err = RequiredPayment(debt, big.NewInt(-5))
	require.ErrorIs(t, err, ErrInvalidPricingState)
}

func TestTokenPurchaseValue(t *testing.T) {
	v, err := TokenPurchaseValue(new(big.Int).Mul(big.NewInt(5), one), big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, int64(15), v.Int64())

	_, err = TokenPurchaseValue(big.NewInt(0), big.NewInt(3))
	require.ErrorIs(t, err, ErrInvalidPricingState)
}

func TestCompute(t *testing.T) {
	inv := invoice(1000, now.Add(-10*Day))
	tok := &models.TokenInfo{
		InvoiceID:   100,
		MaxSupply:   big.NewInt(1000),
		TotalSupply: big.NewInt(400),
		PriceWei:    new(big.Int).Set(one),
	}

	f := Compute(inv, Inputs{Token: tok, Decimals: 0}, now)
	require.False(t, f.Authoritative)
	require.True(t, f.RequiredPayment.IsZero(), "estimates never produce a payment amount")
	require.True(t, f.FundingProgress.Equal(decimal.RequireFromString("0.4")))

	f = Compute(inv, Inputs{LedgerDebt: big.NewInt(1070), Token: tok}, now)
	require.True(t, f.Authoritative)
	require.Equal(t, int64(1070), f.TotalDebtWei().Int64())
	require.True(t, f.Penalty.Equal(models.ToDecimal(big.NewInt(70), 18)))
	require.True(t, f.RequiredPayment.Equal(models.ToDecimal(big.NewInt(1070), 18)))

	tok.MaxSupply = big.NewInt(0)
	f = Compute(inv, Inputs{Token: tok}, now)
	require.True(t, f.FundingProgress.IsZero())
}
