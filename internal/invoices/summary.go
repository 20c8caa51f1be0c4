package invoices

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"InvoiceChainSync/internal/accounting"
	"InvoiceChainSync/internal/models"
)

// Summary aggregates a dashboard view. Penalty figures are the local
// display estimate.
type Summary struct {
	Total       int             `json:"total"`
	Overdue     int             `json:"overdue"`
	Approved    int             `json:"approved"`
	Paid        int             `json:"paid"`
	Pending     int             `json:"pending"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Penalties   decimal.Decimal `json:"penalties"`
}

func Summarize(invs []*models.Invoice, now time.Time, decimals int) Summary {
	s := Summary{Total: len(invs)}
	outstanding := new(big.Int)
	penalties := new(big.Int)
	for _, inv := range invs {
		if accounting.IsOverdue(inv, now) {
			s.Overdue++
		}
		switch inv.Status {
		case models.InvoiceApproved:
			s.Approved++
		case models.InvoicePaid:
			s.Paid++
		case models.InvoicePending:
			s.Pending++
		}
		pen := accounting.EstimatePenalty(inv, now)
		penalties.Add(penalties, pen)
		if !inv.Settled() {
			outstanding.Add(outstanding, accounting.TotalDebt(inv.Principal, pen))
		}
	}
	s.Outstanding = models.ToDecimal(outstanding, decimals)
	s.Penalties = models.ToDecimal(penalties, decimals)
	return s
}

// Filter selects invoices by exact status or by the derived overdue flag.
type Filter struct {
	Status  *models.InvoiceStatus
	Overdue bool
}

// ParseFilter accepts "", "all", "overdue" or a status name.
func ParseFilter(v string) (Filter, error) {
	switch v {
	case "", "all":
		return Filter{}, nil
	case "overdue":
		return Filter{Overdue: true}, nil
	}
	st, ok := models.ParseInvoiceStatus(v)
	if !ok {
		return Filter{}, fmt.Errorf("unknown status filter %q", v)
	}
	return Filter{Status: &st}, nil
}

func (f Filter) Apply(invs []*models.Invoice, now time.Time) []*models.Invoice {
	if f.Status == nil && !f.Overdue {
		return invs
	}
	out := make([]*models.Invoice, 0, len(invs))
	for _, inv := range invs {
		if f.Status != nil && inv.Status != *f.Status {
			continue
		}
		if f.Overdue && !accounting.IsOverdue(inv, now) {
			continue
		}
		out = append(out, inv)
	}
	return out
}
