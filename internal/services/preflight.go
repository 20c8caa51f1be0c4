package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/invoices"
	"InvoiceChainSync/internal/models"
	"InvoiceChainSync/internal/pricing"
)

type plan struct {
	call  chain.Call
	gas   uint64
	quote *pricing.Quote
	price *pricing.Snapshot
}

// build runs the guard chain for req: role, existence, ownership, status,
// amounts, then a gas estimate. Every read bypasses caches.
func (s *ActionService) build(ctx context.Context, req Request) (*plan, error) {
	c, ok := kindCapability[req.Kind]
	if !ok {
		return nil, guardf("unknown action %q", req.Kind)
	}
	if err := s.guard.Require(ctx, c); err != nil {
		return nil, err
	}
	p, err := s.preflight(ctx, req)
	if err != nil {
		return nil, err
	}
	gas, err := s.tx.Estimate(ctx, p.call)
	if err != nil {
		if errors.Is(err, chain.ErrGatewayUnavailable) || errors.Is(err, chain.ErrGatewayTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrGasEstimation, err)
	}
	p.gas = gas
	return p, nil
}

func (s *ActionService) preflight(ctx context.Context, req Request) (*plan, error) {
	id := new(big.Int).SetUint64(req.InvoiceID)
	switch req.Kind {
	case ActionChooseRole:
		if req.Role > models.RoleInvestor {
			return nil, guardf("unknown role %d", req.Role)
		}
		return &plan{call: chain.Call{Method: "chooseRole", Args: []any{uint8(req.Role)}}}, nil

	case ActionCreateInvoice:
		exists, err := s.ledger.IDExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, guardf("invoice %d already exists", req.InvoiceID)
		}
		if req.Buyer == (common.Address{}) {
			return nil, guardf("buyer address is required")
		}
		if !positive(req.Amount) {
			return nil, guardf("invoice amount must be positive")
		}
		if !req.DueDate.After(s.now()) {
			return nil, guardf("due date must be in the future")
		}
		return &plan{call: chain.Call{
			Method: "createInvoice",
			Args:   []any{id, req.Buyer, new(big.Int).Set(req.Amount), big.NewInt(req.DueDate.Unix())},
		}}, nil

	case ActionVerifyInvoice:
		inv, err := s.existing(ctx, req.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv.Supplier != s.guard.Account() {
			return nil, guardf("invoice %d: caller must be the supplier", inv.ID)
		}
		if inv.Status != models.InvoicePending {
			return nil, guardf("invoice %d: status must be %s, is %s", inv.ID, models.InvoicePending, inv.Status)
		}
		return &plan{call: chain.Call{Method: "verifyInvoice", Args: []any{id}}}, nil

	case ActionTokenGeneration:
		inv, err := s.existing(ctx, req.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv.Supplier != s.guard.Account() {
			return nil, guardf("invoice %d: caller must be the supplier", inv.ID)
		}
		if inv.Status != models.InvoiceApproved {
			return nil, guardf("invoice %d: status must be %s, is %s", inv.ID, models.InvoiceApproved, inv.Status)
		}
		if !positive(req.Amount) {
			return nil, guardf("token amount must be positive")
		}
		tok, err := s.invoices.Token(ctx, inv.ID, invoices.Fresh())
		if err != nil {
			return nil, err
		}
		if tok.Generated() {
			return nil, guardf("invoice %d: token already generated at %s", inv.ID, tok.TokenAddress.Hex())
		}
		return &plan{call: chain.Call{Method: "tokenGeneration", Args: []any{id, new(big.Int).Set(req.Amount)}}}, nil

	case ActionBuyTokens:
		inv, err := s.existing(ctx, req.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv.Status != models.InvoiceApproved {
			return nil, guardf("invoice %d: status must be %s, is %s", inv.ID, models.InvoiceApproved, inv.Status)
		}
		if !positive(req.Amount) {
			return nil, guardf("token amount must be positive")
		}
		tok, err := s.invoices.Token(ctx, inv.ID, invoices.Fresh())
		if err != nil {
			return nil, err
		}
		if !tok.Generated() {
			return nil, guardf("invoice %d: no investment token yet", inv.ID)
		}
		if remaining := tok.RemainingCapacity(); req.Amount.Cmp(remaining) > 0 {
			return nil, guardf("invoice %d: %s tokens requested, %s remaining", inv.ID, req.Amount, remaining)
		}
		snap, value, err := s.pricing.PurchaseQuote(ctx, inv.ID, req.Amount)
		if err != nil {
			return nil, err
		}
		return &plan{
			call:  chain.Call{Method: "buyTokens", Args: []any{id, new(big.Int).Set(req.Amount)}, Value: value},
			price: &snap,
		}, nil

	case ActionPayInvoice:
		inv, err := s.existing(ctx, req.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv.Buyer != s.guard.Account() {
			return nil, guardf("invoice %d: caller must be the buyer", inv.ID)
		}
		if inv.Settled() {
			return nil, guardf("invoice %d is already paid", inv.ID)
		}
		if inv.Status != models.InvoiceApproved {
			return nil, guardf("invoice %d: status must be %s, is %s", inv.ID, models.InvoiceApproved, inv.Status)
		}
		q, err := s.pricing.PaymentQuote(ctx, inv.ID, inv.Principal)
		if err != nil {
			return nil, err
		}
		return &plan{
			call:  chain.Call{Method: "buyerPayment", Args: []any{id}, Value: q.ValueWei},
			quote: &q,
		}, nil
	}
	return nil, guardf("unknown action %q", req.Kind)
}

// existing confirms id on the ledger before reading it fresh.
func (s *ActionService) existing(ctx context.Context, id uint64) (*models.Invoice, error) {
	ok, err := s.ledger.IDExists(ctx, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("invoice %d: %w", id, chain.ErrNotFound)
	}
	return s.invoices.Get(ctx, id, invoices.Fresh())
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
