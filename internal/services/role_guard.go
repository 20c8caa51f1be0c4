package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"InvoiceChainSync/internal/models"
)

var ErrStaleRoleState = errors.New("cached role no longer matches ledger")

// Capability is something the session account may do.
type Capability string

const (
	CapChooseRole      Capability = "choose_role"
	CapCreateInvoice   Capability = "create_invoice"
	CapVerifyInvoice   Capability = "verify_invoice"
	CapTokenGeneration Capability = "token_generation"
	CapBuyTokens       Capability = "buy_tokens"
	CapPayInvoice      Capability = "pay_invoice"
	CapViewAllInvoices Capability = "view_all_invoices"
)

var roleCapabilities = map[models.Role][]Capability{
	models.RoleSupplier: {CapCreateInvoice, CapVerifyInvoice, CapTokenGeneration},
	models.RoleBuyer:    {CapPayInvoice},
	models.RoleInvestor: {CapBuyTokens, CapViewAllInvoices},
}

// RoleReader is the slice of the ledger that knows account roles.
type RoleReader interface {
	HasChosenRole(ctx context.Context, account common.Address) (bool, error)
	UserRole(ctx context.Context, account common.Address) (uint8, error)
}

// RoleGuard evaluates the ledger role of one account once per session and
// exposes it as a capability set.
type RoleGuard struct {
	reader  RoleReader
	account common.Address

	mu        sync.Mutex
	evaluated bool
	role      models.Role
}

func NewRoleGuard(reader RoleReader, account common.Address) *RoleGuard {
	return &RoleGuard{reader: reader, account: account, role: models.RoleNone}
}

func (g *RoleGuard) Account() common.Address { return g.account }

// Evaluate reads the authoritative role and caches it. An account that has
// not chosen yet evaluates to RoleNone.
func (g *RoleGuard) Evaluate(ctx context.Context) (models.Role, error) {
	role, err := g.read(ctx)
	if err != nil {
		return models.RoleNone, err
	}
	g.mu.Lock()
	g.role = role
	g.evaluated = true
	g.mu.Unlock()
	return role, nil
}

// Role returns the cached role and whether it has been evaluated.
func (g *RoleGuard) Role() (models.Role, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.role, g.evaluated
}

// Capabilities derives from the cached role; it is empty before Evaluate.
func (g *RoleGuard) Capabilities() []Capability {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.evaluated {
		return nil
	}
	return capabilitiesOf(g.role)
}

// Require fails unless the account holds c. The ledger role is re-read so a
// cached role that drifted surfaces as ErrStaleRoleState; the cache is
// refreshed before returning so the caller can re-evaluate and retry.
func (g *RoleGuard) Require(ctx context.Context, c Capability) error {
	cached, evaluated := g.Role()
	current, err := g.read(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.role = current
	g.evaluated = true
	g.mu.Unlock()

	if evaluated && cached != current {
		return fmt.Errorf("%w: cached %s, ledger %s", ErrStaleRoleState, cached, current)
	}
	for _, have := range capabilitiesOf(current) {
		if have == c {
			return nil
		}
	}
	if c == CapChooseRole {
		return guardf("role already chosen (%s)", current)
	}
	return guardf("%s requires a different role than %s", c, current)
}

func (g *RoleGuard) read(ctx context.Context) (models.Role, error) {
	chosen, err := g.reader.HasChosenRole(ctx, g.account)
	if err != nil {
		return models.RoleNone, err
	}
	if !chosen {
		return models.RoleNone, nil
	}
	raw, err := g.reader.UserRole(ctx, g.account)
	if err != nil {
		return models.RoleNone, err
	}
	return models.Role(raw), nil
}

func capabilitiesOf(role models.Role) []Capability {
	if role == models.RoleNone {
		return []Capability{CapChooseRole}
	}
	return append([]Capability(nil), roleCapabilities[role]...)
}
