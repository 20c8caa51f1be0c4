package services

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"InvoiceChainSync/internal/models"
)

func TestRoleGuardCapabilities(t *testing.T) {
	ledger := &fakeLedger{roles: map[common.Address]models.Role{}}
	g := NewRoleGuard(ledger, me)
	ctx := context.Background()

	require.Nil(t, g.Capabilities(), "nothing before evaluation")
	_, evaluated := g.Role()
	require.False(t, evaluated)

	role, err := g.Evaluate(ctx)
	require.NoError(t, err)
	require.Equal(t, models.RoleNone, role)
	require.Equal(t, []Capability{CapChooseRole}, g.Capabilities())
	require.NoError(t, g.Require(ctx, CapChooseRole))
	require.ErrorIs(t, g.Require(ctx, CapPayInvoice), ErrGuard)

	ledger.setRole(me, models.RoleInvestor)
	_, err = g.Evaluate(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []Capability{CapBuyTokens, CapViewAllInvoices}, g.Capabilities())
	require.NoError(t, g.Require(ctx, CapBuyTokens))
	require.ErrorIs(t, g.Require(ctx, CapChooseRole), ErrGuard)
	require.ErrorIs(t, g.Require(ctx, CapCreateInvoice), ErrGuard)
}

func TestRoleGuardDetectsDrift(t *testing.T) {
	ledger := &fakeLedger{roles: map[common.Address]models.Role{me: models.RoleSupplier}}
	g := NewRoleGuard(ledger, me)
	ctx := context.Background()

	_, err := g.Evaluate(ctx)
	require.NoError(t, err)

	ledger.setRole(me, models.RoleBuyer)
	require.ErrorIs(t, g.Require(ctx, CapPayInvoice), ErrStaleRoleState)

	role, _ := g.Role()
	require.Equal(t, models.RoleBuyer, role, "cache refreshed on drift")
	require.NoError(t, g.Require(ctx, CapPayInvoice))
}
