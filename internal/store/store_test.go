package store

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"InvoiceChainSync/internal/db"
	"InvoiceChainSync/internal/models"
)

// Runs against a migrated database named by TEST_DB_DSN.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	pool, err := db.Connect(context.Background(), dsn, 2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool)
}

func uniqueScope() Scope {
	id := uuid.New()
	return Scope{
		Account:  common.BytesToAddress(id[:]),
		Contract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
}

func TestPaymentsRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	scope := uniqueScope()

	rec := models.PaymentRecord{
		TxHash:       common.HexToHash("0x01"),
		LogIndex:     2,
		Kind:         models.EventTokenPurchase,
		InvoiceID:    42,
		Counterparty: scope.Account,
		Amount:       new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil),
		BlockNumber:  99,
		BlockTime:    time.Unix(1_700_000_000, 0).UTC(),
		Source:       models.SourcePolling,
		ObservedAt:   time.Now().UTC(),
	}
	wrote, err := st.InsertPayment(ctx, scope, rec)
	require.NoError(t, err)
	require.True(t, wrote)

	wrote, err = st.InsertPayment(ctx, scope, rec)
	require.NoError(t, err)
	require.False(t, wrote)

	got, err := st.ListPayments(ctx, scope)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.Key(), got[0].Key())
	require.Equal(t, 0, rec.Amount.Cmp(got[0].Amount))
	require.True(t, rec.BlockTime.Equal(got[0].BlockTime))
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	scope := uniqueScope()

	_, ok, err := st.GetCursor(ctx, scope)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.SetCursor(ctx, scope, 100))
	require.NoError(t, st.SetCursor(ctx, scope, 90))
	n, ok, err := st.GetCursor(ctx, scope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), n)

	require.NoError(t, st.ResetCursor(ctx, scope))
	_, ok, err = st.GetCursor(ctx, scope)
	require.NoError(t, err)
	require.False(t, ok)
}
