package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"InvoiceChainSync/internal/chain"
)

func TestSessionSignals(t *testing.T) {
	lg := paymentLog(t, chain.EventPaymentReceived, 4, account, 3, txA, 0, 99)
	ev := &fakeEvents{latest: []uint64{100}, logs: []types.Log{lg}}
	built := map[common.Address]int{}
	factory := func(a common.Address) *Synchronizer {
		built[a]++
		cfg := testConfig()
		cfg.Account = a
		return New(cfg, Deps{Events: ev})
	}
	sess := NewSession([]common.Address{account, account, {}}, factory, nil)
	require.Equal(t, []common.Address{account}, sess.Accounts())

	sess.Start(context.Background())
	defer sess.Stop()
	sy, ok := sess.Synchronizer(account)
	require.True(t, ok)
	require.Equal(t, StateRunning, sy.Status().State)
	require.Eventually(t, func() bool { return sy.History().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	sess.Handle(SignalDisconnect)
	for _, st := range sess.Statuses() {
		require.Equal(t, StateIdle, st.State)
	}

	sess.Handle(SignalConnect)
	require.Equal(t, StateRunning, sy.Status().State)
	require.Equal(t, 1, built[account], "connect reuses the synchronizer")

	sess.Handle(SignalAccountChanged, stranger)
	require.Equal(t, StateIdle, sy.Status().State)
	require.Zero(t, sy.History().Len())
	_, ok = sess.Synchronizer(account)
	require.False(t, ok)

	next, ok := sess.Synchronizer(stranger)
	require.True(t, ok)
	require.Equal(t, StateRunning, next.Status().State)
	require.Equal(t, []common.Address{stranger}, sess.Accounts())
	require.Len(t, sess.Statuses(), 1)
}

func TestSignalString(t *testing.T) {
	require.Equal(t, "account_changed", SignalAccountChanged.String())
	require.Equal(t, "disconnect", SignalDisconnect.String())
	require.Equal(t, "unknown", Signal(42).String())
}
