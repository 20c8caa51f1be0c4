package payments

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"InvoiceChainSync/internal/models"
)

var (
	t0    = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	buyer = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	txA   = common.HexToHash("0xaaaa")
	txB   = common.HexToHash("0xbbbb")
)

func purchase(tx common.Hash, idx int, amount int64, at time.Time, src models.Source) models.PaymentRecord {
	return models.PaymentRecord{
		TxHash:       tx,
		LogIndex:     idx,
		Kind:         models.EventTokenPurchase,
		InvoiceID:    42,
		Counterparty: buyer,
		Amount:       big.NewInt(amount),
		BlockNumber:  10,
		BlockTime:    at,
		Source:       src,
		ObservedAt:   at,
	}
}

func TestSameEventFromBothChannelsIsStoredOnce(t *testing.T) {
	h := NewHistory(Options{})
	out, _ := h.Insert(purchase(txA, 3, 5, t0, models.SourceSubscription))
	require.Equal(t, Inserted, out)

	out, rule := h.Insert(purchase(txA, 3, 5, t0.Add(30*time.Second), models.SourcePolling))
	require.Equal(t, DuplicateSuppressed, out)
	require.Equal(t, RulePrimaryKey, rule)

	recs := h.ForInvoice(42)
	require.Len(t, recs, 1)
	require.Equal(t, models.SourceSubscription, recs[0].Source)
}

func TestDistinctLogsInOneTransactionAreKept(t *testing.T) {
	h := NewHistory(Options{})
	a := purchase(txA, 0, 5, t0, models.SourcePolling)
	b := purchase(txA, 1, 5, t0, models.SourcePolling)
	b.Kind = models.EventPaymentDistributed
	b.Counterparty = common.HexToAddress("0x01")

	out, _ := h.Insert(a)
	require.Equal(t, Inserted, out)
	out, _ = h.Insert(b)
	require.Equal(t, Inserted, out)
	require.Equal(t, 2, h.Len())
}

func TestTxHashRuleWhenLogIndexUnknown(t *testing.T) {
	h := NewHistory(Options{})
	provisional := purchase(txA, models.NoLogIndex, 5, t0, models.SourceRefresh)
	canonical := purchase(txA, 2, 5, t0, models.SourceSubscription)

	out, _ := h.Insert(provisional)
	require.Equal(t, Inserted, out)
	out, rule := h.Insert(canonical)
	require.Equal(t, Superseded, out)
	require.Equal(t, RuleTxHash, rule)

	recs := h.Records()
	require.Len(t, recs, 1)
	require.Equal(t, 2, recs[0].LogIndex)

	out, rule = h.Insert(provisional)
	require.Equal(t, DuplicateSuppressed, out)
	require.Equal(t, RuleTxHash, rule)
}

func TestFuzzyFallback(t *testing.T) {
	h := NewHistory(Options{FuzzyWindow: 5 * time.Minute, AmountTolerance: big.NewInt(1)})
	noHash := purchase(common.Hash{}, models.NoLogIndex, 5, t0, models.SourceRefresh)

	out, _ := h.Insert(noHash)
	require.Equal(t, Inserted, out)

	out, rule := h.Insert(purchase(txA, 0, 6, t0.Add(4*time.Minute), models.SourcePolling))
	require.Equal(t, Superseded, out)
	require.Equal(t, RuleFuzzy, rule)
	require.Equal(t, 1, h.Len())

	// Outside the window: a separate payment.
	far := purchase(common.Hash{}, models.NoLogIndex, 5, t0.Add(20*time.Minute), models.SourceRefresh)
	out, _ = h.Insert(far)
	require.Equal(t, Inserted, out)
	require.Equal(t, 2, h.Len())
}

func TestFuzzyNeverConflatesCanonicalRecords(t *testing.T) {
	h := NewHistory(Options{FuzzyWindow: 5 * time.Minute})
	out, _ := h.Insert(purchase(txA, 0, 5, t0, models.SourcePolling))
	require.Equal(t, Inserted, out)
	out, _ = h.Insert(purchase(txB, 0, 5, t0.Add(time.Second), models.SourcePolling))
	require.Equal(t, Inserted, out, "close but distinct payments with known identity")
	require.Equal(t, 2, h.Len())
}

func TestOrderIndependence(t *testing.T) {
	later := purchase(txB, 1, 9, t0.Add(time.Hour), models.SourcePolling)
	later.BlockNumber = 11
	facts := []models.PaymentRecord{
		purchase(common.Hash{}, models.NoLogIndex, 5, t0, models.SourceRefresh),
		purchase(txA, models.NoLogIndex, 5, t0.Add(time.Second), models.SourceRefresh),
		purchase(txA, 4, 5, t0.Add(2*time.Second), models.SourceSubscription),
		purchase(txA, 4, 5, t0.Add(40*time.Second), models.SourcePolling),
		later,
	}
	permutations := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
		{1, 4, 0, 3, 2},
		{3, 1, 4, 2, 0},
	}

	var want []string
	for _, perm := range permutations {
		h := NewHistory(Options{})
		for _, i := range perm {
			h.Insert(facts[i])
		}
		var got []string
		for _, r := range h.Records() {
			got = append(got, r.Key()+"/"+r.Amount.String())
		}
		if want == nil {
			want = got
			continue
		}
		require.Equal(t, want, got, "permutation %v", perm)
	}
	require.Equal(t, []string{txA.Hex() + ":4/5", txB.Hex() + ":1/9"}, want)

	// a(0m) matches b(4m) and b matches c(8m), but a and c are apart
	chain := []models.PaymentRecord{
		purchase(common.Hash{}, models.NoLogIndex, 5, t0, models.SourceRefresh),
		purchase(common.Hash{}, models.NoLogIndex, 5, t0.Add(4*time.Minute), models.SourceRefresh),
		purchase(common.Hash{}, models.NoLogIndex, 5, t0.Add(8*time.Minute), models.SourceRefresh),
	}
	for _, perm := range [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}} {
		h := NewHistory(Options{FuzzyWindow: 5 * time.Minute})
		for _, i := range perm {
			h.Insert(chain[i])
		}
		recs := h.Records()
		require.Len(t, recs, 2, "permutation %v", perm)
		require.True(t, recs[0].Timestamp().Equal(t0), "permutation %v", perm)
		require.True(t, recs[1].Timestamp().Equal(t0.Add(8*time.Minute)), "permutation %v", perm)
	}
}

func TestHiddenFactResurfaces(t *testing.T) {
	h := NewHistory(Options{FuzzyWindow: 5 * time.Minute})
	mid := purchase(common.Hash{}, models.NoLogIndex, 5, t0.Add(4*time.Minute), models.SourceRefresh)
	last := purchase(common.Hash{}, models.NoLogIndex, 5, t0.Add(8*time.Minute), models.SourceRefresh)

	res := h.Offer(mid)
	require.Equal(t, Offered{Outcome: Inserted, New: true}, res)
	res = h.Offer(last)
	require.Equal(t, Offered{Outcome: DuplicateSuppressed, Rule: RuleFuzzy, New: true}, res, "kept although hidden")
	require.Equal(t, 1, h.Len())

	res = h.Offer(purchase(common.Hash{}, models.NoLogIndex, 5, t0, models.SourceRefresh))
	require.Equal(t, Offered{Outcome: Superseded, Rule: RuleFuzzy, New: true}, res)
	require.Equal(t, 2, h.Len(), "the earlier anchor hides mid and frees last")

	res = h.Offer(last)
	require.Equal(t, DuplicateSuppressed, res.Outcome)
	require.False(t, res.New)
}

func TestReset(t *testing.T) {
	h := NewHistory(Options{})
	h.Insert(purchase(txA, 0, 5, t0, models.SourcePolling))
	h.Reset()
	require.Zero(t, h.Len())
	out, _ := h.Insert(purchase(txA, 0, 5, t0, models.SourcePolling))
	require.Equal(t, Inserted, out)
}
