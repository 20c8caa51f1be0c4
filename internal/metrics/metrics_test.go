package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(duplicatesSuppressed.WithLabelValues("tx_hash", "duplicate_suppressed"))
	DuplicateSuppressed("tx_hash", "duplicate_suppressed")
	require.Equal(t, before+1, testutil.ToFloat64(duplicatesSuppressed.WithLabelValues("tx_hash", "duplicate_suppressed")))

	CursorAdvanced("0xabc", 123)
	require.Equal(t, float64(123), testutil.ToFloat64(cursorHeight.WithLabelValues("0xabc")))
}
