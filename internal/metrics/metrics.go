package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_sync_records_inserted_total",
		Help: "Payment records added to history, by delivering channel.",
	}, []string{"source"})

	duplicatesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_sync_duplicates_total",
		Help: "Records absorbed by dedup, by rule and outcome.",
	}, []string{"rule", "outcome"})

	pollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_sync_poll_failures_total",
	}, []string{"account"})

	cursorHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "invoice_sync_cursor_block",
	}, []string{"account"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_sync_subscription_reconnects_total",
	}, []string{"account"})

	actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_actions_total",
	}, []string{"kind", "outcome"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_repository_cache_lookups_total",
	}, []string{"result"})
)

func RecordInserted(source string) {
	recordsInserted.WithLabelValues(source).Inc()
}

func DuplicateSuppressed(rule, outcome string) {
	duplicatesSuppressed.WithLabelValues(rule, outcome).Inc()
}

func PollFailed(account string) {
	pollFailures.WithLabelValues(account).Inc()
}

func CursorAdvanced(account string, height uint64) {
	cursorHeight.WithLabelValues(account).Set(float64(height))
}

func SubscriptionReconnected(account string) {
	reconnects.WithLabelValues(account).Inc()
}

func ActionFinished(kind, outcome string) {
	actions.WithLabelValues(kind, outcome).Inc()
}

func CacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}
