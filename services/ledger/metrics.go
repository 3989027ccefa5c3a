package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_entries_appended_total",
		Help: "Ledger entries written, by entry type.",
	}, []string{"type"})
	conflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_conflict_retries_total",
		Help: "Retries caused by concurrent writes to the same account.",
	})
	reconcileDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_drift_total",
		Help: "Accounts whose cached balance disagreed with the ledger.",
	})
)
