package award

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	awardOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "award_operations_total",
		Help: "Award engine operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	pointsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "award_points_total",
		Help: "Absolute points moved by the award engine, by entry type.",
	}, []string{"type"})
)

func observe(operation string, err error, out *Outcome) {
	switch {
	case err != nil:
		awardOps.WithLabelValues(operation, "error").Inc()
		return
	case out != nil && out.Duplicate:
		awardOps.WithLabelValues(operation, "duplicate").Inc()
		return
	}
	awardOps.WithLabelValues(operation, "ok").Inc()
	if out == nil {
		return
	}
	for _, e := range out.Entries {
		amount := e.Amount
		if amount < 0 {
			amount = -amount
		}
		pointsIssued.WithLabelValues(string(e.Type)).Add(float64(amount))
	}
}
