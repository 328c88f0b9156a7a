package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/umsync/syncctl/internal/engine"
)

var (
	registerOnce sync.Once

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "run",
			Name:      "total",
			Help:      "Completed reconciliation runs.",
		},
		[]string{"result"},
	)
	directoryUsersRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "directory",
			Name:      "users_read_total",
			Help:      "Directory users read across runs.",
		},
	)
	accountsRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "umapi",
			Name:      "accounts_read_total",
			Help:      "Identity-service accounts read across runs.",
		},
	)
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "umapi",
			Name:      "actions_total",
			Help:      "Dispatched operations by target and result.",
		},
		[]string{"target", "result"},
	)
	straysProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "run",
			Name:      "strays_processed_total",
			Help:      "Stray accounts acted on across runs.",
		},
	)
	strayLimitTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "run",
			Name:      "stray_limit_trips_total",
			Help:      "Runs that skipped stray processing due to the limit.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			runsTotal,
			directoryUsersRead,
			accountsRead,
			actionsTotal,
			straysProcessed,
			strayLimitTrips,
		)
	})
}

// RecordRun folds one run's summary into the exported counters.
func RecordRun(s engine.Summary, runErr error) {
	RegisterMetrics()
	result := "ok"
	if runErr != nil {
		result = "error"
	}
	runsTotal.WithLabelValues(result).Inc()
	directoryUsersRead.Add(float64(s.DirectoryUsersRead))
	accountsRead.Add(float64(s.AccountsRead))
	straysProcessed.Add(float64(s.StraysProcessed))
	if s.StrayLimitExceeded {
		strayLimitTrips.Inc()
	}
	for target, counts := range s.TargetActions {
		actionsTotal.WithLabelValues(target, "succeeded").Add(float64(counts.Succeeded))
		actionsTotal.WithLabelValues(target, "failed").Add(float64(counts.Failed))
	}
}
