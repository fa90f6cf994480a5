// Package metrics exposes Prometheus counters for the execution engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PairsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pairs_opened_total", Help: "Order pairs with both legs accepted"},
	)
	PairsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pairs_failed_total", Help: "Order pairs that ended flat without exposure"},
	)
	PairsCompensated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pairs_compensated_total", Help: "Pairs where one accepted leg was cancelled"},
	)
	PairsStranded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pairs_stranded_total", Help: "Pairs escalated with unresolvable one-sided exposure"},
	)
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "recon_events_applied_total", Help: "Venue events applied to leg state"},
		[]string{"type"},
	)
	EventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "recon_events_duplicate_total", Help: "Venue events dropped as duplicates"},
	)
	EventsAnomalous = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "recon_events_anomalous_total", Help: "Venue events dropped as illegal transitions"},
	)
	EventsUnverified = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "recon_events_unverified_total", Help: "Venue events discarded for failing signature verification"},
	)
	Overfills = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "leg_overfills_total", Help: "Legs flagged for cumulative fills exceeding quantity"},
	)
)

func init() {
	prometheus.MustRegister(
		PairsOpened, PairsFailed, PairsCompensated, PairsStranded,
		EventsApplied, EventsDuplicate, EventsAnomalous, EventsUnverified,
		Overfills,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
