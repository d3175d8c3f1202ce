package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ERDDAPAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eriewatch_erddap_attempts_total",
			Help: "Total ERDDAP download attempts",
		},
		[]string{"dataset", "status"},
	)

	ERDDAPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eriewatch_erddap_latency_seconds",
			Help:    "ERDDAP download latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"dataset"},
	)

	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eriewatch_fetches_total",
			Help: "Per-variable pipeline outcomes recorded in the fetch ledger",
		},
		[]string{"variable", "status"},
	)

	RecordsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eriewatch_records_stored_total",
			Help: "Total rows upserted into the cache",
		},
		[]string{"table"},
	)

	LatestRiskScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eriewatch_bloom_risk_score",
			Help: "Bloom risk score of the most recent scored date",
		},
	)

	RecordsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eriewatch_records_swept_total",
			Help: "Total cache rows removed by retention",
		},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eriewatch_last_run_timestamp_seconds",
			Help: "Unix time the last fetch cycle finished",
		},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
