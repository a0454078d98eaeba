// Package metrics exposes Sentinel's Prometheus counters, histograms,
// and gauges, registered via promauto at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_lines_processed_total",
		Help: "Total access log lines processed by the follower and stream ingest paths combined.",
	})

	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_parse_errors_total",
		Help: "Total access log lines that failed to parse and were dropped.",
	})

	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_classifications_total",
			Help: "Total LogRecords classified, broken down by classification outcome.",
		},
		[]string{"classification"},
	)

	Bans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_bans_total",
		Help: "Total IP bans actuated, whether from threshold scoring or instant-ban rules.",
	})

	FirewallErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_firewall_errors_total",
		Help: "Total firewall actuation commands that failed.",
	})

	RuleEvaluationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_rule_evaluation_seconds",
		Help:    "Time spent evaluating a single LogRecord against the active rule set.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
	})

	ScoreTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_score_table_entries",
		Help: "Current number of IPs tracked in the score table.",
	})
)
