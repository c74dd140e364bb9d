package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	OrdersConsumed   prometheus.Counter
	OrdersFiltered   prometheus.Counter
	MalformedSkipped prometheus.Counter
	WindowsMerged    prometheus.Counter
	WindowsEvicted   prometheus.Counter
	ValidationsPass  prometheus.Counter
	ValidationsFail  prometheus.Counter

	// transactional output
	TxProduced        prometheus.Counter
	TxAborted         prometheus.Counter
	TxLatencySec      prometheus.Histogram
	ChangelogAppended prometheus.Counter

	// recovery
	ReplayApplied      prometheus.Counter
	ReplaySkipped      prometheus.Counter
	TTRSec             prometheus.Gauge
	Lag                prometheus.Gauge
	LastManifestAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	consumed := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_orders_consumed_total"})
	filtered := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_orders_filtered_total"})
	malformed := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_orders_malformed_total"})
	merged := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_windows_merged_total"})
	evicted := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_windows_evicted_total"})
	pass := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_validations_pass_total"})
	fail := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_validations_fail_total"})

	txProduced := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_tx_produced_total"})
	txAborted := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_tx_aborted_total"})
	txLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraud_tx_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	changelogAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_changelog_appended_total"})

	replayApplied := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_replay_applied_total"})
	replaySkipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "fraud_replay_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "fraud_recovery_ttr_seconds"})
	lag := prometheus.NewGauge(prometheus.GaugeOpts{Name: "fraud_changelog_lag"})
	lastAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "fraud_last_manifest_age_seconds"})

	r.MustRegister(consumed, filtered, malformed, merged, evicted, pass, fail,
		txProduced, txAborted, txLatency, changelogAppended,
		replayApplied, replaySkipped, ttr, lag, lastAge)
	return &Registry{
		reg:                r,
		OrdersConsumed:     consumed,
		OrdersFiltered:     filtered,
		MalformedSkipped:   malformed,
		WindowsMerged:      merged,
		WindowsEvicted:     evicted,
		ValidationsPass:    pass,
		ValidationsFail:    fail,
		TxProduced:         txProduced,
		TxAborted:          txAborted,
		TxLatencySec:       txLatency,
		ChangelogAppended:  changelogAppended,
		ReplayApplied:      replayApplied,
		ReplaySkipped:      replaySkipped,
		TTRSec:             ttr,
		Lag:                lag,
		LastManifestAgeSec: lastAge,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
