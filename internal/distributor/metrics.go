package distributor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks a distribution run. Each Metrics owns its registry so runs
// and tests do not share state.
type Metrics struct {
	registry        *prometheus.Registry
	batches         *prometheus.CounterVec
	recipientsPaid  prometheus.Counter
	accountsCreated prometheus.Counter
	pending         prometheus.Gauge
	txBytes         prometheus.Histogram
	confirmSeconds  prometheus.Histogram
}

// Batch results.
const (
	resultConfirmed = "confirmed"
	resultFailed    = "failed"
	resultAmbiguous = "ambiguous"
	resultPlanned   = "planned"
)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airdrop",
			Name:      "batches_total",
			Help:      "Batches processed, by result.",
		}, []string{"result"}),
		recipientsPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airdrop",
			Name:      "recipients_paid_total",
			Help:      "Recipients whose transfer was confirmed and recorded.",
		}),
		accountsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airdrop",
			Name:      "accounts_created_total",
			Help:      "Destination token accounts created by confirmed batches.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airdrop",
			Name:      "recipients_pending",
			Help:      "Recipients not yet paid in this run.",
		}),
		txBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airdrop",
			Name:      "transaction_bytes",
			Help:      "Serialized size of batch transactions.",
			Buckets:   prometheus.LinearBuckets(128, 128, 10),
		}),
		confirmSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airdrop",
			Name:      "confirmation_seconds",
			Help:      "Time from submission to confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
	m.registry.MustRegister(m.batches, m.recipientsPaid, m.accountsCreated,
		m.pending, m.txBytes, m.confirmSeconds)
	return m
}

// Registry exposes the run's metrics for serving or inspection.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
