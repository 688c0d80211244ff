package sender

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "logzio_sender"

// Metrics are shared by every sender in the process and split by the
// destination label.
type Metrics struct {
	records    *prometheus.CounterVec
	batches    *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	batchBytes *prometheus.HistogramVec
	pending    *prometheus.GaugeVec
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records offered to the sender, by result (accepted, rejected, evicted).",
		}, []string{"destination", "result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches leaving the drain cycle, by outcome (sent, rejected, dropped, requeued).",
		}, []string{"destination", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "HTTP upload attempts, by classified response.",
		}, []string{"destination", "kind"}),
		batchBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_bytes",
			Help:      "Size of assembled batches.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"destination"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Records waiting in the queue.",
		}, []string{"destination"}),
	}

	if reg != nil {
		reg.MustRegister(m.records, m.batches, m.attempts, m.batchBytes, m.pending)
	}
	return m
}

// Forget drops the series of a destination that no longer exists.
func (m *Metrics) Forget(destination string) {
	labels := prometheus.Labels{"destination": destination}
	m.records.DeletePartialMatch(labels)
	m.batches.DeletePartialMatch(labels)
	m.attempts.DeletePartialMatch(labels)
	m.batchBytes.DeletePartialMatch(labels)
	m.pending.DeletePartialMatch(labels)
}

// destinationMetrics is Metrics bound to one destination label.
type destinationMetrics struct {
	name string
	m    *Metrics
}

func (d destinationMetrics) record(result string) prometheus.Counter {
	return d.m.records.WithLabelValues(d.name, result)
}

func (d destinationMetrics) batch(outcome string) prometheus.Counter {
	return d.m.batches.WithLabelValues(d.name, outcome)
}

func (d destinationMetrics) attempt(kind string) prometheus.Counter {
	return d.m.attempts.WithLabelValues(d.name, kind)
}

func (d destinationMetrics) observeBatch(size int) {
	d.m.batchBytes.WithLabelValues(d.name).Observe(float64(size))
}

func (d destinationMetrics) setPending(n int) {
	d.m.pending.WithLabelValues(d.name).Set(float64(n))
}
