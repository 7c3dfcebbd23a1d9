package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the cosign meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	SignaturesTotal   *prometheus.CounterVec
	SubmissionsTotal  *prometheus.CounterVec
	PendingSwept      prometheus.Counter
	BytesProcessed    *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with the cosign metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cosign_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cosign_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	signatures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cosign_signatures_total",
		Help: "Signatures accepted by the ledger.",
	}, []string{"kind"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cosign_submissions_total",
		Help: "Final submissions by outcome.",
	}, []string{"outcome"})

	swept := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cosign_pending_swept_total",
		Help: "Pending operations removed by the staleness policy.",
	})

	bytesProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cosign_bytes_processed_total",
		Help: "Total bytes processed.",
	}, []string{"direction"})

	reg.MustRegister(opDuration, opTotal, signatures, submissions, swept, bytesProcessed)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		SignaturesTotal:   signatures,
		SubmissionsTotal:  submissions,
		PendingSwept:      swept,
		BytesProcessed:    bytesProcessed,
	}
}

// IncSignature counts an accepted signature of the given kind (proposer or member).
func (m *Metrics) IncSignature(kind string) {
	if m == nil {
		return
	}
	m.SignaturesTotal.WithLabelValues(kind).Inc()
}

// IncSubmission counts a final submission outcome.
func (m *Metrics) IncSubmission(outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// AddSwept counts pending operations removed as stale.
func (m *Metrics) AddSwept(n int) {
	if m == nil {
		return
	}
	m.PendingSwept.Add(float64(n))
}

// AddBytes counts payload bytes in a direction (in or out).
func (m *Metrics) AddBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.BytesProcessed.WithLabelValues(direction).Add(float64(n))
}
