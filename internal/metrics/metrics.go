package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the service's collectors. A nil *Registry is valid and records nothing.
type Registry struct {
	registry           *prometheus.Registry
	submissionsTotal   *prometheus.CounterVec
	submissionDuration prometheus.Histogram
	escrowTransitions  *prometheus.CounterVec
	mintsTotal         *prometheus.CounterVec
	alertsTotal        *prometheus.CounterVec
	monitorCycle       prometheus.Histogram
	feeEstimate        prometheus.Gauge
	httpRequestsTotal  *prometheus.CounterVec
}

func New() *Registry {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigledger_submissions_total",
		Help: "Ledger transaction submissions by outcome",
	}, []string{"result"})

	submissionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gigledger_submission_duration_seconds",
		Help:    "Time from validation to confirmation of a ledger transaction",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
	})

	escrow := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigledger_escrow_transitions_total",
		Help: "Committed escrow status transitions",
	}, []string{"status"})

	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigledger_mints_total",
		Help: "Asset status changes made by the minting pipeline",
	}, []string{"status"})

	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigledger_alerts_total",
		Help: "Alerts raised by the monitor",
	}, []string{"event"})

	cycle := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gigledger_monitor_cycle_duration_seconds",
		Help:    "Duration of a reconciliation cycle",
		Buckets: prometheus.DefBuckets,
	})

	fee := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gigledger_fee_estimate_native",
		Help: "Last sampled fee estimate for a representative transfer, in native units",
	})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigledger_http_requests_total",
		Help: "HTTP requests processed, labeled by route and status code",
	}, []string{"method", "route", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, submissionDuration, escrow, mints, alerts, cycle, fee, httpRequests)

	return &Registry{
		registry:           r,
		submissionsTotal:   submissions,
		submissionDuration: submissionDuration,
		escrowTransitions:  escrow,
		mintsTotal:         mints,
		alertsTotal:        alerts,
		monitorCycle:       cycle,
		feeEstimate:        fee,
		httpRequestsTotal:  httpRequests,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) ObserveSubmission(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(result).Inc()
	m.submissionDuration.Observe(took.Seconds())
}

func (m *Registry) IncEscrow(status string) {
	if m == nil {
		return
	}
	m.escrowTransitions.WithLabelValues(status).Inc()
}

func (m *Registry) IncMint(status string) {
	if m == nil {
		return
	}
	m.mintsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncAlert(event string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(event).Inc()
}

func (m *Registry) ObserveCycle(took time.Duration) {
	if m == nil {
		return
	}
	m.monitorCycle.Observe(took.Seconds())
}

func (m *Registry) SetFeeEstimate(native float64) {
	if m == nil {
		return
	}
	m.feeEstimate.Set(native)
}

func (m *Registry) IncRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, statusLabel(status)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
