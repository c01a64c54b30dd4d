// Package metrics exposes Prometheus collectors for the lot engine and its
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/lot-engine/fifo"
)

// Metrics owns a private registry. It implements fifo.Observer, so the
// engine reports outcomes directly, and wraps HTTP handlers.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	events        *prometheus.CounterVec
	allocations   prometheus.Counter
	allocatedQty  prometheus.Counter
	insufficient  *prometheus.CounterVec
	faults        *prometheus.CounterVec
	maintenance   *prometheus.HistogramVec
	shortfalls    prometheus.Gauge
	dirtyIssues   *prometheus.GaugeVec
	lastVerifyOK  prometheus.Gauge
	requestsTotal *prometheus.CounterVec
	requestDur    *prometheus.HistogramVec
}

var _ fifo.Observer = (*Metrics)(nil)

// New builds and registers every collector.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fifo_events_total",
			Help: "Inventory events processed by kind and operation.",
		}, []string{"kind", "op"}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fifo_ledger_records_total",
			Help: "Ledger records written by the allocator.",
		}),
		allocatedQty: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fifo_allocated_quantity_total",
			Help: "Quantity consumed from lots.",
		}),
		insufficient: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fifo_insufficient_inventory_total",
			Help: "Consumptions refused for lack of stock, by location.",
		}, []string{"location"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fifo_consistency_faults_total",
			Help: "Broken derived-state invariants by operation.",
		}, []string{"op"}),
		maintenance: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fifo_maintenance_duration_seconds",
			Help:    "Duration of rebuild and verify runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		shortfalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fifo_rebuild_shortfalls",
			Help: "Shortfalls reported by the last rebuild.",
		}),
		dirtyIssues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fifo_verify_issues",
			Help: "Issues found by the last verify, by class.",
		}, []string{"class"}),
		lastVerifyOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fifo_verify_clean",
			Help: "1 when the last verify found no lot or event issues.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fifo_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "code"}),
		requestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fifo_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	registry.MustRegister(
		m.events, m.allocations, m.allocatedQty, m.insufficient, m.faults,
		m.maintenance, m.shortfalls, m.dirtyIssues, m.lastVerifyOK,
		m.requestsTotal, m.requestDur,
		prometheus.NewGoCollector(),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves /metrics. A nil Metrics answers 503.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// =============================================================================
// ENGINE OBSERVER
// =============================================================================

func (m *Metrics) EventApplied(kind fifo.Kind) {
	m.events.WithLabelValues(string(kind), "apply").Inc()
}

func (m *Metrics) EventReversed(kind fifo.Kind) {
	m.events.WithLabelValues(string(kind), "reverse").Inc()
}

func (m *Metrics) EventEdited(kind fifo.Kind) {
	m.events.WithLabelValues(string(kind), "edit").Inc()
}

func (m *Metrics) Allocated(records int, qty decimal.Decimal) {
	m.allocations.Add(float64(records))
	m.allocatedQty.Add(qty.InexactFloat64())
}

func (m *Metrics) InsufficientInventory(pair fifo.PairKey) {
	m.insufficient.WithLabelValues(string(pair.Location)).Inc()
}

func (m *Metrics) ConsistencyFault(op string) {
	m.faults.WithLabelValues(op).Inc()
}

func (m *Metrics) RebuildCompleted(report fifo.RebuildReport, elapsed time.Duration) {
	op := "rebuild"
	if report.DryRun {
		op = "rebuild_dry_run"
	}
	m.maintenance.WithLabelValues(op).Observe(elapsed.Seconds())
	m.shortfalls.Set(float64(len(report.Shortfalls)))
}

func (m *Metrics) VerifyCompleted(report fifo.VerifyReport, elapsed time.Duration) {
	m.maintenance.WithLabelValues("verify").Observe(elapsed.Seconds())
	m.dirtyIssues.WithLabelValues("lot").Set(float64(len(report.LotIssues)))
	m.dirtyIssues.WithLabelValues("event").Set(float64(len(report.EventIssues)))
	m.dirtyIssues.WithLabelValues("rule").Set(float64(len(report.RuleIssues)))
	if report.Clean() {
		m.lastVerifyOK.Set(1)
	} else {
		m.lastVerifyOK.Set(0)
	}
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records a counter and a histogram per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.requestDur.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
