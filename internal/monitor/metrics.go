package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the inventory core collectors. Each instance owns its
// registry, so tests can build as many as they like.
//
// All record methods accept a nil receiver and do nothing.
type Metrics struct {
	registry *prometheus.Registry

	// stock
	stockOperationTotal *prometheus.CounterVec
	lowStockAlertTotal  prometheus.Counter
	procurementTotal    *prometheus.CounterVec

	// outbox
	outboxDispatchTotal    *prometheus.CounterVec
	outboxDispatchDuration *prometheus.HistogramVec
	outboxBacklog          *prometheus.GaugeVec
	outboxRunTotal         *prometheus.CounterVec

	// fulfillment
	shipmentTransitionTotal *prometheus.CounterVec
	orderReconcileTotal     *prometheus.CounterVec

	// ops http
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors under namespace
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		stockOperationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stock_operation_total",
				Help:      "Stock ledger operations by kind and outcome",
			},
			[]string{"operation", "outcome"},
		),
		lowStockAlertTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "low_stock_alert_total",
				Help:      "LOW_STOCK_ALERT events written",
			},
		),
		procurementTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "procurement_total",
				Help:      "Warehouse stock changes by reason and outcome",
			},
			[]string{"reason", "outcome"},
		),
		outboxDispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_dispatch_total",
				Help:      "Outbox events dispatched by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		outboxDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_dispatch_duration_seconds",
				Help:      "Time spent handing one event downstream",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		outboxBacklog: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_events",
				Help:      "Outbox rows by status",
			},
			[]string{"status"},
		),
		outboxRunTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_run_total",
				Help:      "Dispatcher runs by result",
			},
			[]string{"result"},
		),
		shipmentTransitionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shipment_transition_total",
				Help:      "Shipment status changes by target status",
			},
			[]string{"status"},
		),
		orderReconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_reconcile_total",
				Help:      "Order re-aggregations by trigger and resulting status",
			},
			[]string{"trigger", "status"},
		),
		httpRequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Ops HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Ops HTTP request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordStockOperation counts reserve, release and deduct calls
func (m *Metrics) RecordStockOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.stockOperationTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordLowStockAlert counts alert events written
func (m *Metrics) RecordLowStockAlert() {
	if m == nil {
		return
	}
	m.lowStockAlertTotal.Inc()
}

// RecordProcurement counts warehouse stock changes
func (m *Metrics) RecordProcurement(reason, outcome string) {
	if m == nil {
		return
	}
	m.procurementTotal.WithLabelValues(reason, outcome).Inc()
}

// RecordDispatch counts one dispatched event and its duration
func (m *Metrics) RecordDispatch(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.outboxDispatchTotal.WithLabelValues(eventType, outcome).Inc()
	m.outboxDispatchDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordDispatcherRun counts dispatcher runs: "ran", "skipped" or "error"
func (m *Metrics) RecordDispatcherRun(result string) {
	if m == nil {
		return
	}
	m.outboxRunTotal.WithLabelValues(result).Inc()
}

// SetOutboxBacklog publishes the row count of each status
func (m *Metrics) SetOutboxBacklog(counts map[string]int64) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.outboxBacklog.WithLabelValues(status).Set(float64(n))
	}
}

// RecordShipmentTransition counts shipment status changes
func (m *Metrics) RecordShipmentTransition(status string) {
	if m == nil {
		return
	}
	m.shipmentTransitionTotal.WithLabelValues(status).Inc()
}

// RecordOrderReconcile counts order re-aggregations
func (m *Metrics) RecordOrderReconcile(trigger, status string) {
	if m == nil {
		return
	}
	m.orderReconcileTotal.WithLabelValues(trigger, status).Inc()
}

// RecordHTTPRequest records one ops HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
