// Package metrics exports entitlement engine metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"strideBack/internal/models"
)

const namespace = "entitlement"

// Collector implements engine.Metrics and carries the HTTP and history metrics.
type Collector struct {
	deliveries      *prometheus.CounterVec
	subscribed      prometheus.Gauge
	known           prometheus.Gauge
	limbo           prometheus.Gauge
	historyRefresh  prometheus.Histogram
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Processed transaction deliveries by outcome",
		}, []string{"outcome"}),
		subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribed",
			Help:      "1 if the account is currently entitled",
		}),
		known: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known",
			Help:      "1 once the entitlement has been resolved at least once",
		}),
		limbo: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limbo_transactions",
			Help:      "Transactions waiting for trust material",
		}),
		historyRefresh: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_refresh_seconds",
			Help:      "Purchase history refresh duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	reg.MustRegister(c.deliveries, c.subscribed, c.known, c.limbo, c.historyRefresh, c.requestDuration)
	return c
}

func (c *Collector) Delivery(outcome string) {
	c.deliveries.WithLabelValues(outcome).Inc()
}

func (c *Collector) Entitlement(state models.EntitlementState) {
	c.subscribed.Set(boolGauge(state.IsSubscribed))
	c.known.Set(boolGauge(state.Known()))
}

func (c *Collector) Limbo(size int) {
	c.limbo.Set(float64(size))
}

// HistoryRefresh records one purchase history refresh.
func (c *Collector) HistoryRefresh(d time.Duration) {
	c.historyRefresh.Observe(d.Seconds())
}

// Instrument wraps a handler registered under route.
func (c *Collector) Instrument(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			c.requestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(started).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
