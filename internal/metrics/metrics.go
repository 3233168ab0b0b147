package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orderengine/internal/model"
)

type Registry struct {
	reg       *prometheus.Registry
	Committed prometheus.Counter
	Rejected  prometheus.Counter
	Failed    prometheus.Counter
	Revenue   prometheus.Counter
	Pending   prometheus.Gauge
	Latency   prometheus.Histogram

	// Allocation rollbacks
	Rollbacks prometheus.Counter
	Released  prometheus.Counter

	// Event sink
	EventsPublished prometheus.Counter
	EventsFailed    prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	committed := prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_committed_total"})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_rejected_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_failed_total"})
	revenue := prometheus.NewCounter(prometheus.CounterOpts{Name: "orders_revenue_cents_total"})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{Name: "orders_pending"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orders_process_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	rollbacks := prometheus.NewCounter(prometheus.CounterOpts{Name: "allocation_rollbacks_total"})
	released := prometheus.NewCounter(prometheus.CounterOpts{Name: "allocation_released_reservations_total"})
	published := prometheus.NewCounter(prometheus.CounterOpts{Name: "order_events_published_total"})
	pubFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "order_events_failed_total"})

	r.MustRegister(committed, rejected, failed, revenue, pending, latency, rollbacks, released, published, pubFailed)
	return &Registry{
		reg:             r,
		Committed:       committed,
		Rejected:        rejected,
		Failed:          failed,
		Revenue:         revenue,
		Pending:         pending,
		Latency:         latency,
		Rollbacks:       rollbacks,
		Released:        released,
		EventsPublished: published,
		EventsFailed:    pubFailed,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// The helpers below accept a nil receiver so callers can run without metrics.

func (r *Registry) Begin() {
	if r == nil {
		return
	}
	r.Pending.Inc()
}

// Done records the terminal state of one order.
func (r *Registry) Done(status model.Status, total model.Money, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.Pending.Dec()
	r.Latency.Observe(elapsed.Seconds())
	switch status {
	case model.StatusCommitted:
		r.Committed.Inc()
		r.Revenue.Add(float64(total))
	case model.StatusRejected:
		r.Rejected.Inc()
	default:
		r.Failed.Inc()
	}
}

func (r *Registry) RolledBack(released int) {
	if r == nil {
		return
	}
	r.Rollbacks.Inc()
	r.Released.Add(float64(released))
}

func (r *Registry) Published(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.EventsFailed.Inc()
		return
	}
	r.EventsPublished.Inc()
}
