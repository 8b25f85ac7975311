// Package metrics exposes the Prometheus instrumentation for the
// scheduling core. All Observe*/Set* methods are nil-receiver-safe so
// metrics can be wired optionally without littering call sites with nil
// checks.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics instruments the booking store and planner: holds
// created/expired, bookings confirmed, and the monotonic bookings
// version as a gauge for dashboard alerting.
type SchedulingMetrics struct {
	holdsCreatedTotal prometheus.Counter
	holdsExpiredTotal prometheus.Counter
	bookingsTotal     prometheus.Counter
	bookingsVersion   prometheus.Gauge
	plannerLatency    *prometheus.HistogramVec
}

// NewSchedulingMetrics registers the scheduling counters/gauges against
// reg, or the default registerer when reg is nil.
func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		holdsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "holds_created_total",
			Help:      "Total soft holds created",
		}),
		holdsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "holds_expired_total",
			Help:      "Total soft holds that expired before promotion",
		}),
		bookingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Total confirmed bookings (direct + promoted holds)",
		}),
		bookingsVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "bookings_version",
			Help:      "Monotonic bookings version counter",
		}),
		plannerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "planner",
			Name:      "stage_latency_seconds",
			Help:      "Two-stage planner reasoner call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.holdsCreatedTotal, m.holdsExpiredTotal, m.bookingsTotal, m.bookingsVersion, m.plannerLatency)
	return m
}

func (m *SchedulingMetrics) ObserveHoldCreated() {
	if m == nil {
		return
	}
	m.holdsCreatedTotal.Inc()
}

func (m *SchedulingMetrics) ObserveHoldExpired() {
	if m == nil {
		return
	}
	m.holdsExpiredTotal.Inc()
}

func (m *SchedulingMetrics) ObserveBooking() {
	if m == nil {
		return
	}
	m.bookingsTotal.Inc()
}

func (m *SchedulingMetrics) SetBookingsVersion(v int64) {
	if m == nil {
		return
	}
	m.bookingsVersion.Set(float64(v))
}

func (m *SchedulingMetrics) ObservePlannerStage(stage, status string, seconds float64) {
	if m == nil {
		return
	}
	m.plannerLatency.WithLabelValues(stage, status).Observe(seconds)
}
