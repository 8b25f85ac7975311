package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSchedulingMetricsObserve(t *testing.T) {
	m := NewSchedulingMetrics(prometheus.NewRegistry())
	m.ObserveHoldCreated()
	m.ObserveHoldExpired()
	m.ObserveBooking()
	m.SetBookingsVersion(42)
	m.ObservePlannerStage("stage1", "ok", 0.2)
}

func TestSchedulingMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)
	m.ObserveBooking()
}

func TestSchedulingMetricsNilSafe(t *testing.T) {
	var m *SchedulingMetrics
	m.ObserveHoldCreated()
	m.ObserveHoldExpired()
	m.ObserveBooking()
	m.SetBookingsVersion(1)
	m.ObservePlannerStage("stage2", "error", 0.1)
}
