package outbox

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	producedBatches  *prometheus.CounterVec
	producedMessages *prometheus.CounterVec
	drainErrors      *prometheus.CounterVec
	locksLost        *prometheus.CounterVec
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		producedBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outboxkit_produced_batches_total",
			Help: "The total number of batches dispatched to targets",
		}, []string{"key", "all_messages_produced"}),
		producedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outboxkit_produced_messages_total",
			Help: "The total number of messages acknowledged by targets",
		}, []string{"key"}),
		drainErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outboxkit_drain_errors_total",
			Help: "The total number of failed drain iterations",
		}, []string{"key"}),
		locksLost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outboxkit_locks_lost_total",
			Help: "The total number of distributed locks lost while producing",
		}, []string{"key"}),
	}
}

func (m *Metrics) batchProduced(key string, total, delivered int) {
	if m == nil {
		return
	}
	m.producedBatches.WithLabelValues(key, strconv.FormatBool(total == delivered)).Inc()
	m.producedMessages.WithLabelValues(key).Add(float64(delivered))
}

func (m *Metrics) drainFailed(key string) {
	if m == nil {
		return
	}
	m.drainErrors.WithLabelValues(key).Inc()
}

func (m *Metrics) lockLost(key string) {
	if m == nil {
		return
	}
	m.locksLost.WithLabelValues(key).Inc()
}
