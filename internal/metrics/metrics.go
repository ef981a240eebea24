package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the listener.
type Metrics struct {
	eventsReceived    prometheus.Counter
	notificationsSent prometheus.Counter
	notificationsDrop prometheus.Counter
	decodeFailures    prometheus.Counter
	queryFailures     prometheus.Counter
	reconnects        prometheus.Counter
	sinkErrors        prometheus.Counter
	listenerState     prometheus.Gauge
	lastBlock         prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_listener_events_received_total",
				Help: "Total number of matching logs received from the node",
			}),
			notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_listener_notifications_sent_total",
				Help: "Total number of notifications delivered to sinks",
			}),
			notificationsDrop: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_listener_notifications_dropped_total",
				Help: "Total number of notifications dropped by rate limits",
			}),
			decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_listener_decode_failures_total",
				Help: "Total number of logs that could not be decoded",
			}),
			queryFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_listener_query_failures_total",
				Help: "Total number of failed state queries",
			}),
			reconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_listener_reconnects_total",
				Help: "Total number of recoveries after a lost connection",
			}),
			sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_listener_sink_errors_total",
				Help: "Total number of failed sink deliveries",
			}),
			listenerState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "event_listener_state",
				Help: "Listener state (0 starting, 1 connected, 2 listening, 3 recovering, 4 stopped)",
			}),
			lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "event_listener_last_event_block",
				Help: "Block number of the last processed event",
			}),
		}
		prometheus.MustRegister(
			metrics.eventsReceived,
			metrics.notificationsSent,
			metrics.notificationsDrop,
			metrics.decodeFailures,
			metrics.queryFailures,
			metrics.reconnects,
			metrics.sinkErrors,
			metrics.listenerState,
			metrics.lastBlock,
		)
	})
	return metrics
}

// EventReceived increments the received logs counter.
func (m *Metrics) EventReceived() {
	if m != nil {
		m.eventsReceived.Inc()
	}
}

// NotificationSent increments the delivered notifications counter.
func (m *Metrics) NotificationSent() {
	if m != nil {
		m.notificationsSent.Inc()
	}
}

// NotificationDropped increments the rate-limited notifications counter.
func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.notificationsDrop.Inc()
	}
}

// DecodeFailure increments the decode failures counter.
func (m *Metrics) DecodeFailure() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

// QueryFailure increments the state query failures counter.
func (m *Metrics) QueryFailure() {
	if m != nil {
		m.queryFailures.Inc()
	}
}

// Reconnect increments the reconnects counter.
func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

// SinkError increments the sink errors counter.
func (m *Metrics) SinkError() {
	if m != nil {
		m.sinkErrors.Inc()
	}
}

// SetState records the listener state.
func (m *Metrics) SetState(state int) {
	if m != nil {
		m.listenerState.Set(float64(state))
	}
}

// SetLastBlock records the block of the last processed event.
func (m *Metrics) SetLastBlock(block uint64) {
	if m != nil {
		m.lastBlock.Set(float64(block))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
