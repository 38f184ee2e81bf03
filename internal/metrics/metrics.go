// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace      = "marginalia"
	eventTypeLabel = "event_type"
	outcomeLabel   = "outcome"
	operationLabel = "operation"
	methodLabel    = "method"
	statusLabel    = "status"
)

// Metrics holds every collector the service reports. A nil *Metrics
// discards observations.
type Metrics struct {
	registry *prometheus.Registry

	connections          prometheus.Gauge
	rooms                prometheus.Gauge
	eventsTotal          *prometheus.CounterVec
	broadcastDeliveries  *prometheus.CounterVec
	slowConsumersDropped prometheus.Counter
	storeSeconds         *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
}

// NewMetrics creates a registry with process and Go runtime collectors.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	return &Metrics{
		registry: reg,
		connections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Number of open WebSocket connections.",
		}),
		rooms: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "rooms",
			Help:      "Number of documents with at least one live connection.",
		}),
		eventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Inbound realtime events by type and outcome.",
		}, []string{eventTypeLabel, outcomeLabel}),
		broadcastDeliveries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "broadcast_deliveries_total",
			Help:      "Outbound events queued to connections by event type.",
		}, []string{eventTypeLabel}),
		slowConsumersDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "slow_consumers_dropped_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
		storeSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_seconds",
			Help:      "Latency of annotation store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{operationLabel, outcomeLabel}),
		httpRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{methodLabel, statusLabel}),
	}, nil
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AddConnection() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) RemoveConnection() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetRooms(count int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(count))
}

// ObserveEvent counts one inbound event. outcome is "ok" or an error code.
func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) AddBroadcastDeliveries(eventType string, count int) {
	if m == nil {
		return
	}
	m.broadcastDeliveries.WithLabelValues(eventType).Add(float64(count))
}

func (m *Metrics) DropSlowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumersDropped.Inc()
}

// ObserveStore records how long a store operation took.
func (m *Metrics) ObserveStore(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storeSeconds.WithLabelValues(operation, outcome).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveHTTP(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
}

// ViewerCounter reports the live viewers of each document.
type ViewerCounter interface {
	Documents() []string
	Len(documentID string) int
}

// WatchPresence exports the number of live viewers summed over documents.
// The value is computed at scrape time.
func (m *Metrics) WatchPresence(viewers ViewerCounter) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "viewers",
		Help:      "Users present in documents, summed over documents.",
	}, func() float64 {
		total := 0
		for _, documentID := range viewers.Documents() {
			total += viewers.Len(documentID)
		}
		return float64(total)
	}))
}
