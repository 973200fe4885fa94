package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "live_kitchen_connections",
			Help: "Live connections held by this instance by role",
		},
		[]string{"role"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_kitchen_events_total",
			Help: "Inbound events by kind and outcome",
		},
		[]string{"event", "outcome"},
	)

	EmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_kitchen_emissions_total",
			Help: "Outbound emissions by event and result (local, relayed, dropped, undelivered)",
		},
		[]string{"event", "result"},
	)

	RegistryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_kitchen_registry_errors_total",
			Help: "Connection registry failures by operation",
		},
		[]string{"op"},
	)

	EventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "live_kitchen_event_duration_seconds",
			Help:    "Time spent handling an inbound event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	StaleConnectionsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "live_kitchen_stale_connections_purged_total",
			Help: "Connections removed because their owning instance stopped heartbeating",
		},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsLive)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(EmissionsTotal)
	prometheus.MustRegister(RegistryErrors)
	prometheus.MustRegister(EventDuration)
	prometheus.MustRegister(StaleConnectionsPurged)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer observes elapsed time into a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
