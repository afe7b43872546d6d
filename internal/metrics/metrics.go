package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the relay's metrics on its own prometheus registry so that
// several relays (and tests) do not collide on the default one.
type Registry struct {
	reg *prometheus.Registry

	Connections       *prometheus.CounterVec
	SNIErrors         *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	RelayedBytes      *prometheus.CounterVec
	HandshakeSeconds  prometheus.Histogram
	RouteUpdates      *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.Connections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sniporter",
		Name:      "connections_total",
		Help:      "Accepted connections by outcome.",
	}, []string{"result"})

	r.SNIErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sniporter",
		Name:      "sni_errors_total",
		Help:      "ClientHello SNI extraction failures by kind.",
	}, []string{"kind"})

	r.ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sniporter",
		Name:      "active_connections",
		Help:      "Connections currently being relayed.",
	})

	r.RelayedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sniporter",
		Name:      "relayed_bytes_total",
		Help:      "Bytes relayed by direction.",
	}, []string{"direction"})

	r.HandshakeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sniporter",
		Name:      "handshake_seconds",
		Help:      "Time spent reading the ClientHello up to the server name.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	})

	r.RouteUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sniporter",
		Name:      "route_updates_total",
		Help:      "Route table changes by source and action.",
	}, []string{"source", "action"})

	r.reg.MustRegister(
		r.Connections,
		r.SNIErrors,
		r.ActiveConnections,
		r.RelayedBytes,
		r.HandshakeSeconds,
		r.RouteUpdates,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
