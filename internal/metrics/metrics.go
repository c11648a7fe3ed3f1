package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30, 120, 600},
	}, []string{"method", "path"})

	RelaysInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "streams_in_flight",
		Help:      "Number of relays currently streaming a body.",
	})

	RelaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "streams_total",
		Help:      "Finished relays by provider and outcome.",
	}, []string{"provider", "outcome"})

	RelayRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "streams_rejected_total",
		Help:      "Relays refused because the concurrency limit was reached.",
	})

	BytesRelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "bytes_relayed_total",
		Help:      "Body bytes written to clients by provider.",
	}, []string{"provider"})

	UpstreamOpenDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "upstream_open_duration_seconds",
		Help:      "Time to resolve a share and open its upstream byte range.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider"})

	ResolveErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "resolve_errors_total",
		Help:      "Resolve and open failures by error kind.",
	}, []string{"kind"})

	ManifestCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "manifest_cache_total",
		Help:      "Manifest cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	ProxyRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "proxy_requests_total",
		Help:      "JSON proxy requests by result.",
	}, []string{"result"})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "ws_clients",
		Help:      "Connected websocket feed clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RelaysInFlight,
		RelaysTotal,
		RelayRejectedTotal,
		BytesRelayedTotal,
		UpstreamOpenDuration,
		ResolveErrorsTotal,
		ManifestCacheTotal,
		ProxyRequestsTotal,
		WSClients,
	)
}
