package tarssh

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// reasons a trapped connection ends
const (
	closeRead     = "read"
	closeWrite    = "write"
	closeShutdown = "shutdown"
)

type metrics struct {
	reg *prometheus.Registry

	live         prometheus.Gauge
	accepted     prometheus.Counter
	acceptErrors prometheus.Counter
	closed       *prometheus.CounterVec
	bytesSent    prometheus.Counter
	trapped      prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tarssh_clients",
			Help: "Number of clients currently trapped",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tarssh_connections_accepted_total",
			Help: "Total number of connections admitted into the tarpit",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tarssh_accept_errors_total",
			Help: "Total number of failed accept calls",
		}),
		closed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarssh_connections_closed_total",
				Help: "Total number of trapped connections that ended, by reason",
			},
			[]string{"reason"},
		),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tarssh_bytes_sent_total",
			Help: "Total number of garbage bytes written to clients",
		}),
		trapped: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tarssh_trapped_seconds",
			Help:    "How long clients stayed connected",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s .. ~3d
		}),
	}
	m.reg.MustRegister(m.live, m.accepted, m.acceptErrors, m.closed, m.bytesSent, m.trapped)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
