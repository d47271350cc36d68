package tunnel

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a pure observer of a Proxy's event stream: gauges and
// counters a process embedding a Proxy can expose on its own
// /metrics endpoint. None of it sits on the correctness path — a Proxy
// constructed without WithMetrics behaves identically.
type Metrics struct {
	ClientsActive prometheus.Gauge
	BytesIn       prometheus.Counter
	BytesOut      prometheus.Counter
	FramesDropped prometheus.Counter
}

// NewMetrics creates and registers a Metrics set on reg, labeled by
// tunnelID so multiple Proxy instances sharing a process don't collide.
func NewMetrics(reg prometheus.Registerer, tunnelID string) *Metrics {
	labels := prometheus.Labels{"tunnel_id": tunnelID}
	m := &Metrics{
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tcptunnel_clients_active",
			Help:        "Number of TCP client sockets currently registered with the proxy.",
			ConstLabels: labels,
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tcptunnel_bytes_in_total",
			Help:        "Bytes applied to local sockets from inbound data frames.",
			ConstLabels: labels,
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tcptunnel_bytes_out_total",
			Help:        "Bytes read from local sockets and emitted as outbound data frames.",
			ConstLabels: labels,
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tcptunnel_inbound_frames_dropped_total",
			Help:        "Inbound data frames addressed to a ClientId not present in the registry.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ClientsActive, m.BytesIn, m.BytesOut, m.FramesDropped)
	}
	return m
}
