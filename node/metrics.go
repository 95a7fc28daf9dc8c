package node

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts I/O-path events. All counters live in a private registry
// so multiple nodes can run in one test process.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived  prometheus.Counter
	FramesSent      prometheus.Counter
	FramesDropped   prometheus.Counter
	WantsServed     prometheus.Counter
	PacketsAccepted prometheus.Counter
	BlobsAccepted   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyssb",
			Name:      name,
			Help:      help,
		})
		m.registry.MustRegister(c)
		return c
	}
	m.FramesReceived = counter("frames_received_total", "Frames read from the transport.")
	m.FramesSent = counter("frames_sent_total", "Frames written to the transport.")
	m.FramesDropped = counter("frames_dropped_total", "Frames with no DMX match, own echoes included.")
	m.WantsServed = counter("wants_served_total", "Want requests answered from local feeds.")
	m.PacketsAccepted = counter("packets_accepted_total", "Packets verified and appended.")
	m.BlobsAccepted = counter("blobs_accepted_total", "Blob frames verified and stored.")
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
