// Package metrics exposes transport telemetry as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rubiojr/relaybox/pkg/log"
	"github.com/rubiojr/relaybox/pkg/transport"
)

const namespace = "relaybox"

// Collector implements transport.Observer on top of a private Prometheus
// registry.
type Collector struct {
	registry *prometheus.Registry

	state             prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectDelay    prometheus.Histogram
	reconnectFailed   prometheus.Counter
	sent              *prometheus.CounterVec
	dropped           prometheus.Counter
	received          *prometheus.CounterVec
	acksPending       prometheus.Gauge
}

var _ transport.Observer = (*Collector)(nil)

// NewCollector registers the relaybox metrics. When withRuntime is set the Go
// runtime and process collectors are registered too.
func NewCollector(withRuntime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Transport state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled.",
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnection attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		reconnectFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_failed_total",
			Help:      "Times the reconnect ceiling was reached.",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Envelopes written to the transport.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Envelopes dropped because the transport was not connected.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound envelopes by reserved class.",
		}, []string{"class"}),
		acksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "acks_pending",
			Help:      "Acknowledged requests awaiting a reply.",
		}),
	}

	c.registry.MustRegister(
		c.state,
		c.reconnectAttempts,
		c.reconnectDelay,
		c.reconnectFailed,
		c.sent,
		c.dropped,
		c.received,
		c.acksPending,
	)
	if withRuntime {
		c.registry.MustRegister(prometheus.NewGoCollector())
		c.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) StateChanged(state transport.State) {
	c.state.Set(float64(state))
}

func (c *Collector) ReconnectScheduled(attempt int, delay time.Duration) {
	c.reconnectAttempts.Inc()
	c.reconnectDelay.Observe(delay.Seconds())
}

func (c *Collector) ReconnectFailed() {
	c.reconnectFailed.Inc()
}

func (c *Collector) MessageSent(acknowledged bool) {
	kind := "fire"
	if acknowledged {
		kind = "ack"
	}
	c.sent.WithLabelValues(kind).Inc()
}

func (c *Collector) MessageDropped() {
	c.dropped.Inc()
}

// MessageReceived counts inbound envelopes. Application event names are
// unbounded, so they are folded into a single "event" class.
func (c *Collector) MessageReceived(messageType string) {
	class := "event"
	switch messageType {
	case "ack", "connection:acknowledged":
		class = messageType
	}
	c.received.WithLabelValues(class).Inc()
}

func (c *Collector) AcksPending(n int) {
	c.acksPending.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	l := log.ForService("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Infof("serving metrics on %s/metrics", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// StateLabel renders a state gauge value for display.
func StateLabel(v float64) string {
	s := transport.State(int(v))
	if s.String() == "unknown" {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return s.String()
}
