package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the exchange core's Prometheus series on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commands           *prometheus.CounterVec   // by command type
	rejections         *prometheus.CounterVec   // by reason
	commandLatency     *prometheus.HistogramVec // by command type
	trades             *prometheus.CounterVec   // by market
	tradedVolume       *prometheus.CounterVec   // base atomic units, by market
	invariantViolation prometheus.Counter
	relayDropped       *prometheus.CounterVec // by subscriber
	wsClients          prometheus.Gauge
	queueDepth         prometheus.Gauge
}

type Config struct {
	Namespace string
}

func DefaultConfig() Config {
	return Config{Namespace: "hyperspot"}
}

func New(cfg Config) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	ns := cfg.Namespace

	return &Metrics{
		registry: reg,
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "commands_total", Help: "Commands processed by the sequencer.",
		}, []string{"type"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "rejections_total", Help: "Rejected commands by reason.",
		}, []string{"reason"}),
		commandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "command_duration_seconds", Help: "Time spent executing one command.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"type"}),
		trades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "trades_total", Help: "Fills produced by matching.",
		}, []string{"market"}),
		tradedVolume: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "traded_base_volume_total", Help: "Matched quantity in base atomic units.",
		}, []string{"market"}),
		invariantViolation: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "invariant_violations_total", Help: "Settlement failures after matching.",
		}),
		relayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "relay_dropped_total", Help: "Events dropped because a subscriber queue was full.",
		}, []string{"subscriber"}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "ws_clients", Help: "Connected websocket clients.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "sequencer_queue_depth", Help: "Commands waiting for the sequencer.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveCommand(typ string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(typ).Inc()
	m.commandLatency.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) Reject(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Trade(market string, qty int64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(market).Inc()
	m.tradedVolume.WithLabelValues(market).Add(float64(qty))
}

func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolation.Inc()
}

func (m *Metrics) RelayDropped(subscriber string) {
	if m == nil {
		return
	}
	m.relayDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
