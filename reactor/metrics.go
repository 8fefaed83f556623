package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tpc_reactor"

// Collector is a prometheus.Collector that collects metrics about one reactor.
type Collector struct {
	completions  prometheus.Counter
	readyEvents  prometheus.Counter
	dirtyTicks   prometheus.Counter
	tasks        prometheus.Counter
	parks        prometheus.Counter
	readBytes    prometheus.Counter
	writtenBytes prometheus.Counter
	sockets      prometheus.Gauge
}

// NewMetricsCollector returns a new Collector labelled with the reactor name.
func NewMetricsCollector(reactor string) *Collector {
	labels := prometheus.Labels{"reactor": reactor}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Collector{
		completions:  counter("completions_total", "The number of io_uring completions dispatched."),
		readyEvents:  counter("ready_events_total", "The number of epoll readiness events dispatched."),
		dirtyTicks:   counter("dirty_sockets_total", "The number of dirty socket passes."),
		tasks:        counter("tasks_total", "The number of tasks run."),
		parks:        counter("parks_total", "The number of times the reactor parked."),
		readBytes:    counter("read_bytes_total", "The number of bytes read from sockets."),
		writtenBytes: counter("written_bytes_total", "The number of bytes written to sockets."),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "sockets",
			Help:        "The number of open sockets owned by the reactor.",
			ConstLabels: labels,
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.completions.Describe(ch)
	c.readyEvents.Describe(ch)
	c.dirtyTicks.Describe(ch)
	c.tasks.Describe(ch)
	c.parks.Describe(ch)
	c.readBytes.Describe(ch)
	c.writtenBytes.Describe(ch)
	c.sockets.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.completions.Collect(ch)
	c.readyEvents.Collect(ch)
	c.dirtyTicks.Collect(ch)
	c.tasks.Collect(ch)
	c.parks.Collect(ch)
	c.readBytes.Collect(ch)
	c.writtenBytes.Collect(ch)
	c.sockets.Collect(ch)
}
