// Package metrics exposes the socket table's per-connection counters as
// Prometheus metrics via a custom Collector, polled on demand instead of
// pushed, so scraping never contends with the dispatcher's hot path.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcarmo/simptcp/internal/ccb"
)

// Source is the subset of internal/entity's API the collector needs:
// enumerate live descriptors and read their stats without entity having
// to import prometheus itself.
type Source interface {
	Descriptors() []int
	Stats(id int) (ccb.Stats, ccb.State, bool)
}

// Collector implements prometheus.Collector over a Source's socket
// table, describing each descriptor as its own label set of "socket".
type Collector struct {
	mu     sync.Mutex
	source Source

	pdusSent        *prometheus.Desc
	pdusReceived    *prometheus.Desc
	inputErrors     *prometheus.Desc
	retransmissions *prometheus.Desc
	state           *prometheus.Desc
	openSockets     *prometheus.Desc
}

// NewCollector returns a Collector reading from source. Register it with
// a prometheus.Registry the way cmd/simptcpd wires up /metrics.
func NewCollector(source Source) *Collector {
	constLabels := prometheus.Labels{}
	labelNames := []string{"socket"}

	return &Collector{
		source: source,
		pdusSent: prometheus.NewDesc(
			"simptcp_pdus_sent_total", "Total PDUs sent on a socket.", labelNames, constLabels),
		pdusReceived: prometheus.NewDesc(
			"simptcp_pdus_received_total", "Total PDUs received on a socket.", labelNames, constLabels),
		inputErrors: prometheus.NewDesc(
			"simptcp_input_errors_total", "Total malformed PDUs dropped for a socket.", labelNames, constLabels),
		retransmissions: prometheus.NewDesc(
			"simptcp_retransmissions_total", "Total retransmissions triggered for a socket.", labelNames, constLabels),
		state: prometheus.NewDesc(
			"simptcp_connection_state", "Current FSM state of a socket, as an enum ordinal.", labelNames, constLabels),
		openSockets: prometheus.NewDesc(
			"simptcp_open_sockets", "Number of currently allocated socket-table descriptors.", nil, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pdusSent
	ch <- c.pdusReceived
	ch <- c.inputErrors
	ch <- c.retransmissions
	ch <- c.state
	ch <- c.openSockets
}

// Collect implements prometheus.Collector, polling the socket table at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.source.Descriptors()
	ch <- prometheus.MustNewConstMetric(c.openSockets, prometheus.GaugeValue, float64(len(ids)))

	for _, id := range ids {
		stats, state, ok := c.source.Stats(id)
		if !ok {
			continue
		}
		label := strconv.Itoa(id)

		ch <- prometheus.MustNewConstMetric(c.pdusSent, prometheus.CounterValue, float64(stats.PDUsSent), label)
		ch <- prometheus.MustNewConstMetric(c.pdusReceived, prometheus.CounterValue, float64(stats.PDUsReceived), label)
		ch <- prometheus.MustNewConstMetric(c.inputErrors, prometheus.CounterValue, float64(stats.InputErrors), label)
		ch <- prometheus.MustNewConstMetric(c.retransmissions, prometheus.CounterValue, float64(stats.Retransmissions), label)
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(state), label)
	}
}

