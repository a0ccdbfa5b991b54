package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports Snapshot as prometheus metrics on every scrape.
type Collector struct {
	bytesWritten     *prometheus.Desc
	bytesRead        *prometheus.Desc
	totalCommands    *prometheus.Desc
	currentCommands  *prometheus.Desc
	failedCommands   *prometheus.Desc
	preparedCommands *prometheus.Desc
	preparedRatio    *prometheus.Desc
	pools            *prometheus.Desc
	idle             *prometheus.Desc
	busy             *prometheus.Desc
}

// NewCollector creates a collector with pgbatch_ metric names.
func NewCollector() *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("pgbatch_"+name, help, nil, nil)
	}
	return &Collector{
		bytesWritten:     desc("bytes_written_total", "Bytes written to the server"),
		bytesRead:        desc("bytes_read_total", "Bytes read from the server"),
		totalCommands:    desc("commands_total", "Commands executed"),
		currentCommands:  desc("commands_current", "Commands currently executing"),
		failedCommands:   desc("commands_failed_total", "Commands that failed"),
		preparedCommands: desc("commands_prepared_total", "Commands executed in prepared form"),
		preparedRatio:    desc("commands_prepared_ratio", "Share of commands executed in prepared form"),
		pools:            desc("pools", "Registered connection pools"),
		idle:             desc("connections_idle", "Idle connections across all pools"),
		busy:             desc("connections_busy", "Busy connections across all pools"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.bytesWritten, c.bytesRead, c.totalCommands, c.currentCommands, c.failedCommands,
		c.preparedCommands, c.preparedRatio, c.pools, c.idle, c.busy,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := Snapshot()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.bytesWritten, s.BytesWritten)
	counter(c.bytesRead, s.BytesRead)
	counter(c.totalCommands, s.TotalCommands)
	gauge(c.currentCommands, float64(s.CurrentCommands))
	counter(c.failedCommands, s.FailedCommands)
	counter(c.preparedCommands, s.PreparedCommands)
	gauge(c.preparedRatio, s.PreparedRatio)
	gauge(c.pools, float64(s.Pools))
	gauge(c.idle, float64(s.IdleConnections))
	gauge(c.busy, float64(s.BusyConnections))
}

var once sync.Once

// Init registers the collector with the default prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(NewCollector())
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
