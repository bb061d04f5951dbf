package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "visionbridge"

// Metrics holds the prometheus collectors shared by the link, bridge and
// command packages. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RecordsParsed  prometheus.Counter
	ParseErrors    prometheus.Counter
	RecordsSkipped prometheus.Counter
	BytesRead      prometheus.Counter
	Reconnects     prometheus.Counter
	Connected      prometheus.Gauge
	Commands       *prometheus.CounterVec
	UpdatesDropped prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Passing a
// nil Registerer leaves them unregistered, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "records_parsed_total",
			Help:      "Records parsed into a detection snapshot",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "parse_errors_total",
			Help:      "Records dropped because they could not be parsed",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "framer",
			Name:      "records_skipped_total",
			Help:      "Complete records superseded by a newer record in the same read",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_read_total",
			Help:      "Bytes received from the sensor stream",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connections_total",
			Help:      "Successful connections to the sensor stream",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while the sensor stream is connected",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "commands_total",
			Help:      "Native commands issued, by verb and result",
		}, []string{"verb", "result"}),
		UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "updates_dropped_total",
			Help:      "Updates not delivered to a subscriber whose channel was full",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RecordsParsed,
			m.ParseErrors,
			m.RecordsSkipped,
			m.BytesRead,
			m.Reconnects,
			m.Connected,
			m.Commands,
			m.UpdatesDropped,
		)
	}
	return m
}

func (m *Metrics) RecordParsed() {
	if m != nil {
		m.RecordsParsed.Inc()
	}
}

func (m *Metrics) ParseError() {
	if m != nil {
		m.ParseErrors.Inc()
	}
}

func (m *Metrics) Skipped(n int) {
	if m != nil && n > 0 {
		m.RecordsSkipped.Add(float64(n))
	}
}

func (m *Metrics) Read(n int) {
	if m != nil && n > 0 {
		m.BytesRead.Add(float64(n))
	}
}

// SetConnected updates the connection gauge and counts each new connection.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Reconnects.Inc()
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) Command(verb string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(verb, result).Inc()
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.UpdatesDropped.Inc()
	}
}
