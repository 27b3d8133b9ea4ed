package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "refinewatch"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(Snapshot) int64
}

// Exporter exposes a Collector's snapshot as Prometheus metrics.
// Values are read at scrape time; nothing is double-recorded.
type Exporter struct {
	collector *Collector
	counters  []counterDesc
	bySource  *prometheus.Desc
	byType    *prometheus.Desc
}

// NewExporter creates an Exporter for c.
func NewExporter(c *Collector) *Exporter {
	labels := []string{"policy", "storage_backend", "session_id"}
	counter := func(name, help string, value func(Snapshot) int64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil),
			value: value,
		}
	}

	return &Exporter{
		collector: c,
		counters: []counterDesc{
			counter("jobs_started_total", "Job-start and continuation requests issued.", func(s Snapshot) int64 { return s.JobsStarted }),
			counter("jobs_completed_total", "Jobs that completed.", func(s Snapshot) int64 { return s.JobsCompleted }),
			counter("jobs_errored_total", "Jobs that errored.", func(s Snapshot) int64 { return s.JobsErrored }),
			counter("jobs_abandoned_total", "Jobs abandoned after transport exhaustion.", func(s Snapshot) int64 { return s.JobsAbandoned }),
			counter("jobs_assumed_complete_total", "Completions synthesized by the stuck-job watchdog.", func(s Snapshot) int64 { return s.JobsAssumedComplete }),
			counter("sessions_canceled_total", "Sessions canceled locally.", func(s Snapshot) int64 { return s.SessionsCanceled }),
			counter("resumes_offered_total", "Resume offers made.", func(s Snapshot) int64 { return s.ResumesOffered }),
			counter("resumes_accepted_total", "Resume offers accepted.", func(s Snapshot) int64 { return s.ResumesAccepted }),
			counter("events_noop_total", "Delivered events that did not change state.", func(s Snapshot) int64 { return s.EventsNoop }),
			counter("socket_upgrades_total", "Push-socket upgrade attempts.", func(s Snapshot) int64 { return s.SocketUpgrades }),
			counter("socket_fallbacks_total", "Fallbacks from push-socket to polling.", func(s Snapshot) int64 { return s.SocketFallbacks }),
			counter("poll_requests_total", "Status polls issued.", func(s Snapshot) int64 { return s.PollRequests }),
			counter("poll_failures_total", "Status polls that failed.", func(s Snapshot) int64 { return s.PollFailures }),
			counter("inactivity_timeouts_total", "Inactivity watchdog expiries.", func(s Snapshot) int64 { return s.InactivityTimeouts }),
			counter("stream_lines_dropped_total", "Stream lines dropped as malformed or unknown.", func(s Snapshot) int64 { return s.LinesDropped }),
			counter("stream_heartbeats_total", "Stream heartbeat lines.", func(s Snapshot) int64 { return s.Heartbeats }),
			counter("history_events_received_total", "Events offered to the history policy.", func(s Snapshot) int64 { return s.EventsReceived }),
			counter("history_events_persisted_total", "Events written to history.", func(s Snapshot) int64 { return s.EventsPersisted }),
			counter("history_events_dropped_total", "Events dropped by the history policy.", func(s Snapshot) int64 { return s.EventsDropped }),
			counter("lode_write_success_total", "Successful Lode write calls.", func(s Snapshot) int64 { return s.LodeWriteSuccess }),
			counter("lode_write_failure_total", "Failed Lode write calls.", func(s Snapshot) int64 { return s.LodeWriteFailure }),
		},
		bySource: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Events delivered, by delivery path.",
			append(labels, "source"), nil,
		),
		byType: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "history_events_dropped_by_type_total"),
			"Events dropped by the history policy, by event type.",
			append(labels, "event_type"), nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range e.counters {
		ch <- c.desc
	}
	ch <- e.bySource
	ch <- e.byType
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.collector.Snapshot()
	labels := []string{s.Policy, s.StorageBackend, s.SessionID}

	for _, c := range e.counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value(s)), labels...)
	}
	for _, source := range sortedKeys(s.EventsBySource) {
		ch <- prometheus.MustNewConstMetric(e.bySource, prometheus.CounterValue,
			float64(s.EventsBySource[source]), append(labels, source)...)
	}
	for _, typ := range sortedKeys(s.DroppedByType) {
		ch <- prometheus.MustNewConstMetric(e.byType, prometheus.CounterValue,
			float64(s.DroppedByType[typ]), append(labels, typ)...)
	}
}

// Handler returns an HTTP handler serving the collector in the Prometheus
// text format, on a private registry.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewExporter(c)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ prometheus.Collector = (*Exporter)(nil)
