// Package metrics tracks request counts, retrieval latency and uptime for the
// status report, and mirrors them into a private prometheus registry.
package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Retrieval outcomes, used as the prometheus "outcome" label.
const (
	OutcomeSuccess  = "success"
	OutcomeClient   = "client_error"
	OutcomeNotFound = "not_found"
)

// Uptime is elapsed time since MarkStarted split for the status report.
type Uptime struct {
	Days    int64
	Hours   int64
	Minutes int64
}

// ScanCounts summarizes the work done by one retrieval.
type ScanCounts struct {
	FilesScanned          int
	FilesSkipped          int
	PacketsMatched        int
	DirectoriesUnreadable int
}

// Tracker is the metrics state of one service instance. The zero value is not
// usable; create it with NewTracker and share it by pointer.
type Tracker struct {
	started    atomic.Int64 // unix nanoseconds, 0 until MarkStarted
	requests   atomic.Uint64
	retrievals atomic.Uint64
	latencyMs  atomic.Uint64

	now      func() time.Time
	registry *prometheus.Registry

	requestsTotal   prometheus.Counter
	retrievalsTotal *prometheus.CounterVec
	duration        prometheus.Histogram
	packetsMatched  prometheus.Counter
	filesScanned    prometheus.Counter
	filesSkipped    prometheus.Counter
	dirsUnreadable  prometheus.Counter
}

// NewTracker creates a Tracker with its own prometheus registry.
func NewTracker() *Tracker {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Tracker{
		now:      time.Now,
		registry: reg,
		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pcap_retriever",
			Name:      "requests_total",
			Help:      "Total number of requests received by retrieval routes.",
		}),
		retrievalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcap_retriever",
			Name:      "retrievals_total",
			Help:      "Total number of completed retrievals by outcome.",
		}, []string{"outcome"}), // outcome: success, client_error, not_found
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pcap_retriever",
			Name:      "retrieval_duration_seconds",
			Help:      "Wall clock time of retrievals.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
		packetsMatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pcap_retriever",
			Name:      "packets_matched_total",
			Help:      "Total number of packets written to output captures.",
		}),
		filesScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pcap_retriever",
			Name:      "files_scanned_total",
			Help:      "Total number of candidate capture files scanned.",
		}),
		filesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pcap_retriever",
			Name:      "files_skipped_total",
			Help:      "Total number of candidate files skipped because they could not be opened or decoded.",
		}),
		dirsUnreadable: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pcap_retriever",
			Name:      "directories_unreadable_total",
			Help:      "Total number of storage directory listings that failed.",
		}),
	}
}

// MarkStarted records the moment the service became ready to serve. Later
// calls are ignored.
func (t *Tracker) MarkStarted() {
	t.started.CompareAndSwap(0, t.now().UnixNano())
}

// IncRequests counts one inbound request to a retrieval route.
func (t *Tracker) IncRequests() {
	t.requests.Add(1)
	t.requestsTotal.Inc()
}

// ObserveRetrieval records one finished retrieval. Latency is kept in whole
// milliseconds, rounded up so any completed retrieval counts as at least 1ms.
func (t *Tracker) ObserveRetrieval(elapsed time.Duration, outcome string) {
	if elapsed < 0 {
		elapsed = 0
	}
	ms := uint64((elapsed + time.Millisecond - 1) / time.Millisecond)
	t.latencyMs.Add(ms)
	t.retrievals.Add(1)
	t.retrievalsTotal.WithLabelValues(outcome).Inc()
	t.duration.Observe(elapsed.Seconds())
}

// ObserveScan adds the file and packet counts of one retrieval.
func (t *Tracker) ObserveScan(c ScanCounts) {
	t.packetsMatched.Add(float64(c.PacketsMatched))
	t.filesScanned.Add(float64(c.FilesScanned))
	t.filesSkipped.Add(float64(c.FilesSkipped))
	t.dirsUnreadable.Add(float64(c.DirectoriesUnreadable))
}

// Requests is the total request count.
func (t *Tracker) Requests() uint64 {
	return t.requests.Load()
}

// Retrievals is the completed retrieval count.
func (t *Tracker) Retrievals() uint64 {
	return t.retrievals.Load()
}

// AverageLatencyMillis is cumulative latency over retrieval count, truncated.
// It is 0 before the first retrieval.
func (t *Tracker) AverageLatencyMillis() uint64 {
	n := t.retrievals.Load()
	if n == 0 {
		return 0
	}
	return t.latencyMs.Load() / n
}

// Uptime returns the time since MarkStarted, or zero if not started.
func (t *Tracker) Uptime() Uptime {
	start := t.started.Load()
	if start == 0 {
		return Uptime{}
	}
	elapsed := t.now().Sub(time.Unix(0, start))
	if elapsed < 0 {
		elapsed = 0
	}
	total := int64(elapsed / time.Minute)
	return Uptime{Days: total / (24 * 60), Hours: total / 60 % 24, Minutes: total % 60}
}

// Status renders the plain text status report.
func (t *Tracker) Status() string {
	up := t.Uptime()
	return fmt.Sprintf("Server uptime: %d days, %d hours, %d minutes\n"+
		"Total PCAPs served since start: %d\n"+
		"Average pcap response time: %d ms",
		up.Days, up.Hours, up.Minutes, t.Requests(), t.AverageLatencyMillis())
}

// Registry exposes the prometheus registry, e.g. for extra collectors.
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// Handler serves the registry in the prometheus exposition format.
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}
