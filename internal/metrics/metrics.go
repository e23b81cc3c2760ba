// Package metrics maintains process-local Prometheus counters. There
// is no scrape endpoint; the instance socket's stats verb serves a
// gathered snapshot instead, which keeps the service surface to the
// two Unix sockets.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type set struct {
	once     sync.Once
	registry *prometheus.Registry

	embedRequests *prometheus.CounterVec
	embedLatency  prometheus.Histogram
	embedFailures prometheus.Counter

	indexFiles       prometheus.Counter
	indexDefinitions prometheus.Counter
	indexRuns        prometheus.Counter

	memorySaves    prometheus.Counter
	memoryFinds    *prometheus.CounterVec
	memoryDeferred prometheus.Counter

	toolCalls *prometheus.CounterVec
}

var std set

func (m *set) init() {
	m.once.Do(func() {
		m.registry = prometheus.NewRegistry()

		m.embedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "specmem_embed_requests_total",
			Help: "Embedding requests by priority and outcome.",
		}, []string{"priority", "outcome"})
		m.embedLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "specmem_embed_latency_seconds",
			Help:    "End-to-end embedding request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
		})
		m.embedFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specmem_embed_failures_total",
			Help: "Embedding requests that ended in a terminal error.",
		})

		m.indexFiles = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specmem_index_files_total",
			Help: "Files written to the index.",
		})
		m.indexDefinitions = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specmem_index_definitions_total",
			Help: "Definitions written to the index.",
		})
		m.indexRuns = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specmem_index_runs_total",
			Help: "Completed pipeline passes.",
		})

		m.memorySaves = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specmem_memory_saves_total",
			Help: "Memories written.",
		})
		m.memoryFinds = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "specmem_memory_finds_total",
			Help: "Memory searches by result source.",
		}, []string{"source"})
		m.memoryDeferred = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "specmem_memory_deferred_total",
			Help: "Memories written without a vector, pending backfill.",
		})

		m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "specmem_tool_calls_total",
			Help: "MCP tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"})

		m.registry.MustRegister(
			m.embedRequests, m.embedLatency, m.embedFailures,
			m.indexFiles, m.indexDefinitions, m.indexRuns,
			m.memorySaves, m.memoryFinds, m.memoryDeferred,
			m.toolCalls,
		)
	})
}

// Record helpers. All are safe before any explicit initialization.

func EmbedRequest(priority, outcome string, seconds float64) {
	std.init()
	std.embedRequests.WithLabelValues(priority, outcome).Inc()
	std.embedLatency.Observe(seconds)
	if outcome == "error" {
		std.embedFailures.Inc()
	}
}

func IndexRun(files, definitions int) {
	std.init()
	std.indexRuns.Inc()
	std.indexFiles.Add(float64(files))
	std.indexDefinitions.Add(float64(definitions))
}

func MemorySave(deferred bool) {
	std.init()
	std.memorySaves.Inc()
	if deferred {
		std.memoryDeferred.Inc()
	}
}

func MemoryFind(source string) {
	std.init()
	std.memoryFinds.WithLabelValues(source).Inc()
}

func ToolCall(tool, outcome string) {
	std.init()
	std.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// Snapshot gathers every registered series into a flat map keyed by
// metric name plus sorted label values. Histograms contribute their
// sample count and sum.
func Snapshot() map[string]float64 {
	std.init()
	out := make(map[string]float64)

	families, err := std.registry.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		for _, m := range fam.Metric {
			key := fam.GetName()
			for _, lp := range m.Label {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.Counter != nil:
				out[key] = m.Counter.GetValue()
			case m.Gauge != nil:
				out[key] = m.Gauge.GetValue()
			case m.Histogram != nil:
				out[key+"_count"] = float64(m.Histogram.GetSampleCount())
				out[key+"_sum"] = m.Histogram.GetSampleSum()
			}
		}
	}
	return out
}
