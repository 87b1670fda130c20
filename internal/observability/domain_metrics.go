package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	episodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysmith_episodes_total",
			Help: "Total number of completed episodes by terminal status.",
		},
		[]string{"status"},
	)
	episodeAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querysmith_episode_attempts",
			Help:    "Correction attempts consumed per episode.",
			Buckets: []float64{0, 1, 2, 3},
		},
	)
	episodeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querysmith_episode_duration_seconds",
			Help:    "Wall-clock duration of an episode from question to terminal state.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	toolDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysmith_tool_dispatch_total",
			Help: "Total number of tool dispatches by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	toolDispatchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querysmith_tool_dispatch_duration_seconds",
			Help:    "Tool dispatch latency by tool name.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)
	contextBundleChars = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querysmith_context_bundle_chars",
			Help:    "Rendered size of assembled context bundles in characters.",
			Buckets: []float64{512, 1024, 2048, 4096, 8192, 16384},
		},
	)
	contextBundleChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querysmith_context_bundle_chunks",
			Help:    "Number of chunks included in assembled context bundles.",
			Buckets: []float64{0, 1, 2, 5, 10, 15},
		},
	)
	contextSourceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysmith_context_source_failures_total",
			Help: "Retrieval source failures tolerated by the context assembler.",
		},
		[]string{"source"},
	)
	memoryWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querysmith_memory_writes_total",
			Help: "Correction memory writes by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		episodesTotal,
		episodeAttempts,
		episodeDurationSeconds,
		toolDispatchTotal,
		toolDispatchDurationSeconds,
		contextBundleChars,
		contextBundleChunks,
		contextSourceFailuresTotal,
		memoryWritesTotal,
	)
}

func ObserveEpisode(status string, attempts int, elapsed time.Duration) {
	episodesTotal.WithLabelValues(status).Inc()
	episodeAttempts.Observe(float64(attempts))
	episodeDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveToolDispatch(tool, outcome string, elapsed time.Duration) {
	toolDispatchTotal.WithLabelValues(tool, outcome).Inc()
	toolDispatchDurationSeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func ObserveContextBundle(chars, chunks int) {
	contextBundleChars.Observe(float64(chars))
	contextBundleChunks.Observe(float64(chunks))
}

func IncrementContextSourceFailure(source string) {
	contextSourceFailuresTotal.WithLabelValues(source).Inc()
}

func IncrementMemoryWrite(result string) {
	memoryWritesTotal.WithLabelValues(result).Inc()
}
