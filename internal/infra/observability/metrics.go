package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Describe Metrics ───────────────────────────────────────────────────────

// DescribeRequests counts description attempts by outcome.
var DescribeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gennino",
	Subsystem: "describe",
	Name:      "requests_total",
	Help:      "Total description attempts by outcome.",
}, []string{"outcome"})

// DescribeInFlight tracks descriptions currently running.
var DescribeInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "gennino",
	Subsystem: "describe",
	Name:      "in_flight",
	Help:      "Number of description requests currently running.",
})

// DescribeFragments counts streamed description fragments.
var DescribeFragments = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gennino",
	Subsystem: "describe",
	Name:      "fragments_total",
	Help:      "Total description fragments delivered to users.",
})

// InferenceDuration tracks inference latency by backend.
var InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gennino",
	Subsystem: "inference",
	Name:      "duration_seconds",
	Help:      "Inference duration in seconds.",
	Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
}, []string{"backend"})

// ─── Feature Metrics ────────────────────────────────────────────────────────

// FeatureStatusChecks counts status queries by result.
var FeatureStatusChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gennino",
	Subsystem: "feature",
	Name:      "status_checks_total",
	Help:      "Total feature status queries by reported status.",
}, []string{"status"})

// DownloadBytes counts bytes received while downloading the feature.
var DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gennino",
	Subsystem: "feature",
	Name:      "download_bytes_total",
	Help:      "Total feature bytes downloaded.",
})

// Downloads counts finished downloads by result ("completed", "failed").
var Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gennino",
	Subsystem: "feature",
	Name:      "downloads_total",
	Help:      "Total feature downloads by result.",
}, []string{"result"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gennino",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gennino",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
