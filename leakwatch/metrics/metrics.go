// Package metrics exposes the Prometheus counters leakwatch components update.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leakwatch"

// Registry holds every leakwatch collector plus the standard Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// ScansIngested counts created scans by scan type.
	ScansIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_ingested_total",
		Help:      "Scans created, by scan type.",
	}, []string{"scan_type"})

	// FindingsIngested counts findings linked to scans, by outcome (created, updated, reused).
	FindingsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_ingested_total",
		Help:      "Findings linked to a scan, by outcome.",
	}, []string{"outcome"})

	// AuditsCreated counts appended audits by status and by whether a person or the system wrote them.
	AuditsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audits_created_total",
		Help:      "Audits appended, by status and origin.",
	}, []string{"status", "origin"})

	// LatestFlagsChanged counts is_latest flips by table and new value.
	LatestFlagsChanged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "latest_flags_changed_total",
		Help:      "Rows whose is_latest flag was changed by a resolver.",
	}, []string{"table", "value"})

	// BatchChunks counts chunks committed by the batch reconciler.
	BatchChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_chunks_total",
		Help:      "Chunks applied by the batch reconciler.",
	})

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests, by method, route and status code.",
	}, []string{"method", "route", "code"})

	// HTTPDuration observes API request latency by route.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ScansIngested,
		FindingsIngested,
		AuditsCreated,
		LatestFlagsChanged,
		BatchChunks,
		HTTPRequests,
		HTTPDuration,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// AuditOrigin returns the origin label for an auditor name.
func AuditOrigin(automated bool) string {
	if automated {
		return "automated"
	}
	return "manual"
}
