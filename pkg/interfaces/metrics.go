package interfaces

import "time"

// MetricsExporter exports metrics to a monitoring backend.
type MetricsExporter interface {
	// Counter increments a counter metric.
	Counter(name string, value int64, tags map[string]string)

	// Gauge sets a gauge metric to the specified value.
	Gauge(name string, value float64, tags map[string]string)

	// Histogram records a value in a histogram.
	Histogram(name string, value float64, tags map[string]string)

	// Timer records a duration.
	Timer(name string, duration time.Duration, tags map[string]string)

	// Flush sends any buffered metrics to the backend.
	Flush() error

	// Close releases resources.
	Close() error
}

// Common metric names used throughout the system.
const (
	// Invocation metrics
	MetricInvokeTotal      = "riskflow.invoke.total"
	MetricInvokeErrors     = "riskflow.invoke.errors"
	MetricInvokeRejected   = "riskflow.invoke.rejected"
	MetricInvokeDuration   = "riskflow.invoke.duration"
	MetricInvokeQueueDepth = "riskflow.invoke.queue_depth"

	// Gateway metrics
	MetricGatewayMatched   = "riskflow.gateway.matched"
	MetricGatewayUnmatched = "riskflow.gateway.unmatched"

	// Activation metrics
	MetricActivationMatches   = "riskflow.activation.matches"
	MetricActivationElevation = "riskflow.activation.elevation"
	MetricActivationCases     = "riskflow.activation.cases"

	// Cache metrics
	MetricCacheReadLatency  = "riskflow.cache.read_latency"
	MetricCacheWriteLatency = "riskflow.cache.write_latency"
	MetricCacheErrors       = "riskflow.cache.errors"

	// Write-phase metrics
	MetricWritesLaunched = "riskflow.writes.launched"
	MetricWritesFailed   = "riskflow.writes.failed"

	// System metrics
	MetricMemoryUsage = "riskflow.system.memory_usage"
	MetricGoroutines  = "riskflow.system.goroutines"
)

// Common tag names.
const (
	TagModel     = "model"
	TagTenant    = "tenant"
	TagStage     = "stage"
	TagRule      = "rule"
	TagBackend   = "backend"
	TagStatus    = "status"
	TagOperation = "operation"
)
