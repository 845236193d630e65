package metrics

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/riskflow/riskflow/pkg/interfaces"
)

// LogMetrics writes metrics through an injected standard logger. Useful for
// debugging and development.
type LogMetrics struct {
	mu     sync.Mutex
	logger *log.Logger
	prefix string
}

// NewLogMetrics creates a log-based metrics exporter. A nil logger falls
// back to the default logger.
func NewLogMetrics(logger *log.Logger) *LogMetrics {
	if logger == nil {
		logger = log.Default()
	}
	return &LogMetrics{logger: logger, prefix: "[metrics]"}
}

// Counter logs a counter metric.
func (m *LogMetrics) Counter(name string, value int64, tags map[string]string) {
	m.log("counter", name, fmt.Sprintf("%d", value), tags)
}

// Gauge logs a gauge metric.
func (m *LogMetrics) Gauge(name string, value float64, tags map[string]string) {
	m.log("gauge", name, fmt.Sprintf("%.4f", value), tags)
}

// Histogram logs a histogram metric.
func (m *LogMetrics) Histogram(name string, value float64, tags map[string]string) {
	m.log("histogram", name, fmt.Sprintf("%.4f", value), tags)
}

// Timer logs a timer metric.
func (m *LogMetrics) Timer(name string, duration time.Duration, tags map[string]string) {
	m.log("timer", name, duration.String(), tags)
}

// Flush does nothing; lines are written immediately.
func (m *LogMetrics) Flush() error {
	return nil
}

// Close does nothing.
func (m *LogMetrics) Close() error {
	return nil
}

func (m *LogMetrics) log(metricType, name, value string, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Printf("%s %s %s=%s%s", m.prefix, metricType, name, value, formatTags(tags))
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}

	// Sort keys for consistent output
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, tags[k])
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

// Verify interface compliance.
var _ interfaces.MetricsExporter = (*LogMetrics)(nil)
