package enrich

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/pattern-search/internal/model"
)

// Metrics are the Prometheus collectors updated during a run.
type Metrics struct {
	Attempts prometheus.Counter
	Records  *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounter(prometheus.CounterOpts{
			Name: "pattern_search_label_attempts_total",
			Help: "Label requests sent, including retries.",
		}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pattern_search_label_records_total",
			Help: "Terminal label records written, by status.",
		}, []string{"status"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pattern_search_label_duration_seconds",
			Help:    "Latency of a single label request.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}
}

func (m *Metrics) observeAttempt(seconds float64) {
	if m == nil {
		return
	}
	m.Attempts.Inc()
	m.Duration.Observe(seconds)
}

func (m *Metrics) observeRecord(status model.LabelStatus) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(string(status)).Inc()
}
