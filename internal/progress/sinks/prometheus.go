package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/zsxq-crawler/internal/progress"
)

// PrometheusSink exports task lifecycle metrics.
type PrometheusSink struct {
	events  *prometheus.CounterVec
	results *prometheus.CounterVec
	runtime *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zsxq_task_events_total",
			Help: "Task lifecycle events by stage.",
		}, []string{"stage"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zsxq_task_results_total",
			Help: "Finished tasks by kind and result.",
		}, []string{"kind", "result"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zsxq_task_runtime_seconds",
			Help:    "Wall time of finished tasks.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"kind", "result"}),
	}
	for _, c := range []prometheus.Collector{s.events, s.results, s.runtime} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register task collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		if !evt.Stage.Terminal() {
			continue
		}
		kind := evt.Kind
		if kind == "" {
			kind = "unknown"
		}
		result := evt.Stage.Result()
		s.results.WithLabelValues(kind, result).Inc()
		if evt.Dur > 0 {
			s.runtime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
