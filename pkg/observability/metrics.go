// Package observability bridges pipeline lifecycle events into prometheus
// collectors. Stage invocations are long-running external jobs, so the
// interesting signals are durations, retries and gate survivor counts
// rather than request rates.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/segdesign/segdesign/pkg/domain"
)

// Metrics holds the run's prometheus collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
	stageRuns     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	gateBefore    *prometheus.GaugeVec
	gateAfter     *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segdesign_stage_duration_seconds",
			Help:    "Wall-clock duration of stage invocations",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		}, []string{"stage"}),
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segdesign_stage_runs_total",
			Help: "Stage invocations by outcome",
		}, []string{"stage", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segdesign_stage_retries_total",
			Help: "Retries per stage",
		}, []string{"stage"}),
		gateBefore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segdesign_gate_candidates_before",
			Help: "Candidate count entering each gate",
		}, []string{"stage"}),
		gateAfter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segdesign_gate_candidates_after",
			Help: "Candidate count surviving each gate",
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.stageDuration, m.stageRuns, m.retries, m.gateBefore, m.gateAfter)
	return m
}

// Registry exposes the private registry for the status server's promhttp
// handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Hooks returns lifecycle hooks that feed the collectors. Compose with
// other hooks via Join when logging hooks are also wanted.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStageEnd: func(ctx context.Context, e *domain.StageEvent) {
			outcome := "success"
			switch {
			case e.Resumed:
				outcome = "resumed"
			case e.Err != nil:
				outcome = "failure"
			}
			m.stageRuns.WithLabelValues(string(e.Stage), outcome).Inc()
			if !e.Resumed && e.Err == nil {
				m.stageDuration.WithLabelValues(string(e.Stage)).Observe(e.Duration.Seconds())
			}
		},
		OnRetry: func(ctx context.Context, e *domain.RetryEvent) {
			m.retries.WithLabelValues(string(e.Stage)).Inc()
		},
		OnGate: func(ctx context.Context, e *domain.GateEvent) {
			m.gateBefore.WithLabelValues(string(e.Stage)).Set(float64(e.Before))
			m.gateAfter.WithLabelValues(string(e.Stage)).Set(float64(e.After))
		},
	}
}

// Join composes hook sets: every non-nil callback runs, in order.
func Join(hooks ...domain.LifecycleHooks) domain.LifecycleHooks {
	out := domain.LifecycleHooks{}
	out.OnStageStart = func(ctx context.Context, e *domain.StageEvent) {
		for _, h := range hooks {
			if h.OnStageStart != nil {
				h.OnStageStart(ctx, e)
			}
		}
	}
	out.OnStageEnd = func(ctx context.Context, e *domain.StageEvent) {
		for _, h := range hooks {
			if h.OnStageEnd != nil {
				h.OnStageEnd(ctx, e)
			}
		}
	}
	out.OnRetry = func(ctx context.Context, e *domain.RetryEvent) {
		for _, h := range hooks {
			if h.OnRetry != nil {
				h.OnRetry(ctx, e)
			}
		}
	}
	out.OnGate = func(ctx context.Context, e *domain.GateEvent) {
		for _, h := range hooks {
			if h.OnGate != nil {
				h.OnGate(ctx, e)
			}
		}
	}
	return out
}
