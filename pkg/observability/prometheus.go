// Package observability provides Prometheus metrics for the volume attacher.
//
// The attacher is a one-shot process, so metrics are exported by writing the registry
// to a node-exporter textfile at the end of a run rather than by serving /metrics.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

const (
	// namespace is the Prometheus metric namespace prefix for all attacher metrics.
	namespace = "volume_attacher"
)

// Detach tiers, used as label values
const (
	DetachTierPassive = "passive"
	DetachTierPlain   = "plain"
	DetachTierForced  = "forced"
)

// Metrics holds all Prometheus metrics for the volume attacher.
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	lastSuccess  prometheus.Gauge
	stateReached *prometheus.CounterVec

	// Attachment metrics
	attachOpsTotal     *prometheus.CounterVec
	detachTiersTotal   *prometheus.CounterVec
	pollAttemptsTotal  *prometheus.CounterVec
	attachDuration     prometheus.Histogram
	filesystemOpsTotal *prometheus.CounterVec

	// Host mount handoff metrics
	cronMountsTotal   *prometheus.CounterVec
	cronMountDuration prometheus.Histogram

	// Service gate metrics
	serviceActionsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry so the textfile only contains attacher metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of reconciliation runs by outcome",
			},
			[]string{"outcome"},
		),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480},
		}),

		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}),

		stateReached: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of reconciler state transitions by target state",
			},
			[]string{"state"},
		),

		attachOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attach_operations_total",
				Help:      "Total number of attach operations by status",
			},
			[]string{"status"},
		),

		detachTiersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detach_tiers_total",
				Help:      "Total number of force-detach escalation tiers entered, by tier and result",
			},
			[]string{"tier", "result"},
		),

		pollAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Total number of convergence polls by site",
			},
			[]string{"site"},
		),

		attachDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attach_duration_seconds",
			Help:      "Duration from attach request to observed in-use state",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60},
		}),

		filesystemOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filesystem_operations_total",
				Help:      "Total number of filesystem provisioning decisions by result",
			},
			[]string{"result"},
		),

		cronMountsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_mounts_total",
				Help:      "Total number of host mount handoffs by status",
			},
			[]string{"status"},
		),

		cronMountDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cron_mount_duration_seconds",
			Help:      "Duration from script write to completion marker",
			Buckets:   []float64{5, 15, 30, 60, 90, 120},
		}),

		serviceActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_actions_total",
				Help:      "Total number of service directory actions by action and status",
			},
			[]string{"action", "status"},
		),
	}

	reg.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.lastSuccess,
		m.stateReached,
		m.attachOpsTotal,
		m.detachTiersTotal,
		m.pollAttemptsTotal,
		m.attachDuration,
		m.filesystemOpsTotal,
		m.cronMountsTotal,
		m.cronMountDuration,
		m.serviceActionsTotal,
	)

	return m
}

// Registry exposes the underlying registry (used by tests and the textfile writer)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes all metrics in text exposition format to path.
// The write is atomic (temp file + rename), as node-exporter expects.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	klog.V(4).Infof("Wrote metrics textfile %s", path)
	return nil
}

// RecordRun records the outcome of a whole run.
// outcome should be one of: skipped, success, failure.
func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
	if outcome != "failure" {
		m.lastSuccess.SetToCurrentTime()
	}
}

// RecordState records that the reconciler entered state
func (m *Metrics) RecordState(state string) {
	if m == nil {
		return
	}
	m.stateReached.WithLabelValues(state).Inc()
}

// RecordAttach records an attach operation with timing
func (m *Metrics) RecordAttach(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.attachOpsTotal.WithLabelValues(statusOf(err)).Inc()
	if err == nil {
		m.attachDuration.Observe(duration.Seconds())
	}
}

// RecordDetachTier records the result of one force-detach escalation tier.
// result should be one of: detached, exhausted, error.
func (m *Metrics) RecordDetachTier(tier, result string) {
	if m == nil {
		return
	}
	m.detachTiersTotal.WithLabelValues(tier, result).Inc()
}

// RecordPoll records one convergence poll at site
func (m *Metrics) RecordPoll(site string) {
	if m == nil {
		return
	}
	m.pollAttemptsTotal.WithLabelValues(site).Inc()
}

// RecordFilesystem records a provisioning decision.
// result should be one of: existing, formatted, skipped, failure.
func (m *Metrics) RecordFilesystem(result string) {
	if m == nil {
		return
	}
	m.filesystemOpsTotal.WithLabelValues(result).Inc()
}

// RecordCronMount records a host mount handoff
func (m *Metrics) RecordCronMount(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.cronMountsTotal.WithLabelValues(statusOf(err)).Inc()
	if err == nil {
		m.cronMountDuration.Observe(duration.Seconds())
	}
}

// RecordServiceAction records a service directory action.
// action should be one of: resolve, stop, redeploy.
func (m *Metrics) RecordServiceAction(action string, err error) {
	if m == nil {
		return
	}
	m.serviceActionsTotal.WithLabelValues(action, statusOf(err)).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
