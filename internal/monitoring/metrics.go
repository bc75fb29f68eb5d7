package monitoring

import (
	stdErrors "errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/rcourtman/pulse-cloudstack/internal/usage"
)

// Stage names used as metric labels.
const (
	StageEvents = "events"
	StageUsage  = "usage"
)

// PollMetrics manages Prometheus instrumentation for polling activity.
type PollMetrics struct {
	stageDuration  *prometheus.HistogramVec
	stageResults   *prometheus.CounterVec
	stageErrors    *prometheus.CounterVec
	lastSuccess    *prometheus.GaugeVec
	ticks          *prometheus.CounterVec
	eventsEmitted  *prometheus.CounterVec
	saveFailures   *prometheus.CounterVec
	checkpointTime *prometheus.GaugeVec
	usageCounters  *prometheus.GaugeVec

	mu               sync.Mutex
	lastSuccessByKey map[string]time.Time
}

// NewPollMetrics creates the collectors and registers them with reg.
// A nil reg uses the default registerer.
func NewPollMetrics(reg prometheus.Registerer) *PollMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	pm := &PollMetrics{
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "stage_duration_seconds",
				Help:      "Duration of each tick stage.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"tag", "stage"},
		),
		stageResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "stage_total",
				Help:      "Tick stages partitioned by result.",
			},
			[]string{"tag", "stage", "result"},
		),
		stageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "stage_errors_total",
				Help:      "Tick stage failures grouped by error type.",
			},
			[]string{"tag", "stage", "error_type"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "stage_last_success_timestamp",
				Help:      "Unix timestamp of the last successful stage run.",
			},
			[]string{"tag", "stage"},
		),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "ticks_total",
				Help:      "Scheduler ticks executed.",
			},
			[]string{"tag"},
		),
		eventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "events_emitted_total",
				Help:      "New events emitted downstream.",
			},
			[]string{"tag"},
		),
		saveFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "state_save_failures_total",
				Help:      "Failed checkpoint or baseline saves.",
			},
			[]string{"tag", "kind"},
		),
		checkpointTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "checkpoint_reference_timestamp",
				Help:      "Unix timestamp of the checkpoint reference instant.",
			},
			[]string{"tag"},
		),
		usageCounters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pulse",
				Subsystem: "cloudstack",
				Name:      "usage",
				Help:      "Last emitted value of each usage counter.",
			},
			[]string{"tag", "counter"},
		),
		lastSuccessByKey: make(map[string]time.Time),
	}

	reg.MustRegister(
		pm.stageDuration,
		pm.stageResults,
		pm.stageErrors,
		pm.lastSuccess,
		pm.ticks,
		pm.eventsEmitted,
		pm.saveFailures,
		pm.checkpointTime,
		pm.usageCounters,
	)

	return pm
}

// StageResult describes one finished stage.
type StageResult struct {
	Tag       string
	Stage     string
	Error     error
	StartTime time.Time
	EndTime   time.Time
}

// RecordStage records metrics for a finished stage.
func (pm *PollMetrics) RecordStage(result StageResult) {
	if pm == nil {
		return
	}

	duration := result.EndTime.Sub(result.StartTime).Seconds()
	if duration < 0 {
		duration = 0
	}
	pm.stageDuration.WithLabelValues(result.Tag, result.Stage).Observe(duration)

	if result.Error == nil {
		pm.stageResults.WithLabelValues(result.Tag, result.Stage, "success").Inc()
		pm.lastSuccess.WithLabelValues(result.Tag, result.Stage).Set(float64(result.EndTime.Unix()))
		pm.mu.Lock()
		pm.lastSuccessByKey[result.Tag+"/"+result.Stage] = result.EndTime
		pm.mu.Unlock()
		return
	}

	pm.stageResults.WithLabelValues(result.Tag, result.Stage, "error").Inc()
	pm.stageErrors.WithLabelValues(result.Tag, result.Stage, classifyError(result.Error)).Inc()
}

// LastSuccess returns when stage last succeeded for tag.
func (pm *PollMetrics) LastSuccess(tag, stage string) (time.Time, bool) {
	if pm == nil {
		return time.Time{}, false
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	t, ok := pm.lastSuccessByKey[tag+"/"+stage]
	return t, ok
}

func (pm *PollMetrics) IncTick(tag string) {
	if pm == nil {
		return
	}
	pm.ticks.WithLabelValues(tag).Inc()
}

func (pm *PollMetrics) AddEventsEmitted(tag string, n int) {
	if pm == nil || n <= 0 {
		return
	}
	pm.eventsEmitted.WithLabelValues(tag).Add(float64(n))
}

func (pm *PollMetrics) IncSaveFailure(tag, kind string) {
	if pm == nil {
		return
	}
	pm.saveFailures.WithLabelValues(tag, kind).Inc()
}

func (pm *PollMetrics) SetCheckpointReference(tag string, ref time.Time) {
	if pm == nil || ref.IsZero() {
		return
	}
	pm.checkpointTime.WithLabelValues(tag).Set(float64(ref.Unix()))
}

// SetUsage exports every counter of snap, including zero-filled ones.
func (pm *PollMetrics) SetUsage(tag string, snap usage.Snapshot) {
	if pm == nil {
		return
	}
	for counter, value := range snap {
		pm.usageCounters.WithLabelValues(tag, counter).Set(float64(value))
	}
}

func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	var pollErr *internalerrors.PollError
	if stdErrors.As(err, &pollErr) {
		return string(pollErr.Type)
	}

	return "unknown"
}
