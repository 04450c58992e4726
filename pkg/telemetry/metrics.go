package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ImportMetrics tracks the importer loop.
type ImportMetrics struct {
	tasks    *prometheus.CounterVec
	packages prometheus.Counter
	duration prometheus.Histogram
	polls    *prometheus.CounterVec
}

// NewImportMetrics registers importer collectors on reg.
func NewImportMetrics(reg prometheus.Registerer) *ImportMetrics {
	m := &ImportMetrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "importer_tasks_total",
			Help: "Import tasks processed, by outcome tag.",
		}, []string{"outcome"}),
		packages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "importer_packages_total",
			Help: "Source packages committed to dist-git.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "importer_task_duration_seconds",
			Help:    "Wall time spent on one import task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "importer_polls_total",
			Help: "Queue polls, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.tasks, m.packages, m.duration, m.polls)
	return m
}

// ObserveTask records a finished task. outcome is "success" or a failure tag.
func (m *ImportMetrics) ObserveTask(outcome string, packages int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
	m.packages.Add(float64(packages))
	m.duration.Observe(elapsed.Seconds())
}

// ObservePoll records one queue poll: "task", "empty" or "error".
func (m *ImportMetrics) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

// BuildMetrics tracks remote builds.
type BuildMetrics struct {
	builds   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	steps    *prometheus.CounterVec
	running  prometheus.Gauge
}

// NewBuildMetrics registers builder collectors on reg.
func NewBuildMetrics(reg prometheus.Registerer) *BuildMetrics {
	m := &BuildMetrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "builder_builds_total",
			Help: "Finished builds, by status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "builder_build_duration_seconds",
			Help:    "Wall time of a build, by chroot.",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 21600},
		}, []string{"chroot"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "builder_steps_total",
			Help: "Builder protocol steps, by step and result.",
		}, []string{"step", "result"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "builder_running_builds",
			Help: "Builds currently driving a host.",
		}),
	}
	reg.MustRegister(m.builds, m.duration, m.steps, m.running)
	return m
}

// BuildStarted marks a build as running.
func (m *BuildMetrics) BuildStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

// BuildFinished records the final status of a build.
func (m *BuildMetrics) BuildFinished(status, chroot string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.builds.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(chroot).Observe(elapsed.Seconds())
}

// ObserveStep records one protocol step.
func (m *BuildMetrics) ObserveStep(step string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.steps.WithLabelValues(step, result).Inc()
}

// Handler exposes the collectors registered on gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
