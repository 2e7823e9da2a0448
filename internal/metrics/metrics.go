// Package metrics exports sync run counters in the prometheus text format.
// The CLI runs one sync per process, so the metrics are written to a
// node-exporter textfile after each run instead of being served.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"wikisync/internal/mirror"
)

// Metrics holds the run metrics. Each Metrics owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal              *prometheus.CounterVec
	RunDuration            *prometheus.HistogramVec
	EventsTotal            *prometheus.CounterVec
	MutationsTotal         *prometheus.CounterVec
	VersionsTotal          *prometheus.CounterVec
	RelocationsTotal       *prometheus.CounterVec
	IntegrityFailuresTotal *prometheus.CounterVec
	LastSuccess            *prometheus.GaugeVec
	SyncedUntil            *prometheus.GaugeVec
}

// New creates and registers the run metrics for one instance.
func New(instanceID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"instance_id": instanceID}

	return &Metrics{
		registry: reg,

		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "runs_total",
			Help:        "Sync runs by kind and outcome",
			ConstLabels: labels,
		}, []string{"kind", "status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "run_duration_seconds",
			Help:        "Wall time of sync runs",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}, []string{"kind"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "events_total",
			Help:        "Change-log entries read, by outcome",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		MutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "mutations_total",
			Help:        "Classified mutations applied or queued",
			ConstLabels: labels,
		}, []string{"kind", "mutation"}),
		VersionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "versions_total",
			Help:        "Version rows written by the timeline merger",
			ConstLabels: labels,
		}, []string{"kind", "action"}),
		RelocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "relocations_total",
			Help:        "Entities renamed or deleted to resolve identity conflicts",
			ConstLabels: labels,
		}, []string{"kind", "action"}),
		IntegrityFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "integrity_failures_total",
			Help:        "Versions skipped because their content never matched its hash",
			ConstLabels: labels,
		}, []string{"kind"}),
		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "last_success_timestamp_seconds",
			Help:        "Unix time the last successful run finished",
			ConstLabels: labels,
		}, []string{"kind"}),
		SyncedUntil: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "wikisync",
			Subsystem:   "sync",
			Name:        "synced_until_timestamp_seconds",
			Help:        "End of the last synced change window",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
}

// Registry returns the registry holding the run metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun records a finished run. rep may be nil when the run failed
// before the change stream was read.
func (m *Metrics) ObserveRun(kind mirror.Kind, rep *mirror.Report, runErr error, elapsed time.Duration, finished time.Time) {
	k := string(kind)
	status := "success"
	if runErr != nil {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(k, status).Inc()
	m.RunDuration.WithLabelValues(k).Observe(elapsed.Seconds())

	if rep != nil {
		m.EventsTotal.WithLabelValues(k, "read").Add(float64(rep.Events))
		m.EventsTotal.WithLabelValues(k, "malformed").Add(float64(rep.Malformed))

		m.MutationsTotal.WithLabelValues(k, "move").Add(float64(rep.Moves))
		m.MutationsTotal.WithLabelValues(k, "deletion").Add(float64(rep.Deletions))
		m.MutationsTotal.WithLabelValues(k, "restore").Add(float64(rep.Restores))
		m.MutationsTotal.WithLabelValues(k, "upload").Add(float64(rep.UploadsQueued))

		m.VersionsTotal.WithLabelValues(k, "inserted").Add(float64(rep.VersionsInserted))
		m.VersionsTotal.WithLabelValues(k, "restored").Add(float64(rep.VersionsRestored))
		m.VersionsTotal.WithLabelValues(k, "removed").Add(float64(rep.VersionsRemoved))
		m.VersionsTotal.WithLabelValues(k, "flags_updated").Add(float64(rep.FlagUpdates))

		m.RelocationsTotal.WithLabelValues(k, "renamed").Add(float64(rep.Relocations))
		m.RelocationsTotal.WithLabelValues(k, "deleted").Add(float64(rep.EntitiesDeleted))

		m.IntegrityFailuresTotal.WithLabelValues(k).Add(float64(len(rep.IntegrityFailures)))
	}

	if runErr == nil {
		m.LastSuccess.WithLabelValues(k).Set(float64(finished.Unix()))
		if rep != nil {
			m.SyncedUntil.WithLabelValues(k).Set(float64(rep.End.Unix()))
		}
	}
}

// WriteTextfile writes the metrics atomically to path in the text format
// read by the node exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
