/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the Prometheus metric bundles exposed by datasync.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics holds Prometheus metrics for ETL sync jobs.
type SyncMetrics struct {
	// RunDurationSeconds tracks sync run duration by job kind.
	RunDurationSeconds *prometheus.HistogramVec
	// RecordsProcessedTotal counts extracted records by table.
	RecordsProcessedTotal *prometheus.CounterVec
	// RecordsSuccessTotal counts loaded records by table.
	RecordsSuccessTotal *prometheus.CounterVec
	// RecordsFailedTotal counts rejected or errored records by table.
	RecordsFailedTotal *prometheus.CounterVec
	// BatchesProcessedTotal counts batches written by table.
	BatchesProcessedTotal *prometheus.CounterVec
	// DroppedFiresTotal counts scheduler fires dropped by the
	// at-most-one-per-kind rule.
	DroppedFiresTotal *prometheus.CounterVec
	// RunningJobs reports the number of running jobs per kind (0 or 1).
	RunningJobs *prometheus.GaugeVec
	// ErrorsTotal counts errors by operation.
	ErrorsTotal *prometheus.CounterVec
	// LastRunTimestamp records the last completed run per kind.
	LastRunTimestamp *prometheus.GaugeVec
}

// NewSyncMetrics creates and registers sync metrics on the default registry.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegistry(nil)
}

// NewSyncMetricsWithRegistry creates sync metrics registered on reg. A nil
// registry uses the default registerer. Tests pass an isolated registry.
func NewSyncMetricsWithRegistry(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &SyncMetrics{
		RunDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datasync_run_duration_seconds",
			Help:    "Duration of a sync run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 13), // 0.5s to ~1h
		}, []string{"kind"}),
		RecordsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_records_processed_total",
			Help: "Total records extracted from the source by table",
		}, []string{"table"}),
		RecordsSuccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_records_success_total",
			Help: "Total records loaded into the target by table",
		}, []string{"table"}),
		RecordsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_records_failed_total",
			Help: "Total records rejected or errored by table",
		}, []string{"table"}),
		BatchesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_batches_processed_total",
			Help: "Total batches written to the target by table",
		}, []string{"table"}),
		DroppedFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_dropped_fires_total",
			Help: "Scheduler fires dropped because the kind was already running",
		}, []string{"kind"}),
		RunningJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datasync_running_jobs",
			Help: "Number of currently running jobs per kind",
		}, []string{"kind"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_errors_total",
			Help: "Total number of sync errors by operation",
		}, []string{"operation"}),
		LastRunTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datasync_last_run_timestamp",
			Help: "Unix timestamp of the last completed run per kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.RunDurationSeconds, m.RecordsProcessedTotal, m.RecordsSuccessTotal,
		m.RecordsFailedTotal, m.BatchesProcessedTotal, m.DroppedFiresTotal,
		m.RunningJobs, m.ErrorsTotal, m.LastRunTimestamp,
	)
	return m
}

// RecordRun observes a completed run for the given kind.
func (m *SyncMetrics) RecordRun(kind string, d time.Duration) {
	m.RunDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
	m.LastRunTimestamp.WithLabelValues(kind).SetToCurrentTime()
}

// RecordTableStats adds per-table record counters after a table sync.
func (m *SyncMetrics) RecordTableStats(table string, processed, success, failed int64) {
	m.RecordsProcessedTotal.WithLabelValues(table).Add(float64(processed))
	m.RecordsSuccessTotal.WithLabelValues(table).Add(float64(success))
	m.RecordsFailedTotal.WithLabelValues(table).Add(float64(failed))
}

// RecordBatch increments the batch counter for a table.
func (m *SyncMetrics) RecordBatch(table string) {
	m.BatchesProcessedTotal.WithLabelValues(table).Inc()
}

// RecordDroppedFire increments the dropped-fire counter for a kind.
func (m *SyncMetrics) RecordDroppedFire(kind string) {
	m.DroppedFiresTotal.WithLabelValues(kind).Inc()
}

// SetRunning sets the running gauge for a kind.
func (m *SyncMetrics) SetRunning(kind string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	m.RunningJobs.WithLabelValues(kind).Set(v)
}

// RecordError increments the error counter for the given operation.
func (m *SyncMetrics) RecordError(operation string) {
	m.ErrorsTotal.WithLabelValues(operation).Inc()
}
