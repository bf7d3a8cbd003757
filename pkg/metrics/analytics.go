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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AnalyticsMetrics holds Prometheus metrics for analytics generation.
type AnalyticsMetrics struct {
	// GenerationSeconds tracks rollup generation duration by period type.
	GenerationSeconds *prometheus.HistogramVec
	// RowsUpsertedTotal counts analytics rows written by entity kind.
	RowsUpsertedTotal *prometheus.CounterVec
	// CPAQualificationsTotal counts users newly qualified for CPA.
	CPAQualificationsTotal prometheus.Counter
	// CacheHitsTotal counts analytics hot cache hits and misses.
	CacheHitsTotal *prometheus.CounterVec
}

// NewAnalyticsMetrics creates and registers analytics metrics on the default
// registry.
func NewAnalyticsMetrics() *AnalyticsMetrics {
	return NewAnalyticsMetricsWithRegistry(nil)
}

// NewAnalyticsMetricsWithRegistry creates analytics metrics registered on reg.
// A nil registry uses the default registerer.
func NewAnalyticsMetricsWithRegistry(reg prometheus.Registerer) *AnalyticsMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &AnalyticsMetrics{
		GenerationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datasync_analytics_generation_seconds",
			Help:    "Duration of analytics rollup generation by period type",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"period_type"}),
		RowsUpsertedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_analytics_rows_upserted_total",
			Help: "Total analytics rows upserted by entity kind",
		}, []string{"kind"}),
		CPAQualificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_analytics_cpa_qualifications_total",
			Help: "Total users qualified for CPA during generation",
		}),
		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_analytics_cache_total",
			Help: "Analytics hot cache lookups by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.GenerationSeconds, m.RowsUpsertedTotal,
		m.CPAQualificationsTotal, m.CacheHitsTotal,
	)
	return m
}

// RecordGeneration observes a completed rollup generation.
func (m *AnalyticsMetrics) RecordGeneration(periodType string, d time.Duration) {
	m.GenerationSeconds.WithLabelValues(periodType).Observe(d.Seconds())
}

// RecordUpsert increments the upsert counter for an entity kind.
func (m *AnalyticsMetrics) RecordUpsert(kind string) {
	m.RowsUpsertedTotal.WithLabelValues(kind).Inc()
}

// RecordCPAQualification increments the qualification counter.
func (m *AnalyticsMetrics) RecordCPAQualification() {
	m.CPAQualificationsTotal.Inc()
}

// RecordCacheHit records a hot cache lookup result ("hit" or "miss").
func (m *AnalyticsMetrics) RecordCacheHit(result string) {
	m.CacheHitsTotal.WithLabelValues(result).Inc()
}
