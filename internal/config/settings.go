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

// Package config holds the typed runtime settings of the sync core and the
// provider that serves them. Settings are read per batch or per fire; a
// running batch never observes a mid-flight change.
package config

import (
	"fmt"
	"time"
)

// Setting keys recognized by the provider.
const (
	KeyDataSync           = "data_sync_settings"
	KeyAnalytics          = "analytics_settings"
	KeyExport             = "export_settings"
	KeyCPALevelAmounts    = "cpa_level_amounts"
	KeyCPAValidationRules = "cpa_validation_rules"
)

// DataSyncSettings govern batch sync behaviour.
type DataSyncSettings struct {
	SyncIntervalMinutes int      `json:"sync_interval_minutes"`
	BatchSize           int      `json:"batch_size"`
	MaxRetryAttempts    int      `json:"max_retry_attempts"`
	EnableRealTime      bool     `json:"enable_real_time"`
	SyncTables          []string `json:"sync_tables"`
}

// DefaultDataSyncSettings returns the fallback sync settings.
func DefaultDataSyncSettings() DataSyncSettings {
	return DataSyncSettings{
		SyncIntervalMinutes: 15,
		BatchSize:           1000,
		MaxRetryAttempts:    3,
		EnableRealTime:      false,
		SyncTables:          []string{"users", "transactions", "bets"},
	}
}

// Validate checks the settings are usable.
func (s DataSyncSettings) Validate() error {
	if s.SyncIntervalMinutes <= 0 {
		return fmt.Errorf("config: sync_interval_minutes must be positive, got %d", s.SyncIntervalMinutes)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", s.BatchSize)
	}
	if s.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: max_retry_attempts must be non-negative, got %d", s.MaxRetryAttempts)
	}
	return nil
}

// AnalyticsSettings govern aggregate generation and caching.
type AnalyticsSettings struct {
	RetentionDays           int      `json:"retention_days"`
	AggregationIntervals    []string `json:"aggregation_intervals"`
	EnableRealTimeAnalytics bool     `json:"enable_real_time_analytics"`
	CacheDurationMinutes    int      `json:"cache_duration_minutes"`
}

// DefaultAnalyticsSettings returns the fallback analytics settings.
func DefaultAnalyticsSettings() AnalyticsSettings {
	return AnalyticsSettings{
		RetentionDays:           365,
		AggregationIntervals:    []string{"DAILY", "WEEKLY", "MONTHLY"},
		EnableRealTimeAnalytics: false,
		CacheDurationMinutes:    30,
	}
}

// CacheTTL returns the configured cache duration as a time.Duration.
func (s AnalyticsSettings) CacheTTL() time.Duration {
	return time.Duration(s.CacheDurationMinutes) * time.Minute
}

// ExportSettings govern export generation and retention.
type ExportSettings struct {
	MaxFileSizeMB      int      `json:"max_file_size_mb"`
	RetentionDays      int      `json:"retention_days"`
	AllowedFormats     []string `json:"allowed_formats"`
	CompressionEnabled bool     `json:"compression_enabled"`
}

// DefaultExportSettings returns the fallback export settings.
func DefaultExportSettings() ExportSettings {
	return ExportSettings{
		MaxFileSizeMB:      100,
		RetentionDays:      7,
		AllowedFormats:     []string{"CSV", "JSON", "XLSX", "PDF"},
		CompressionEnabled: true,
	}
}

// FormatAllowed reports whether format is in the allowed list.
func (s ExportSettings) FormatAllowed(format string) bool {
	for _, f := range s.AllowedFormats {
		if f == format {
			return true
		}
	}
	return false
}

// CPALevelAmounts holds the per-level CPA payout table.
type CPALevelAmounts struct {
	Level1 float64 `json:"level_1"`
	Level2 float64 `json:"level_2"`
	Level3 float64 `json:"level_3"`
	Level4 float64 `json:"level_4"`
	Level5 float64 `json:"level_5"`
}

// DefaultCPALevelAmounts returns the standard 50/20/5/5/5 payout table.
func DefaultCPALevelAmounts() CPALevelAmounts {
	return CPALevelAmounts{Level1: 50, Level2: 20, Level3: 5, Level4: 5, Level5: 5}
}

// ForLevel returns the payout for MLM level 1..5, or 0 outside that range.
func (a CPALevelAmounts) ForLevel(level int) float64 {
	switch level {
	case 1:
		return a.Level1
	case 2:
		return a.Level2
	case 3:
		return a.Level3
	case 4:
		return a.Level4
	case 5:
		return a.Level5
	default:
		return 0
	}
}

// Criterion types recognized by the CPA rule evaluator.
const (
	CPACriterionDeposits   = "total_deposits"
	CPACriterionBetCount   = "bet_count"
	CPACriterionTotalBets  = "total_bets"
	CPACriterionDaysActive = "days_active"
)

// Logical operators joining criteria and groups.
const (
	OperatorAnd = "AND"
	OperatorOr  = "OR"
)

// CPACriterion is one threshold inside a rule group. Disabled criteria are
// skipped during evaluation.
type CPACriterion struct {
	Type    string  `json:"type"`
	Value   float64 `json:"value"`
	Enabled bool    `json:"enabled"`
}

// CPARuleGroup joins its criteria with Operator.
type CPARuleGroup struct {
	Operator string         `json:"operator"`
	Criteria []CPACriterion `json:"criteria"`
}

// CPAValidationRules is the full qualification rule set: groups joined by
// GroupOperator.
type CPAValidationRules struct {
	Groups        []CPARuleGroup `json:"groups"`
	GroupOperator string         `json:"group_operator"`
}

// DefaultCPAValidationRules returns the standard qualification rule:
// deposits >= 30 AND bet_count >= 10 AND total_bets >= 100 AND days_active >= 3.
func DefaultCPAValidationRules() CPAValidationRules {
	return CPAValidationRules{
		GroupOperator: OperatorAnd,
		Groups: []CPARuleGroup{{
			Operator: OperatorAnd,
			Criteria: []CPACriterion{
				{Type: CPACriterionDeposits, Value: 30, Enabled: true},
				{Type: CPACriterionBetCount, Value: 10, Enabled: true},
				{Type: CPACriterionTotalBets, Value: 100, Enabled: true},
				{Type: CPACriterionDaysActive, Value: 3, Enabled: true},
			},
		}},
	}
}
