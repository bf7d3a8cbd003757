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

package config

import (
	"errors"
	"os"
	"strings"
)

// DefaultTimezone is the scheduler's tier-0 timezone.
const DefaultTimezone = "America/Sao_Paulo"

// Options is the process-level configuration of the datasync binary.
// Connection URLs come from the environment; everything else has a flag.
type Options struct {
	SourceDatabaseURL string
	TargetDatabaseURL string
	RedisAddr         string
	KafkaBrokers      []string
	MetricsAddr       string
	TablesPath        string
	SettingsPath      string
	Timezone          string

	FullSyncSchedule        string
	IncrementalSyncSchedule string
	CleanupSchedule         string
}

// OptionsFromEnv builds Options from the environment with the standard
// defaults. Flag values override the result in main.
func OptionsFromEnv() Options {
	return Options{
		SourceDatabaseURL:       os.Getenv("SOURCE_DATABASE_URL"),
		TargetDatabaseURL:       os.Getenv("TARGET_DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		MetricsAddr:             envOr("METRICS_ADDR", ":9090"),
		Timezone:                envOr("SYNC_TIMEZONE", DefaultTimezone),
		FullSyncSchedule:        envOr("FULL_SYNC_SCHEDULE", "0 2 * * *"),
		IncrementalSyncSchedule: envOr("INCREMENTAL_SYNC_SCHEDULE", "*/15 * * * *"),
		CleanupSchedule:         envOr("CLEANUP_SCHEDULE", "0 3 * * 0"),
	}
}

// Validate checks the options required to start the core.
func (o Options) Validate() error {
	if o.SourceDatabaseURL == "" {
		return errors.New("config: SOURCE_DATABASE_URL is required")
	}
	if o.TargetDatabaseURL == "" {
		return errors.New("config: TARGET_DATABASE_URL is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
