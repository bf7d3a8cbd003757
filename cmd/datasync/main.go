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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/apexplay/datasync/internal/analytics"
	"github.com/apexplay/datasync/internal/cache"
	"github.com/apexplay/datasync/internal/config"
	"github.com/apexplay/datasync/internal/core"
	"github.com/apexplay/datasync/internal/etl"
	"github.com/apexplay/datasync/internal/exports"
	"github.com/apexplay/datasync/internal/realtime"
	"github.com/apexplay/datasync/internal/scheduler"
	"github.com/apexplay/datasync/internal/synclog"
	"github.com/apexplay/datasync/internal/target"
	"github.com/apexplay/datasync/pkg/logging"
	"github.com/apexplay/datasync/pkg/metrics"
)

// flags groups all CLI flags for the datasync binary. Connection URLs come
// from the environment; everything operational has a flag.
type flags struct {
	opts             config.Options
	migrate          bool
	logRetentionDays int
}

func parseFlags() *flags {
	f := &flags{opts: config.OptionsFromEnv()}

	flag.StringVar(&f.opts.TablesPath, "tables-config", "",
		"Path to table descriptors YAML (built-in descriptors when empty)")
	flag.StringVar(&f.opts.SettingsPath, "settings-config", "",
		"Path to runtime settings YAML (defaults when empty)")
	flag.StringVar(&f.opts.MetricsAddr, "metrics-addr", f.opts.MetricsAddr,
		"Prometheus metrics address")
	flag.StringVar(&f.opts.Timezone, "timezone", f.opts.Timezone,
		"Timezone the cron schedules are evaluated in")
	flag.StringVar(&f.opts.FullSyncSchedule, "full-sync-schedule",
		f.opts.FullSyncSchedule, "Cron expression for the full sync")
	flag.StringVar(&f.opts.IncrementalSyncSchedule, "incremental-sync-schedule",
		f.opts.IncrementalSyncSchedule, "Cron expression for the incremental sync")
	flag.StringVar(&f.opts.CleanupSchedule, "cleanup-schedule",
		f.opts.CleanupSchedule, "Cron expression for the cleanup pass")
	flag.BoolVar(&f.migrate, "migrate", true,
		"Run target schema migrations on startup")
	flag.IntVar(&f.logRetentionDays, "log-retention-days", 90,
		"Days to keep finished sync log rows")
	flag.Parse()

	return f
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	if err := f.opts.Validate(); err != nil {
		return err
	}

	// --- Logger ---
	logger, err := logging.NewZapLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()
	slog.SetDefault(logging.SlogFromZap(logger))

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Metrics server (goroutine) ---
	syncMetrics := metrics.NewSyncMetrics()
	analyticsMetrics := metrics.NewAnalyticsMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: f.opts.MetricsAddr, Handler: mux}
	go func() {
		log.Infow("starting metrics server", "addr", f.opts.MetricsAddr)
		if srvErr := srv.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			log.Errorw("metrics server error", "error", srvErr)
		}
	}()
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	// --- Target schema ---
	if f.migrate {
		mg, err := target.NewMigrator(f.opts.TargetDatabaseURL, logging.NewLogr(logger))
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
		if err := mg.Up(); err != nil {
			_ = mg.Close()
			return fmt.Errorf("migrating target schema: %w", err)
		}
		if err := mg.Close(); err != nil {
			return fmt.Errorf("closing migrator: %w", err)
		}
	}

	// --- Runtime settings and table descriptors ---
	provider, err := loadProvider(f.opts.SettingsPath)
	if err != nil {
		return err
	}
	tables, err := loadTables(f.opts.TablesPath)
	if err != nil {
		return err
	}

	// --- Database pools ---
	sourcePool, err := pgxpool.New(ctx, f.opts.SourceDatabaseURL)
	if err != nil {
		return fmt.Errorf("creating source pool: %w", err)
	}
	targetPool, err := pgxpool.New(ctx, f.opts.TargetDatabaseURL)
	if err != nil {
		sourcePool.Close()
		return fmt.Errorf("creating target pool: %w", err)
	}

	// --- Pipeline ---
	reader := etl.NewSourceReader(sourcePool, etl.DefaultSourceConfig(), log)
	mapper := etl.NewRecordMapper(log)
	writer := etl.NewTargetWriter(targetPool, etl.DefaultWriterConfig(), log)
	logs := synclog.New(targetPool)
	syncer := etl.NewTableSyncer(
		reader, mapper, writer,
		etl.NewWatermarkStore(targetPool), logs, syncMetrics, log,
	)

	// Hot cache is optional; analytics degrade to the durable tier without it.
	var hot *cache.HotCache
	if f.opts.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: f.opts.RedisAddr})
		hot = cache.NewHotCache(client, analyticsMetrics, log)
		defer func() { _ = client.Close() }()
	}

	engine := analytics.NewEngine(reader, targetPool, provider, hot, analyticsMetrics, log)

	manager := core.New(core.Deps{
		SourcePool:   sourcePool,
		TargetPool:   targetPool,
		Provider:     provider,
		Tables:       tables,
		Syncer:       syncer,
		Engine:       engine,
		Cache:        cache.NewStore(targetPool),
		Exports:      exports.New(targetPool, provider),
		Logs:         logs,
		LogRetention: time.Duration(f.logRetentionDays) * 24 * time.Hour,
	}, log)

	sched, err := scheduler.New(scheduler.Config{
		FullSyncSchedule:        f.opts.FullSyncSchedule,
		IncrementalSyncSchedule: f.opts.IncrementalSyncSchedule,
		CleanupSchedule:         f.opts.CleanupSchedule,
		Timezone:                f.opts.Timezone,
	}, manager.Jobs(), syncMetrics, log)
	if err != nil {
		sourcePool.Close()
		targetPool.Close()
		return err
	}
	manager.Attach(sched)

	if err := manager.Initialize(ctx); err != nil {
		sourcePool.Close()
		targetPool.Close()
		return err
	}
	defer manager.Stop()

	// --- Real-time ingest (optional) ---
	if provider.DataSync().EnableRealTime && len(f.opts.KafkaBrokers) > 0 {
		ing, err := realtime.NewIngestor(
			realtime.Config{Brokers: f.opts.KafkaBrokers},
			tables,
			realtime.NewSyncApplier(mapper, writer, log),
			log,
		)
		if err != nil {
			return err
		}
		defer func() { _ = ing.Close() }()
		go func() {
			if runErr := ing.Run(ctx); runErr != nil && ctx.Err() == nil {
				log.Errorw("realtime ingest stopped", "error", runErr)
			}
		}()
	}

	log.Infow("datasync started",
		"tables", len(tables),
		"fullSyncSchedule", f.opts.FullSyncSchedule,
		"incrementalSyncSchedule", f.opts.IncrementalSyncSchedule,
		"timezone", f.opts.Timezone,
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

func loadProvider(path string) (config.Provider, error) {
	if path == "" {
		return config.NewStaticProvider(), nil
	}
	p, err := config.LoadProvider(path)
	if err != nil {
		return nil, fmt.Errorf("loading settings config: %w", err)
	}
	return p, nil
}

func loadTables(path string) ([]etl.TableConfig, error) {
	if path == "" {
		return etl.DefaultTables(), nil
	}
	tables, err := etl.LoadTables(path)
	if err != nil {
		return nil, fmt.Errorf("loading tables config: %w", err)
	}
	return tables, nil
}
