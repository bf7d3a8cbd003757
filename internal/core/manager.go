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

// Package core assembles the sync pipeline behind a single facade: pool
// lifecycle, scheduled and manual syncs, cleanup, and status reporting.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/apexplay/datasync/internal/analytics"
	"github.com/apexplay/datasync/internal/cache"
	"github.com/apexplay/datasync/internal/config"
	"github.com/apexplay/datasync/internal/etl"
	"github.com/apexplay/datasync/internal/exports"
	"github.com/apexplay/datasync/internal/scheduler"
	"github.com/apexplay/datasync/internal/synclog"
)

// Inter-table pacing: full syncs leave the source more room than
// incremental ones.
const (
	fullSyncPace        = 5 * time.Second
	incrementalSyncPace = 2 * time.Second
)

// ErrNotInitialized is returned by operations invoked before Initialize.
var ErrNotInitialized = errors.New("core: manager is not initialized")

// Deps are the collaborators the manager drives. Tables must be validated
// descriptors; Scheduler may be nil when cron is externally owned.
type Deps struct {
	SourcePool *pgxpool.Pool
	TargetPool *pgxpool.Pool
	Provider   config.Provider
	Tables     []etl.TableConfig

	Syncer  *etl.TableSyncer
	Engine  *analytics.Engine
	Cache   *cache.Store
	Exports *exports.Store
	Logs    *synclog.Store

	LogRetention time.Duration
}

// Summary aggregates the per-table results of one sync pass.
type Summary struct {
	Mode      etl.SyncMode
	StartedAt time.Time
	Elapsed   time.Duration
	Tables    []*etl.SyncResult

	TablesSynced int
	TablesFailed int
	Processed    int
	Loaded       int
	Rejected     int
}

// Status is the manager's health and counters snapshot.
type Status struct {
	Initialized  bool
	Healthy      bool
	SourceConns  int32
	TargetConns  int32
	RunningKinds []scheduler.JobKind
	TotalJobs    int64
	DroppedFires int64
	TotalSyncs   int64
	TotalRecords int64
}

// Manager is the process-wide facade. Initialize is idempotent; every other
// operation requires it.
type Manager struct {
	deps  Deps
	sched *scheduler.Scheduler
	log   *zap.SugaredLogger

	fullPace *rate.Limiter
	incPace  *rate.Limiter

	mu          sync.Mutex
	initialized bool
	stopped     bool

	totalSyncs   atomic.Int64
	totalRecords atomic.Int64
}

// New creates a manager. The scheduler is attached with Attach before
// Initialize so its jobs can close over the manager.
func New(deps Deps, log *zap.SugaredLogger) *Manager {
	return &Manager{
		deps:     deps,
		log:      log,
		fullPace: rate.NewLimiter(rate.Every(fullSyncPace), 1),
		incPace:  rate.NewLimiter(rate.Every(incrementalSyncPace), 1),
	}
}

// Jobs returns the scheduler callbacks bound to this manager.
func (m *Manager) Jobs() scheduler.Jobs {
	return scheduler.Jobs{
		FullSync: func(ctx context.Context) error {
			_, err := m.RunFullSync(ctx)
			if err != nil {
				return err
			}
			// The daily full pass carries its own cleanup.
			return m.RunCleanup(ctx)
		},
		IncrementalSync: func(ctx context.Context) error {
			_, err := m.RunIncrementalSync(ctx)
			return err
		},
		Cleanup: m.RunCleanup,
	}
}

// Attach hands the manager its scheduler.
func (m *Manager) Attach(s *scheduler.Scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sched = s
}

// Initialize verifies both database connections and starts the scheduler.
// Re-entry after success is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	if err := m.deps.SourcePool.Ping(ctx); err != nil {
		return fmt.Errorf("core: source database unreachable: %w", err)
	}
	if err := m.deps.TargetPool.Ping(ctx); err != nil {
		return fmt.Errorf("core: target database unreachable: %w", err)
	}

	if m.sched != nil {
		m.sched.Start(ctx)
	}
	m.initialized = true
	m.log.Infow("core manager initialized", "tables", len(m.deps.Tables))
	return nil
}

// RunFullSync synchronously syncs every enabled table in full mode.
func (m *Manager) RunFullSync(ctx context.Context) (*Summary, error) {
	return m.runAll(ctx, etl.ModeFull, m.fullPace, func(*etl.TableConfig) bool { return true })
}

// RunIncrementalSync synchronously syncs every enabled table that declares
// an incremental field.
func (m *Manager) RunIncrementalSync(ctx context.Context) (*Summary, error) {
	return m.runAll(ctx, etl.ModeIncremental, m.incPace, func(t *etl.TableConfig) bool {
		return t.SupportsIncremental()
	})
}

// runAll drives the syncer over the selected tables sequentially, pacing
// between tables. A table failure is recorded and the pass continues.
func (m *Manager) runAll(ctx context.Context, mode etl.SyncMode, pace *rate.Limiter, keep func(*etl.TableConfig) bool) (*Summary, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	batchSize := m.deps.Provider.DataSync().BatchSize
	summary := &Summary{Mode: mode, StartedAt: time.Now()}

	first := true
	for i := range m.deps.Tables {
		table := &m.deps.Tables[i]
		if !table.Enabled || !keep(table) {
			continue
		}
		if !first {
			if err := pace.Wait(ctx); err != nil {
				return summary, err
			}
		}
		first = false

		res := m.deps.Syncer.Sync(ctx, table, mode, etl.SyncOptions{BatchSize: batchSize})
		summary.add(res)
		m.totalSyncs.Add(1)
		m.totalRecords.Add(int64(res.RecordsLoaded))
	}

	summary.Elapsed = time.Since(summary.StartedAt)
	m.log.Infow("sync pass finished",
		"mode", mode,
		"tables", summary.TablesSynced,
		"failed", summary.TablesFailed,
		"loaded", summary.Loaded,
		"elapsed", summary.Elapsed)
	return summary, nil
}

// SyncTable syncs a single table by source name.
func (m *Manager) SyncTable(ctx context.Context, name string, mode etl.SyncMode, opts etl.SyncOptions) (*etl.SyncResult, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	table, err := etl.FindTable(m.deps.Tables, name)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = m.deps.Provider.DataSync().BatchSize
	}

	res := m.deps.Syncer.Sync(ctx, table, mode, opts)
	m.totalSyncs.Add(1)
	m.totalRecords.Add(int64(res.RecordsLoaded))
	return res, res.Err
}

// GenerateAnalytics runs both engines for one entity id and period.
func (m *Manager) GenerateAnalytics(ctx context.Context, entityID int64, pt analytics.PeriodType, refDate *time.Time) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	if _, err := m.deps.Engine.GenerateUserAnalytics(ctx, entityID, pt, refDate); err != nil {
		return err
	}
	_, err := m.deps.Engine.GenerateAffiliateAnalytics(ctx, entityID, pt, refDate)
	return err
}

// RunCleanup removes target-side orphans, refreshes planner statistics,
// prunes old sync logs, purges the expired cache tier, and expires overdue
// exports. Each step is attempted even when an earlier one fails.
func (m *Manager) RunCleanup(ctx context.Context) error {
	if err := m.requireInitialized(); err != nil {
		return err
	}
	logID, err := m.deps.Logs.Start(ctx, "scheduled", "all", synclog.OpCleanup)
	if err != nil {
		m.log.Warnw("could not start cleanup log row", "error", err)
	}

	var errs []error
	removed := int64(0)

	for _, table := range []string{"referrals", "bet_activities"} {
		tag, err := m.deps.TargetPool.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %s t
			WHERE NOT EXISTS (
				SELECT 1 FROM affiliates a WHERE a.external_user_id = t.external_user_id
			)`, table))
		if err != nil {
			errs = append(errs, fmt.Errorf("core: deleting orphans from %s: %w", table, err))
			continue
		}
		removed += tag.RowsAffected()
	}

	for _, table := range []string{"affiliates", "referrals", "bet_activities", "user_analytics", "affiliate_analytics"} {
		if _, err := m.deps.TargetPool.Exec(ctx, "ANALYZE "+table); err != nil {
			errs = append(errs, fmt.Errorf("core: analyzing %s: %w", table, err))
		}
	}

	pruned, err := m.deps.Logs.PruneOlderThan(ctx, m.deps.LogRetention)
	if err != nil {
		errs = append(errs, err)
	}
	purged, err := m.deps.Cache.PurgeExpired(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	expired, err := m.deps.Exports.ExpireOverdue(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	m.log.Infow("cleanup finished",
		"orphansRemoved", removed,
		"logsPruned", pruned,
		"cachePurged", purged,
		"exportsExpired", expired,
		"errors", len(errs))

	m.finishCleanupLog(ctx, logID, errs, map[string]any{
		"orphans_removed": removed,
		"logs_pruned":     pruned,
		"cache_purged":    purged,
		"exports_expired": expired,
	})
	return errors.Join(errs...)
}

// Status reports health and cumulative counters.
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	initialized := m.initialized
	sched := m.sched
	m.mu.Unlock()

	st := Status{
		Initialized:  initialized,
		TotalSyncs:   m.totalSyncs.Load(),
		TotalRecords: m.totalRecords.Load(),
	}
	if m.deps.SourcePool != nil {
		st.SourceConns = m.deps.SourcePool.Stat().TotalConns()
	}
	if m.deps.TargetPool != nil {
		st.TargetConns = m.deps.TargetPool.Stat().TotalConns()
	}
	if sched != nil {
		st.RunningKinds = sched.Running()
		st.TotalJobs = sched.TotalJobs()
		st.DroppedFires = sched.DroppedFires()
	}
	st.Healthy = initialized &&
		m.deps.SourcePool != nil && m.deps.SourcePool.Ping(ctx) == nil &&
		m.deps.TargetPool != nil && m.deps.TargetPool.Ping(ctx) == nil
	return st
}

// Stop shuts down gracefully: no new fires, wait for running jobs, then
// close both pools. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sched := m.sched
	m.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	m.deps.SourcePool.Close()
	m.deps.TargetPool.Close()
	m.log.Infow("core manager stopped")
}

func (m *Manager) requireInitialized() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// finishCleanupLog finalizes the cleanup log row; cleanup has no record
// accounting so the counts stay zero.
func (m *Manager) finishCleanupLog(ctx context.Context, logID uuid.UUID, errs []error, meta map[string]any) {
	if logID == uuid.Nil {
		return
	}
	status := synclog.StatusCompleted
	errMsg := ""
	if len(errs) > 0 {
		status = synclog.StatusFailed
		errMsg = errors.Join(errs...).Error()
	}
	if err := m.deps.Logs.Finish(ctx, logID, status, synclog.Counts{}, errMsg, meta); err != nil {
		m.log.Warnw("could not finish cleanup log row", "logId", logID, "error", err)
	}
}

func (s *Summary) add(res *etl.SyncResult) {
	s.Tables = append(s.Tables, res)
	if res.Success {
		s.TablesSynced++
	} else {
		s.TablesFailed++
	}
	s.Processed += res.RecordsProcessed
	s.Loaded += res.RecordsLoaded
	s.Rejected += res.RecordsRejected
}
