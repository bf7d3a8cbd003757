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

// Package scheduler owns the cron recurrences of the sync core: full sync,
// incremental sync, and cleanup. At most one fire of each kind runs at any
// instant; a fire that lands while its kind is still running is dropped with
// a warning, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/apexplay/datasync/pkg/metrics"
)

// JobKind identifies one cron recurrence.
type JobKind string

const (
	KindFullSync        JobKind = "full_sync"
	KindIncrementalSync JobKind = "incremental_sync"
	KindCleanup         JobKind = "cleanup"
)

// Soft budgets per kind. A job exceeding its budget is cancelled at the next
// suspension point and its sync log row marked failed.
const (
	fullSyncBudget        = time.Hour
	incrementalSyncBudget = 5 * time.Minute
	cleanupBudget         = 30 * time.Minute
)

// Jobs are the callbacks the scheduler drives. All three must be set.
type Jobs struct {
	FullSync        func(ctx context.Context) error
	IncrementalSync func(ctx context.Context) error
	Cleanup         func(ctx context.Context) error
}

// Config holds the cron expressions (POSIX, minute precision) and the
// timezone they are evaluated in.
type Config struct {
	FullSyncSchedule        string
	IncrementalSyncSchedule string
	CleanupSchedule         string
	Timezone                string
}

// DefaultConfig returns the standard recurrences: full sync daily at 02:00,
// incremental sync every 15 minutes, cleanup weekly on Sunday at 03:00,
// evaluated in America/Sao_Paulo.
func DefaultConfig() Config {
	return Config{
		FullSyncSchedule:        "0 2 * * *",
		IncrementalSyncSchedule: "*/15 * * * *",
		CleanupSchedule:         "0 3 * * 0",
		Timezone:                "America/Sao_Paulo",
	}
}

// Scheduler runs the cron recurrences with the at-most-one-per-kind rule.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	metrics *metrics.SyncMetrics
	log     *zap.SugaredLogger

	mu        sync.Mutex
	running   map[JobKind]bool
	jobWG     sync.WaitGroup
	totalJobs int64
	dropped   int64

	baseCtx context.Context
	started bool
}

// New builds a scheduler from the configured expressions. Expressions are
// validated eagerly; a bad expression or timezone fails construction.
func New(cfg Config, jobs Jobs, m *metrics.SyncMetrics, log *zap.SugaredLogger) (*Scheduler, error) {
	if jobs.FullSync == nil || jobs.IncrementalSync == nil || jobs.Cleanup == nil {
		return nil, fmt.Errorf("scheduler: all job callbacks must be set")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: loading timezone %q: %w", cfg.Timezone, err)
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		jobs:    jobs,
		metrics: m,
		log:     log,
		running: make(map[JobKind]bool),
		baseCtx: context.Background(),
	}

	entries := []struct {
		kind   JobKind
		spec   string
		budget time.Duration
		run    func(ctx context.Context) error
	}{
		{KindFullSync, cfg.FullSyncSchedule, fullSyncBudget, jobs.FullSync},
		{KindIncrementalSync, cfg.IncrementalSyncSchedule, incrementalSyncBudget, jobs.IncrementalSync},
		{KindCleanup, cfg.CleanupSchedule, cleanupBudget, jobs.Cleanup},
	}
	for _, e := range entries {
		e := e
		if _, err := s.cron.AddFunc(e.spec, func() {
			s.fire(e.kind, e.budget, e.run)
		}); err != nil {
			return nil, fmt.Errorf("scheduler: bad %s schedule %q: %w", e.kind, e.spec, err)
		}
	}
	return s, nil
}

// Start begins firing. ctx bounds every job started after this call; Stop or
// ctx cancellation ends the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Infow("scheduler started",
		"entries", len(s.cron.Entries()), "timezone", s.cron.Location().String())
}

// Stop ceases future fires immediately and blocks until every running job
// has finished, including manual fires outside the cron loop.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.jobWG.Wait()
	s.log.Infow("scheduler stopped", "totalJobs", s.TotalJobs())
}

// fire runs one cron fire under the at-most-one-per-kind rule.
func (s *Scheduler) fire(kind JobKind, budget time.Duration, run func(ctx context.Context) error) {
	if !s.acquire(kind) {
		s.log.Warnw("dropping overlapping fire", "kind", kind)
		if s.metrics != nil {
			s.metrics.RecordDroppedFire(string(kind))
		}
		return
	}
	defer s.release(kind)

	ctx, cancel := context.WithTimeout(s.base(), budget)
	defer cancel()

	start := time.Now()
	err := run(ctx)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordRun(string(kind), elapsed)
	}
	if err != nil {
		s.log.Errorw("scheduled job failed", "kind", kind, "elapsed", elapsed, "error", err)
		return
	}
	s.log.Infow("scheduled job finished", "kind", kind, "elapsed", elapsed)
}

// acquire marks kind running. It returns false when the kind is already
// running; a dropped fire does not count toward totalJobs.
func (s *Scheduler) acquire(kind JobKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[kind] {
		s.dropped++
		return false
	}
	s.running[kind] = true
	s.jobWG.Add(1)
	s.totalJobs++
	if s.metrics != nil {
		s.metrics.SetRunning(string(kind), true)
	}
	return true
}

func (s *Scheduler) release(kind JobKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, kind)
	s.jobWG.Done()
	if s.metrics != nil {
		s.metrics.SetRunning(string(kind), false)
	}
}

func (s *Scheduler) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Running returns a snapshot of the currently running kinds.
func (s *Scheduler) Running() []JobKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]JobKind, 0, len(s.running))
	for kind := range s.running {
		kinds = append(kinds, kind)
	}
	return kinds
}

// TotalJobs returns the number of fires that actually ran.
func (s *Scheduler) TotalJobs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalJobs
}

// DroppedFires returns the number of fires dropped by the overlap rule.
func (s *Scheduler) DroppedFires() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
