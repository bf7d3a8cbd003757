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

package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apexplay/datasync/internal/synclog"
	"github.com/apexplay/datasync/pkg/metrics"
)

// SyncMode selects how a table sync reads its source.
type SyncMode string

const (
	// ModeFull reads the whole table under its filters, paginated by
	// primary key.
	ModeFull SyncMode = "full"
	// ModeIncremental reads rows whose incremental field exceeds the
	// watermark.
	ModeIncremental SyncMode = "incremental"
)

// SyncOptions tune one sync invocation.
type SyncOptions struct {
	// BatchSize overrides the default batch size when positive.
	BatchSize int
	// Watermark overrides the stored watermark for incremental mode.
	Watermark *time.Time
}

// defaultBatchSize applies when neither the call nor the configuration
// provides one.
const defaultBatchSize = 1000

// SyncResult reports per-stage stats for one table sync.
type SyncResult struct {
	Success            bool
	SyncType           SyncMode
	Table              string
	RecordsProcessed   int
	RecordsTransformed int
	RecordsRejected    int
	RecordsLoaded      int
	RecordsInserted    int
	RecordsUpdated     int
	RecordsSkipped     int
	Batches            int
	Rejected           []RejectedRecord
	Watermark          time.Time
	Err                error
}

// failed marks the result failed with err and returns it.
func (r *SyncResult) failed(err error) *SyncResult {
	r.Success = false
	r.Err = err
	return r
}

// TableSyncer orchestrates extract, map, and load for one table in either
// full or incremental mode.
type TableSyncer struct {
	source     *SourceReader
	mapper     *RecordMapper
	writer     *TargetWriter
	watermarks *WatermarkStore
	logs       *synclog.Store
	metrics    *metrics.SyncMetrics
	log        *zap.SugaredLogger
}

// NewTableSyncer wires the sync stages together. metrics may be nil.
func NewTableSyncer(
	source *SourceReader,
	mapper *RecordMapper,
	writer *TargetWriter,
	watermarks *WatermarkStore,
	logs *synclog.Store,
	m *metrics.SyncMetrics,
	log *zap.SugaredLogger,
) *TableSyncer {
	return &TableSyncer{
		source:     source,
		mapper:     mapper,
		writer:     writer,
		watermarks: watermarks,
		logs:       logs,
		metrics:    m,
		log:        log,
	}
}

// Sync runs one table sync and finalizes its sync log row. A stage failure
// produces a failed result; the caller decides whether to continue with other
// tables.
func (s *TableSyncer) Sync(ctx context.Context, table *TableConfig, mode SyncMode, opts SyncOptions) *SyncResult {
	res := &SyncResult{SyncType: mode, Table: table.SourceTable}

	logID, err := s.logs.Start(ctx, string(mode), table.SourceTable, synclog.OpSync)
	if err != nil {
		// The log row is bookkeeping; a failure to append it must not block
		// the sync itself.
		s.log.Warnw("could not start sync log row", "table", table.SourceTable, "error", err)
	}

	switch mode {
	case ModeIncremental:
		s.syncIncremental(ctx, table, opts, res)
	case ModeFull:
		s.syncFull(ctx, table, opts, res)
	default:
		res.failed(fmt.Errorf("etl: unknown sync mode %q", mode))
	}

	s.finalize(ctx, logID, res)
	s.recordMetrics(res)
	return res
}

func (s *TableSyncer) syncIncremental(ctx context.Context, table *TableConfig, opts SyncOptions, res *SyncResult) {
	if !table.SupportsIncremental() {
		res.failed(fmt.Errorf("%w: %s", ErrNoIncrementalField, table.SourceTable))
		return
	}

	watermark, err := s.resolveWatermark(ctx, table, opts)
	if err != nil {
		res.failed(err)
		return
	}

	rows, _, err := s.source.ReadBatch(ctx, table, ReadOptions{
		BatchSize:        batchSize(opts),
		IncrementalField: table.IncrementalField,
		Watermark:        watermark,
	})
	if err != nil {
		res.failed(err)
		return
	}
	if len(rows) == 0 {
		res.Success = true
		res.Watermark = watermark
		s.log.Infow("incremental sync found no new rows",
			"table", table.SourceTable, "watermark", watermark)
		return
	}

	if !s.processBatch(ctx, table, rows, res) {
		return
	}
	res.Batches = 1
	res.Success = true
	res.Watermark = maxIncremental(rows, table.IncrementalField, watermark)

	if err := s.watermarks.Set(ctx, table.SourceTable, res.Watermark, int64(res.RecordsLoaded)); err != nil {
		// The rows are committed; a stale watermark only causes re-reads,
		// which the writer's upsert absorbs.
		s.log.Warnw("could not advance watermark", "table", table.SourceTable, "error", err)
	}
}

func (s *TableSyncer) syncFull(ctx context.Context, table *TableConfig, opts SyncOptions, res *SyncResult) {
	var maxWM time.Time
	err := s.source.ReadAll(ctx, table, ReadOptions{BatchSize: batchSize(opts)},
		func(ctx context.Context, rows []Record) error {
			if !s.processBatch(ctx, table, rows, res) {
				return res.Err
			}
			res.Batches++
			if table.SupportsIncremental() {
				maxWM = maxIncremental(rows, table.IncrementalField, maxWM)
			}
			return nil
		})
	if err != nil {
		res.failed(err)
		return
	}

	res.Success = true
	if table.SupportsIncremental() && !maxWM.IsZero() {
		res.Watermark = maxWM
		if err := s.watermarks.Set(ctx, table.SourceTable, maxWM, int64(res.RecordsLoaded)); err != nil {
			s.log.Warnw("could not advance watermark", "table", table.SourceTable, "error", err)
		}
	}
}

// processBatch maps and writes one batch, accumulating stats on res. It
// returns false when the write failed fatally.
func (s *TableSyncer) processBatch(ctx context.Context, table *TableConfig, rows []Record, res *SyncResult) bool {
	mapped := s.mapper.MapBatch(table, rows)
	res.RecordsProcessed += mapped.Stats.Processed
	res.RecordsTransformed += mapped.Stats.Transformed
	res.RecordsRejected += mapped.Stats.Rejected
	res.Rejected = append(res.Rejected, mapped.Rejected...)

	s.log.Infow("mapped batch",
		"table", table.SourceTable,
		"processed", mapped.Stats.Processed,
		"transformed", mapped.Stats.Transformed,
		"rejected", mapped.Stats.Rejected,
		"successRate", fmt.Sprintf("%.2f", mapped.Stats.SuccessRatePct))

	stats, err := s.writer.LoadBatch(ctx, table, mapped.Records)
	res.RecordsLoaded += stats.Loaded
	res.RecordsInserted += stats.Inserted
	res.RecordsUpdated += stats.Updated
	res.RecordsSkipped += stats.Skipped
	if err != nil {
		res.failed(fmt.Errorf("etl: loading batch into %s: %w", table.TargetTable, err))
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordBatch(table.SourceTable)
	}
	return true
}

// resolveWatermark picks the incremental lower bound: caller option, stored
// watermark, then one hour ago.
func (s *TableSyncer) resolveWatermark(ctx context.Context, table *TableConfig, opts SyncOptions) (time.Time, error) {
	if opts.Watermark != nil {
		return *opts.Watermark, nil
	}
	stored, err := s.watermarks.Get(ctx, table.SourceTable)
	if err != nil {
		return time.Time{}, err
	}
	if !stored.IsZero() {
		return stored, nil
	}
	return time.Now().Add(-time.Hour), nil
}

// maxIncremental returns the greatest incremental-field value observed in
// rows, or fallback when none parses as a timestamp.
func maxIncremental(rows []Record, field string, fallback time.Time) time.Time {
	maxT := fallback
	for _, row := range rows {
		switch t := row[field].(type) {
		case time.Time:
			if t.After(maxT) {
				maxT = t
			}
		case *time.Time:
			if t != nil && t.After(maxT) {
				maxT = *t
			}
		}
	}
	return maxT
}

func batchSize(opts SyncOptions) int {
	if opts.BatchSize > 0 {
		return opts.BatchSize
	}
	return defaultBatchSize
}

// finalize closes the sync log row for this attempt. Writer errors beyond the
// rejected rows count toward failed records.
func (s *TableSyncer) finalize(ctx context.Context, logID uuid.UUID, res *SyncResult) {
	if logID == uuid.Nil {
		return
	}
	status := synclog.StatusCompleted
	errMsg := ""
	if !res.Success {
		status = synclog.StatusFailed
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
	}
	if ctx.Err() != nil {
		status = synclog.StatusCancelled
		ctx = context.WithoutCancel(ctx)
	}

	failed := res.RecordsRejected
	if !res.Success && res.RecordsProcessed > res.RecordsLoaded+failed {
		failed = res.RecordsProcessed - res.RecordsLoaded
	}
	counts := synclog.Counts{
		Processed: res.RecordsProcessed,
		Success:   res.RecordsLoaded,
		Failed:    failed,
	}
	meta := map[string]any{
		"batches":  res.Batches,
		"inserted": res.RecordsInserted,
		"updated":  res.RecordsUpdated,
		"skipped":  res.RecordsSkipped,
	}
	if err := s.logs.Finish(ctx, logID, status, counts, errMsg, meta); err != nil {
		s.log.Warnw("could not finalize sync log row", "table", res.Table, "error", err)
	}
}

func (s *TableSyncer) recordMetrics(res *SyncResult) {
	if s.metrics == nil {
		return
	}
	failed := res.RecordsRejected
	if !res.Success {
		failed = res.RecordsProcessed - res.RecordsLoaded
	}
	s.metrics.RecordTableStats(res.Table,
		int64(res.RecordsProcessed), int64(res.RecordsLoaded), int64(failed))
	if !res.Success {
		s.metrics.RecordError("table_sync")
	}
}
