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

// Package synclog persists one row per sync attempt in the target database.
// Rows are appended as RUNNING and finalized exactly once.
package synclog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apexplay/datasync/internal/pgutil"
)

// Operation values accepted by the data_sync_logs CHECK constraint.
const (
	OpSync      = "SYNC"
	OpExport    = "EXPORT"
	OpImport    = "IMPORT"
	OpCleanup   = "CLEANUP"
	OpAggregate = "AGGREGATE"
)

// Status values accepted by the data_sync_logs CHECK constraint.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Counts holds the record accounting of a finished attempt. The store
// enforces success+failed <= processed before writing.
type Counts struct {
	Processed int
	Success   int
	Failed    int
}

// Store reads and writes data_sync_logs rows. Writes use short-lived
// connections from the shared target pool, never the batch transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over the target pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Start appends a RUNNING row and returns its id.
func (s *Store) Start(ctx context.Context, syncType, tableName, operation string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_sync_logs (id, sync_type, table_name, operation, status, start_time)
		VALUES ($1, $2, $3, $4, $5, now())`,
		id, syncType, tableName, operation, StatusRunning,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("synclog: starting log row: %w", err)
	}
	return id, nil
}

// Finish finalizes a row: sets the end time, computes duration_ms from the
// stored start time, and records counts and the optional error message.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, status string, counts Counts, errMsg string, metadata map[string]any) error {
	if counts.Success+counts.Failed > counts.Processed {
		return fmt.Errorf("synclog: inconsistent counts: %d+%d > %d",
			counts.Success, counts.Failed, counts.Processed)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE data_sync_logs SET
			status = $2,
			records_processed = $3,
			records_success = $4,
			records_failed = $5,
			error_message = $6,
			metadata = $7,
			end_time = now(),
			duration_ms = (EXTRACT(EPOCH FROM (now() - start_time)) * 1000)::bigint
		WHERE id = $1`,
		id, status, counts.Processed, counts.Success, counts.Failed,
		pgutil.NullString(errMsg), pgutil.MarshalJSONB(metadata),
	)
	if err != nil {
		return fmt.Errorf("synclog: finishing log row %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("synclog: log row %s not found", id)
	}
	return nil
}

// PruneOlderThan deletes finalized rows older than the retention window and
// returns the number removed.
func (s *Store) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM data_sync_logs
		WHERE start_time < now() - $1::interval AND status <> $2`,
		fmt.Sprintf("%d seconds", int64(retention.Seconds())), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("synclog: pruning log rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
