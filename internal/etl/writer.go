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
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/apexplay/datasync/internal/pgutil"
)

// Postgres SQLSTATE classes the writer distinguishes.
const (
	sqlstateUniqueViolation = "23505"
	sqlstateIntegrityClass  = "23"
)

// WriterConfig tunes target write behaviour.
type WriterConfig struct {
	QueryTimeout time.Duration
}

// DefaultWriterConfig returns the 120 s target write budget.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{QueryTimeout: 120 * time.Second}
}

// WriteStats accumulates the outcome of one or more LoadBatch calls.
type WriteStats struct {
	Loaded   int
	Inserted int
	Updated  int
	Skipped  int
	Errors   []string
}

// Add merges other into s.
func (s *WriteStats) Add(other *WriteStats) {
	s.Loaded += other.Loaded
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Errors = append(s.Errors, other.Errors...)
}

// TargetWriter upserts mapped records into the target table keyed on the
// table's external-id column. One transaction spans each batch; a unique
// conflict on insert is counted as skipped, any other row error rolls the
// batch back.
type TargetWriter struct {
	pool *pgxpool.Pool
	cfg  WriterConfig
	log  *zap.SugaredLogger
}

// NewTargetWriter creates a writer over an existing target pool.
func NewTargetWriter(pool *pgxpool.Pool, cfg WriterConfig, log *zap.SugaredLogger) *TargetWriter {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultWriterConfig().QueryTimeout
	}
	return &TargetWriter{pool: pool, cfg: cfg, log: log}
}

// LoadBatch writes rows into the table's target. The transaction commits iff
// every row succeeded or was classified as skipped.
func (w *TargetWriter) LoadBatch(ctx context.Context, table *TableConfig, rows []Record) (*WriteStats, error) {
	stats := &WriteStats{}
	if len(rows) == 0 {
		return stats, nil
	}
	if table.ExternalKey == "" {
		return stats, fmt.Errorf("etl: table %s declares no external key", table.TargetTable)
	}

	wctx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
	defer cancel()

	tx, err := w.pool.Begin(wctx)
	if err != nil {
		return stats, fmt.Errorf("etl: begin target tx: %w", err)
	}
	defer func() { _ = tx.Rollback(wctx) }()

	inserted := make(map[string]bool, len(rows))
	for _, row := range rows {
		if err := w.writeRow(wctx, tx, table, row, inserted, stats); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			return stats, err
		}
	}

	if err := tx.Commit(wctx); err != nil {
		return stats, fmt.Errorf("etl: commit target tx: %w", err)
	}
	return stats, nil
}

func (w *TargetWriter) writeRow(ctx context.Context, tx pgx.Tx, table *TableConfig, row Record, inserted map[string]bool, stats *WriteStats) error {
	cols, vals, err := rowColumns(row)
	if err != nil {
		return err
	}

	keyVal, ok := row[table.ExternalKey]
	if !ok || keyVal == nil {
		return fmt.Errorf("etl: row is missing external key %s", table.ExternalKey)
	}

	key := fmt.Sprint(keyVal)
	if inserted[key] {
		// An earlier row in this batch already inserted this key; the
		// duplicate is skipped, not double-written.
		w.log.Debugw("skipping duplicate insert",
			"table", table.TargetTable, "key", table.ExternalKey, "value", keyVal)
		stats.Skipped++
		return nil
	}

	var existingID int64
	err = tx.QueryRow(ctx,
		"SELECT id FROM "+table.TargetTable+" WHERE "+table.ExternalKey+" = $1",
		keyVal,
	).Scan(&existingID)

	switch {
	case err == nil:
		if err := updateRow(ctx, tx, table.TargetTable, cols, vals, existingID); err != nil {
			return err
		}
		stats.Updated++
		stats.Loaded++
		return nil

	case errors.Is(err, pgx.ErrNoRows):
		ok, err := insertRow(ctx, tx, table.TargetTable, cols, vals)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent writer committed the key between the lookup and
			// the insert; the external key makes the retry a no-op.
			w.log.Debugw("skipping duplicate insert",
				"table", table.TargetTable, "key", table.ExternalKey, "value", keyVal)
			stats.Skipped++
			return nil
		}
		inserted[key] = true
		stats.Inserted++
		stats.Loaded++
		return nil

	default:
		return fmt.Errorf("etl: looking up %s by %s: %w", table.TargetTable, table.ExternalKey, err)
	}
}

// rowColumns returns the writable columns of a row in sorted order, with the
// mapper's reserved keys stripped.
func rowColumns(row Record) ([]string, []any, error) {
	cols := make([]string, 0, len(row))
	for col := range row {
		if col == MetadataKey || col == UniqueFieldsKey {
			continue
		}
		if !pgutil.ValidIdent(col) {
			return nil, nil, fmt.Errorf("etl: invalid target column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	vals := make([]any, len(cols))
	for i, col := range cols {
		vals[i] = row[col]
	}
	return cols, vals, nil
}

// insertRow inserts one row and reports whether a row was written. A unique
// conflict resolves to zero affected rows via ON CONFLICT instead of erroring;
// an errored statement would abort the transaction and poison the rest of the
// batch.
func insertRow(ctx context.Context, tx pgx.Tx, targetTable string, cols []string, vals []any) (bool, error) {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	query := "INSERT INTO " + targetTable +
		" (" + strings.Join(cols, ", ") + ", created_at, updated_at)" +
		" VALUES (" + strings.Join(placeholders, ", ") + ", now(), now())" +
		" ON CONFLICT DO NOTHING"
	tag, err := tx.Exec(ctx, query, vals...)
	if err != nil {
		return false, fmt.Errorf("etl: inserting into %s: %w", targetTable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func updateRow(ctx context.Context, tx pgx.Tx, targetTable string, cols []string, vals []any, id int64) error {
	assignments := make([]string, len(cols))
	for i, col := range cols {
		assignments[i] = col + " = $" + strconv.Itoa(i+1)
	}
	query := "UPDATE " + targetTable + " SET " + strings.Join(assignments, ", ") +
		", updated_at = now() WHERE id = $" + strconv.Itoa(len(cols)+1)
	args := append(append([]any{}, vals...), id)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("etl: updating %s id=%d: %w", targetTable, id, err)
	}
	return nil
}

// IsIntegrityError reports whether err is a Postgres integrity constraint
// violation other than a unique conflict.
func IsIntegrityError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		strings.HasPrefix(pgErr.Code, sqlstateIntegrityClass) &&
		pgErr.Code != sqlstateUniqueViolation
}
