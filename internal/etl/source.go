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
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/apexplay/datasync/internal/pgutil"
)

// SourceConfig tunes source read behaviour.
type SourceConfig struct {
	MaxRetries   int
	RetryDelay   time.Duration
	QueryTimeout time.Duration
}

// DefaultSourceConfig returns the source read defaults: bounded retries and
// the 60 s per-query budget.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		MaxRetries:   3,
		RetryDelay:   2 * time.Second,
		QueryTimeout: 60 * time.Second,
	}
}

// ReadOptions carry the pagination, watermark, and ad-hoc filter state of a
// single read.
type ReadOptions struct {
	BatchSize        int
	Offset           int
	IncrementalField string
	Watermark        time.Time
	ExtraFilters     map[string]any
	OrderBy          string
}

// SourceReader streams rows from the source database for a logical table.
// Reads run behind a circuit breaker: repeated transport failures trip it so
// a dead source fails fast instead of holding retries per batch.
type SourceReader struct {
	pool    *pgxpool.Pool
	cfg     SourceConfig
	breaker *gobreaker.CircuitBreaker[[]Record]
	log     *zap.SugaredLogger
}

// NewSourceReader creates a reader over an existing source pool.
func NewSourceReader(pool *pgxpool.Pool, cfg SourceConfig, log *zap.SugaredLogger) *SourceReader {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultSourceConfig().QueryTimeout
	}
	breaker := gobreaker.NewCircuitBreaker[[]Record](gobreaker.Settings{
		Name:    "source-reads",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("source read breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &SourceReader{pool: pool, cfg: cfg, breaker: breaker, log: log}
}

// ReadBatch reads up to opts.BatchSize rows from the table under its filters.
// It reports hasMore=true when exactly BatchSize rows came back; pagination
// is monotonic under the chosen ordering.
func (r *SourceReader) ReadBatch(ctx context.Context, table *TableConfig, opts ReadOptions) ([]Record, bool, error) {
	if opts.BatchSize <= 0 {
		return nil, false, fmt.Errorf("etl: batch size must be positive, got %d", opts.BatchSize)
	}

	query, args, err := buildSelect(table, opts)
	if err != nil {
		return nil, false, err
	}

	rows, err := r.queryWithRetry(ctx, query, args)
	if err != nil {
		return nil, false, err
	}
	return rows, len(rows) == opts.BatchSize, nil
}

// ReadAll drives onBatch over the whole table with growing offsets until a
// short batch signals the end. The callback error aborts the scan.
func (r *SourceReader) ReadAll(
	ctx context.Context, table *TableConfig, opts ReadOptions,
	onBatch func(ctx context.Context, rows []Record) error,
) error {
	opts.Offset = 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, hasMore, err := r.ReadBatch(ctx, table, opts)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := onBatch(ctx, rows); err != nil {
				return err
			}
		}
		if !hasMore {
			return nil
		}
		opts.Offset += opts.BatchSize
	}
}

// queryWithRetry executes one read through the breaker, retrying transport
// failures up to MaxRetries with RetryDelay between attempts. A query timeout
// fails the current batch only.
func (r *SourceReader) queryWithRetry(ctx context.Context, query string, args []any) ([]Record, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			r.log.Warnw("retrying source read", "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(r.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		rows, err := r.breaker.Execute(func() ([]Record, error) {
			return r.query(ctx, query, args)
		})
		if err == nil {
			return rows, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("etl: source read failed after %d retries: %w", r.cfg.MaxRetries, lastErr)
}

func (r *SourceReader) query(ctx context.Context, query string, args []any) ([]Record, error) {
	qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	rows, err := r.pool.Query(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("etl: source query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("etl: scanning source row: %w", err)
		}
		rec := make(Record, len(fields))
		for i, fd := range fields {
			rec[string(fd.Name)] = values[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("etl: reading source rows: %w", err)
	}
	return out, nil
}

// buildSelect composes the parameterized SELECT for one read. All filter
// values travel as bind parameters; identifiers are allow-listed.
func buildSelect(table *TableConfig, opts ReadOptions) (string, []any, error) {
	cols, err := selectColumns(table)
	if err != nil {
		return "", nil, err
	}

	qb := &pgutil.QueryBuilder{}
	if err := addFilters(qb, table.Filters); err != nil {
		return "", nil, err
	}
	if err := addFilters(qb, opts.ExtraFilters); err != nil {
		return "", nil, err
	}
	if opts.IncrementalField != "" {
		if err := qb.Op(opts.IncrementalField, "gt", opts.Watermark); err != nil {
			return "", nil, err
		}
	}

	orderCol := opts.OrderBy
	if orderCol == "" {
		if opts.IncrementalField != "" {
			orderCol = opts.IncrementalField
		} else {
			orderCol = table.PrimaryKey
		}
	}
	orderClause, err := pgutil.OrderBy(orderCol, "ASC")
	if err != nil {
		return "", nil, err
	}

	query := "SELECT " + cols + " FROM " + table.SourceTable + " WHERE 1=1" + qb.Where() + orderClause
	query = qb.AppendPagination(query, opts.BatchSize, opts.Offset)
	return query, qb.Args(), nil
}

// selectColumns returns the projection for a table: the mapped source columns
// plus the primary key and incremental field, or "*" when the descriptor has
// no field mapping (raw reads used by analytics).
func selectColumns(table *TableConfig) (string, error) {
	if len(table.FieldMapping) == 0 {
		return "*", nil
	}
	seen := make(map[string]bool, len(table.FieldMapping)+2)
	cols := make([]string, 0, len(table.FieldMapping)+2)
	add := func(col string) {
		if col != "" && !seen[col] {
			seen[col] = true
			cols = append(cols, col)
		}
	}
	for src := range table.FieldMapping {
		add(src)
	}
	add(table.PrimaryKey)
	add(table.IncrementalField)
	sort.Strings(cols)
	for _, c := range cols {
		if !pgutil.ValidIdent(c) {
			return "", fmt.Errorf("etl: invalid source column %q", c)
		}
	}
	return strings.Join(cols, ", "), nil
}

// addFilters appends descriptor filters by value shape: list -> IN, object ->
// one comparison per operator entry, anything else -> equality.
func addFilters(qb *pgutil.QueryBuilder, filters map[string]any) error {
	cols := make([]string, 0, len(filters))
	for col := range filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	for _, col := range cols {
		switch v := filters[col].(type) {
		case []any:
			if err := qb.In(col, v); err != nil {
				return err
			}
		case map[string]any:
			ops := make([]string, 0, len(v))
			for op := range v {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				if err := qb.Op(col, op, v[op]); err != nil {
					return err
				}
			}
		default:
			if err := qb.Eq(col, v); err != nil {
				return err
			}
		}
	}
	return nil
}
