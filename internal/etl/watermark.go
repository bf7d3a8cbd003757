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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Watermark SQL statements. Watermarks live in the target database so
// incremental state survives process restarts.
const (
	queryGetWatermark = `SELECT last_sync_at FROM sync_watermarks WHERE table_name = $1`
	querySetWatermark = `INSERT INTO sync_watermarks (table_name, last_sync_at, last_sync_rows)
		VALUES ($1, $2, $3)
		ON CONFLICT (table_name) DO UPDATE SET
			last_sync_at = EXCLUDED.last_sync_at,
			last_sync_rows = EXCLUDED.last_sync_rows,
			updated_at = now()`
)

// WatermarkStore persists per-table incremental watermarks.
type WatermarkStore struct {
	pool *pgxpool.Pool
}

// NewWatermarkStore creates a store over the target pool.
func NewWatermarkStore(pool *pgxpool.Pool) *WatermarkStore {
	return &WatermarkStore{pool: pool}
}

// Get returns the stored watermark for a table, or the zero time when the
// table has never synced.
func (s *WatermarkStore) Get(ctx context.Context, table string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, queryGetWatermark, table).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("etl: get watermark for %s: %w", table, err)
	}
	return at, nil
}

// Set writes or advances the watermark for a table.
func (s *WatermarkStore) Set(ctx context.Context, table string, at time.Time, rowCount int64) error {
	if _, err := s.pool.Exec(ctx, querySetWatermark, table, at, rowCount); err != nil {
		return fmt.Errorf("etl: set watermark for %s: %w", table, err)
	}
	return nil
}
