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

// Package exports manages data_exports rows through their lifecycle:
// PENDING -> PROCESSING -> COMPLETED | FAILED, with EXPIRED applied by the
// cleanup pass once expires_at lapses.
package exports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apexplay/datasync/internal/config"
	"github.com/apexplay/datasync/internal/pgutil"
)

// Export statuses accepted by the data_exports CHECK constraint.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusExpired    = "EXPIRED"
)

// Request describes a new export.
type Request struct {
	ExportType  string
	Format      string
	RequestedBy string
	Filters     map[string]any
}

// Store reads and writes data_exports rows.
type Store struct {
	pool *pgxpool.Pool
	cfg  config.Provider
}

// New creates a store over the target pool.
func New(pool *pgxpool.Pool, cfg config.Provider) *Store {
	return &Store{pool: pool, cfg: cfg}
}

// Create inserts a PENDING export and returns its id. The format must be in
// the configured allow-list; expires_at comes from the retention setting.
func (s *Store) Create(ctx context.Context, req Request) (uuid.UUID, error) {
	settings := s.cfg.Export()
	if !settings.FormatAllowed(req.Format) {
		return uuid.Nil, fmt.Errorf("exports: format %q is not allowed", req.Format)
	}

	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_exports (
			id, export_type, format, status, progress_percentage,
			requested_by, filters, created_at, expires_at
		) VALUES ($1, $2, $3, $4, 0, $5, $6, now(), now() + $7::interval)`,
		id, req.ExportType, req.Format, StatusPending,
		pgutil.NullString(req.RequestedBy), pgutil.MarshalJSONB(req.Filters),
		fmt.Sprintf("%d days", settings.RetentionDays),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("exports: creating export: %w", err)
	}
	return id, nil
}

// UpdateProgress moves an export to PROCESSING with the given progress,
// clamped to [0,100].
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE data_exports SET
			status = $2, progress_percentage = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $2)`,
		id, StatusProcessing, progress, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("exports: updating progress for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("exports: export %s not found or already finalized", id)
	}
	return nil
}

// Complete finalizes an export with its produced file.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, filePath string, fileSizeBytes int64) error {
	maxBytes := int64(s.cfg.Export().MaxFileSizeMB) * 1024 * 1024
	if maxBytes > 0 && fileSizeBytes > maxBytes {
		return fmt.Errorf("exports: file size %d exceeds limit %d", fileSizeBytes, maxBytes)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE data_exports SET
			status = $2, progress_percentage = 100, file_path = $3,
			file_size_bytes = $4, completed_at = now(), updated_at = now()
		WHERE id = $1`,
		id, StatusCompleted, filePath, fileSizeBytes,
	)
	if err != nil {
		return fmt.Errorf("exports: completing export %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("exports: export %s not found", id)
	}
	return nil
}

// Fail finalizes an export with an error message.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE data_exports SET
			status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`,
		id, StatusFailed, pgutil.NullString(errMsg),
	)
	if err != nil {
		return fmt.Errorf("exports: failing export %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("exports: export %s not found", id)
	}
	return nil
}

// ExpireOverdue marks COMPLETED exports past their expires_at as EXPIRED and
// returns the number affected. Pending and in-flight exports keep their
// status; their own lifecycle finishes them.
func (s *Store) ExpireOverdue(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE data_exports SET status = $1, updated_at = now()
		WHERE expires_at <= now() AND status = $2`,
		StatusExpired, StatusCompleted,
	)
	if err != nil {
		return 0, fmt.Errorf("exports: expiring overdue exports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneOlderThan deletes expired and failed exports older than the retention
// window.
func (s *Store) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM data_exports
		WHERE created_at < now() - $1::interval AND status IN ($2, $3)`,
		fmt.Sprintf("%d seconds", int64(retention.Seconds())), StatusExpired, StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("exports: pruning exports: %w", err)
	}
	return tag.RowsAffected(), nil
}
