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

// Package cache provides the two analytics cache tiers: the durable
// data_cache table in the target database and the best-effort Redis hot
// cache in front of it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads and writes data_cache rows. Entries carry their TTL so a purge
// pass can delete them without consulting the writer.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store over the target pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get returns the cached payload for key when present and unexpired.
func (s *Store) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT cache_data FROM data_cache
		WHERE cache_key = $1 AND expires_at > now()`, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("cache: decoding %s: %w", key, err)
	}
	return data, true, nil
}

// Set upserts a cache entry with the given TTL. TTL must be positive; the
// data_cache table enforces ttl_seconds > 0.
func (s *Store) Set(ctx context.Context, key string, data map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %s", ttl)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cache: encoding %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO data_cache (cache_key, cache_data, ttl_seconds, expires_at)
		VALUES ($1, $2, $3, now() + $4::interval)
		ON CONFLICT (cache_key) DO UPDATE SET
			cache_data = EXCLUDED.cache_data,
			ttl_seconds = EXCLUDED.ttl_seconds,
			expires_at = EXCLUDED.expires_at`,
		key, raw, int64(ttl.Seconds()), fmt.Sprintf("%d seconds", int64(ttl.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes one entry. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM data_cache WHERE cache_key = $1`, key); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes every expired entry and returns the number removed.
// The operation is idempotent; concurrent purges are harmless.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM data_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("cache: purging expired entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
