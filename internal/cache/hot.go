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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/apexplay/datasync/pkg/metrics"
)

// AnalyticsKey builds the hot-cache key for one analytics row.
func AnalyticsKey(kind string, entityID int64, periodType string, periodStart time.Time) string {
	return fmt.Sprintf("analytics:%s:%d:%s:%s",
		kind, entityID, periodType, periodStart.UTC().Format("2006-01-02"))
}

// HotCache is the Redis tier in front of the durable cache. Every operation
// is best-effort: a Redis failure logs a warning and the caller proceeds as
// if the entry were absent.
type HotCache struct {
	client  *redis.Client
	metrics *metrics.AnalyticsMetrics
	log     *zap.SugaredLogger
}

// NewHotCache creates a hot cache. metrics may be nil.
func NewHotCache(client *redis.Client, m *metrics.AnalyticsMetrics, log *zap.SugaredLogger) *HotCache {
	return &HotCache{client: client, metrics: m, log: log}
}

// GetJSON loads the entry at key into v. It returns false on a miss or any
// Redis failure.
func (c *HotCache) GetJSON(ctx context.Context, key string, v any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warnw("hot cache read failed", "key", key, "error", err)
		}
		c.recordHit(false)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warnw("hot cache entry undecodable, dropping", "key", key, "error", err)
		c.client.Del(ctx, key)
		c.recordHit(false)
		return false
	}
	c.recordHit(true)
	return true
}

// SetJSON stores v at key with ttl. Failures are logged and swallowed; the
// durable tier remains authoritative.
func (c *HotCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warnw("hot cache entry unencodable", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.Warnw("hot cache write failed", "key", key, "error", err)
	}
}

// Invalidate removes the entry at key, best-effort.
func (c *HotCache) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Warnw("hot cache invalidation failed", "key", key, "error", err)
	}
}

func (c *HotCache) recordHit(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheHit("hit")
	} else {
		c.metrics.RecordCacheHit("miss")
	}
}
