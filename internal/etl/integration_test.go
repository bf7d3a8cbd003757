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

package etl_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/apexplay/datasync/internal/etl"
	"github.com/apexplay/datasync/internal/synclog"
	"github.com/apexplay/datasync/internal/target"
)

var testConnStr string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("datasync_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	testConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}

	os.Exit(code)
}

// freshPool creates an isolated database, migrates the target schema into it,
// and adds the source-side users table so one pool can play both roles.
func freshPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbName := fmt.Sprintf("test_%d", time.Now().UnixNano())

	admin, err := pgxpool.New(ctx, testConnStr)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	admin.Close()

	connStr := replaceDBName(testConnStr, dbName)

	mg, err := target.NewMigrator(connStr, logr.Discard())
	require.NoError(t, err)
	require.NoError(t, mg.Up())
	require.NoError(t, mg.Close())

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		CREATE TABLE users (
			id BIGSERIAL PRIMARY KEY,
			name TEXT,
			email TEXT,
			phone TEXT,
			status TEXT,
			referred_by BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		admin, err := pgxpool.New(ctx, testConnStr)
		if err == nil {
			_, _ = admin.Exec(ctx, fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName))
			admin.Close()
		}
	})
	return pool
}

func replaceDBName(connStr, newDB string) string {
	qIdx := len(connStr)
	for i, c := range connStr {
		if c == '?' {
			qIdx = i
			break
		}
	}
	slashIdx := 0
	for i := qIdx - 1; i >= 0; i-- {
		if connStr[i] == '/' {
			slashIdx = i
			break
		}
	}
	return connStr[:slashIdx+1] + newDB + connStr[qIdx:]
}

func seedUsers(t *testing.T, pool *pgxpool.Pool, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (name, email, phone, status, updated_at)
			VALUES ($1, $2, $3, 'active', now())`,
			fmt.Sprintf("User %d", i),
			fmt.Sprintf("user%d@example.com", i),
			fmt.Sprintf("+55119999%04d", i),
		)
		require.NoError(t, err)
	}
}

func usersTable(t *testing.T) *etl.TableConfig {
	t.Helper()
	table, err := etl.FindTable(etl.DefaultTables(), "users")
	require.NoError(t, err)
	return table
}

func newSyncer(pool *pgxpool.Pool) *etl.TableSyncer {
	log := zap.NewNop().Sugar()
	return etl.NewTableSyncer(
		etl.NewSourceReader(pool, etl.DefaultSourceConfig(), log),
		etl.NewRecordMapper(log),
		etl.NewTargetWriter(pool, etl.DefaultWriterConfig(), log),
		etl.NewWatermarkStore(pool),
		synclog.New(pool),
		nil,
		log,
	)
}

func TestLoadBatchInsertThenUpdate(t *testing.T) {
	pool := freshPool(t)
	ctx := context.Background()
	table := usersTable(t)
	log := zap.NewNop().Sugar()

	writer := etl.NewTargetWriter(pool, etl.DefaultWriterConfig(), log)
	rows := []etl.Record{
		{"external_user_id": int64(1), "name": "Ana", "email": "ana@example.com", "status": "active"},
		{"external_user_id": int64(2), "name": "Bea", "email": "bea@example.com", "status": "active"},
	}

	stats, err := writer.LoadBatch(ctx, table, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 2, stats.Loaded)

	// Same external keys again: both become updates, no new rows.
	rows[0]["name"] = "Ana Maria"
	stats, err = writer.LoadBatch(ctx, table, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 2, stats.Updated)

	var count int
	var name string
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM affiliates`).Scan(&count))
	assert.Equal(t, 2, count)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT name FROM affiliates WHERE external_user_id = 1`).Scan(&name))
	assert.Equal(t, "Ana Maria", name)
}

func TestLoadBatchSkipsDuplicateKeyInBatch(t *testing.T) {
	pool := freshPool(t)
	ctx := context.Background()
	table := usersTable(t)
	log := zap.NewNop().Sugar()

	writer := etl.NewTargetWriter(pool, etl.DefaultWriterConfig(), log)
	rows := []etl.Record{
		{"external_user_id": int64(1), "name": "Ana", "email": "ana@example.com", "status": "active"},
		{"external_user_id": int64(1), "name": "Ana Again", "email": "dupe@example.com", "status": "active"},
		{"external_user_id": int64(2), "name": "Bea", "email": "bea@example.com", "status": "active"},
	}

	stats, err := writer.LoadBatch(ctx, table, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 2, stats.Loaded)

	// The conflict must not abort the transaction: the batch commits with the
	// first row's values in place and the row after the duplicate written.
	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM affiliates`).Scan(&count))
	assert.Equal(t, 2, count)
	var name string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT name FROM affiliates WHERE external_user_id = 1`).Scan(&name))
	assert.Equal(t, "Ana", name)
}

func TestLoadBatchRollsBackOnIntegrityError(t *testing.T) {
	pool := freshPool(t)
	ctx := context.Background()
	table := usersTable(t)
	log := zap.NewNop().Sugar()

	writer := etl.NewTargetWriter(pool, etl.DefaultWriterConfig(), log)
	rows := []etl.Record{
		{"external_user_id": int64(1), "email": "ok@example.com"},
		// amount violates the referrals CHECK when pointed at the wrong
		// table; here the bad row has no external key at all.
		{"name": "keyless"},
	}

	_, err := writer.LoadBatch(ctx, table, rows)
	require.Error(t, err)

	// The whole batch rolled back, including the good first row.
	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM affiliates`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWatermarkStoreRoundTrip(t *testing.T) {
	pool := freshPool(t)
	ctx := context.Background()
	store := etl.NewWatermarkStore(pool)

	got, err := store.Get(ctx, "users")
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "unsynced table must have zero watermark")

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Set(ctx, "users", at, 10))
	got, err = store.Get(ctx, "users")
	require.NoError(t, err)
	assert.True(t, got.Equal(at))

	// Advancing overwrites in place.
	later := at.Add(time.Hour)
	require.NoError(t, store.Set(ctx, "users", later, 3))
	got, err = store.Get(ctx, "users")
	require.NoError(t, err)
	assert.True(t, got.Equal(later))
}

func TestSyncLogLifecycle(t *testing.T) {
	pool := freshPool(t)
	ctx := context.Background()
	store := synclog.New(pool)

	id, err := store.Start(ctx, "incremental", "users", synclog.OpSync)
	require.NoError(t, err)

	counts := synclog.Counts{Processed: 10, Success: 8, Failed: 2}
	require.NoError(t, store.Finish(ctx, id, synclog.StatusCompleted, counts, "",
		map[string]any{"batches": 1}))

	var (
		status     string
		processed  int
		durationMS int64
	)
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT status, records_processed, duration_ms FROM data_sync_logs WHERE id = $1`,
		id).Scan(&status, &processed, &durationMS))
	assert.Equal(t, synclog.StatusCompleted, status)
	assert.Equal(t, 10, processed)
	assert.GreaterOrEqual(t, durationMS, int64(0))

	// Inconsistent counts never reach the database.
	err = store.Finish(ctx, id, synclog.StatusCompleted,
		synclog.Counts{Processed: 1, Success: 1, Failed: 1}, "", nil)
	require.Error(t, err)
}

func TestFullThenIncrementalSync(t *testing.T) {
	pool := freshPool(t)
	ctx := context.Background()
	table := usersTable(t)

	seedUsers(t, pool, 25)
	syncer := newSyncer(pool)

	res := syncer.Sync(ctx, table, etl.ModeFull, etl.SyncOptions{BatchSize: 10})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 25, res.RecordsProcessed)
	assert.Equal(t, 25, res.RecordsInserted)
	assert.Equal(t, 3, res.Batches, "25 rows at batch size 10")

	// Nothing changed upstream: the advanced watermark yields an empty
	// incremental run.
	res = syncer.Sync(ctx, table, etl.ModeIncremental, etl.SyncOptions{BatchSize: 10})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.RecordsLoaded)

	// A new upstream row is picked up by the next incremental run.
	_, err := pool.Exec(ctx, `
		INSERT INTO users (name, email, status, updated_at)
		VALUES ('Novo', 'novo@example.com', 'active', now())`)
	require.NoError(t, err)

	res = syncer.Sync(ctx, table, etl.ModeIncremental, etl.SyncOptions{BatchSize: 10})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.RecordsInserted)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM affiliates`).Scan(&count))
	assert.Equal(t, 26, count)
}

func TestIncrementalSyncRejectsTableWithoutIncrementalField(t *testing.T) {
	pool := freshPool(t)

	table := &etl.TableConfig{
		SourceTable: "users",
		TargetTable: "affiliates",
		PrimaryKey:  "id",
		ExternalKey: "external_user_id",
		Enabled:     true,
		FieldMapping: map[string]string{
			"id": "external_user_id", "email": "email",
		},
	}

	res := newSyncer(pool).Sync(context.Background(), table, etl.ModeIncremental, etl.SyncOptions{})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, etl.ErrNoIncrementalField)
}
