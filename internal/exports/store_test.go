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

package exports_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/apexplay/datasync/internal/config"
	"github.com/apexplay/datasync/internal/exports"
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

func freshStore(t *testing.T) (*exports.Store, *pgxpool.Pool) {
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

	t.Cleanup(func() {
		pool.Close()
		admin, err := pgxpool.New(ctx, testConnStr)
		if err == nil {
			_, _ = admin.Exec(ctx, fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName))
			admin.Close()
		}
	})
	return exports.New(pool, config.NewStaticProvider()), pool
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

func exportStatus(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) string {
	t.Helper()
	var status string
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT status FROM data_exports WHERE id = $1`, id).Scan(&status))
	return status
}

func TestExportLifecycle(t *testing.T) {
	store, pool := freshStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, exports.Request{
		ExportType:  "affiliates",
		Format:      "CSV",
		RequestedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, exports.StatusPending, exportStatus(t, pool, id))

	// Progress clamps to [0,100] and moves the row to PROCESSING.
	require.NoError(t, store.UpdateProgress(ctx, id, 150))
	var progress int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT progress_percentage FROM data_exports WHERE id = $1`, id).Scan(&progress))
	assert.Equal(t, 100, progress)
	assert.Equal(t, exports.StatusProcessing, exportStatus(t, pool, id))

	require.NoError(t, store.Complete(ctx, id, "/exports/affiliates.csv", 2048))
	assert.Equal(t, exports.StatusCompleted, exportStatus(t, pool, id))

	// A finalized export cannot move back to PROCESSING.
	require.Error(t, store.UpdateProgress(ctx, id, 10))

	_, err = store.Create(ctx, exports.Request{ExportType: "affiliates", Format: "TSV"})
	require.Error(t, err, "disallowed format must be rejected")
}

func TestExpireOverdueFlipsOnlyCompletedRows(t *testing.T) {
	store, pool := freshStore(t)
	ctx := context.Background()

	newExport := func() uuid.UUID {
		id, err := store.Create(ctx, exports.Request{ExportType: "affiliates", Format: "CSV"})
		require.NoError(t, err)
		return id
	}
	overdue := func(id uuid.UUID) {
		_, err := pool.Exec(ctx,
			`UPDATE data_exports SET expires_at = now() - interval '1 hour' WHERE id = $1`, id)
		require.NoError(t, err)
	}

	doneOverdue := newExport()
	require.NoError(t, store.Complete(ctx, doneOverdue, "/exports/a.csv", 10))
	overdue(doneOverdue)

	pendingOverdue := newExport()
	overdue(pendingOverdue)

	doneFresh := newExport()
	require.NoError(t, store.Complete(ctx, doneFresh, "/exports/b.csv", 10))

	n, err := store.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, exports.StatusExpired, exportStatus(t, pool, doneOverdue))
	assert.Equal(t, exports.StatusPending, exportStatus(t, pool, pendingOverdue))
	assert.Equal(t, exports.StatusCompleted, exportStatus(t, pool, doneFresh))
}
