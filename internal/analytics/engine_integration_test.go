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

package analytics_test

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

	"github.com/apexplay/datasync/internal/analytics"
	"github.com/apexplay/datasync/internal/config"
	"github.com/apexplay/datasync/internal/etl"
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

// freshEngine creates an isolated database holding both the migrated target
// schema and the raw source tables the engine reads, and wires an engine over
// it so one pool plays both roles.
func freshEngine(t *testing.T) (*analytics.Engine, *pgxpool.Pool) {
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
			status TEXT,
			referred_by BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE deposits (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount NUMERIC(15,2) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE bets (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount NUMERIC(15,2) NOT NULL,
			win_amount NUMERIC(15,2),
			result TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount NUMERIC(15,2),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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

	log := zap.NewNop().Sugar()
	reader := etl.NewSourceReader(pool, etl.DefaultSourceConfig(), log)
	return analytics.NewEngine(reader, pool, config.NewStaticProvider(), nil, nil, log), pool
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

func TestGenerateUserAnalyticsUpsertsInPlace(t *testing.T) {
	engine, pool := freshEngine(t)
	ctx := context.Background()
	ref := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := pool.Exec(ctx, `
		INSERT INTO users (id, name, email, status, created_at)
		VALUES (42, 'Ana', 'ana@example.com', 'active', $1)`, ref.Add(-24*time.Hour))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO deposits (user_id, amount, created_at)
		VALUES (42, 100, $1), (42, 50, $2)`,
		ref.Add(-3*time.Hour), ref.Add(-2*time.Hour))
	require.NoError(t, err)

	row, err := engine.GenerateUserAnalytics(ctx, 42, analytics.PeriodDaily, &ref)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, float64(150), row.TotalDeposits)
	assert.Equal(t, 2, row.DepositCount)

	// A later deposit in the same period changes the rollup; the second
	// generation must update the existing row, not add one.
	_, err = pool.Exec(ctx, `
		INSERT INTO deposits (user_id, amount, created_at) VALUES (42, 25, $1)`,
		ref.Add(-time.Hour))
	require.NoError(t, err)

	row, err = engine.GenerateUserAnalytics(ctx, 42, analytics.PeriodDaily, &ref)
	require.NoError(t, err)
	assert.Equal(t, float64(175), row.TotalDeposits)

	var count int
	var totalDeposits float64
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT count(*) FROM user_analytics
		WHERE user_id = 42 AND period_type = 'DAILY' AND period_start = $1`,
		row.Start).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT total_deposits FROM user_analytics
		WHERE user_id = 42 AND period_type = 'DAILY' AND period_start = $1`,
		row.Start).Scan(&totalDeposits))
	assert.Equal(t, float64(175), totalDeposits)
}

func TestGenerateUserAnalyticsUnknownUser(t *testing.T) {
	engine, pool := freshEngine(t)
	ctx := context.Background()
	ref := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	row, err := engine.GenerateUserAnalytics(ctx, 999, analytics.PeriodDaily, &ref)
	require.NoError(t, err)
	assert.Nil(t, row)

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM user_analytics`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestGenerateAffiliateAnalyticsUpsertsInPlace(t *testing.T) {
	engine, pool := freshEngine(t)
	ctx := context.Background()
	ref := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := pool.Exec(ctx, `
		INSERT INTO users (id, name, status, referred_by, created_at) VALUES
			(1, 'Root', 'active', NULL, $1),
			(2, 'Direct A', 'active', 1, $2),
			(3, 'Direct B', 'active', 1, $2),
			(4, 'Tier Two', 'inactive', 2, $2)`,
		ref.Add(-30*24*time.Hour), ref.Add(-4*time.Hour))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO deposits (user_id, amount, created_at)
		VALUES (2, 80, $1), (3, 20, $1)`, ref.Add(-3*time.Hour))
	require.NoError(t, err)

	row, err := engine.GenerateAffiliateAnalytics(ctx, 1, analytics.PeriodDaily, &ref)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 2, row.TotalUsers)
	assert.Equal(t, 2, row.NewUsers)
	assert.Equal(t, 2, row.ActiveUsers)
	assert.Equal(t, 1, row.LevelUserCounts[1], "user 4 sits on the second tier")
	assert.Equal(t, float64(100), row.TotalDeposits)
	assert.Equal(t, float64(1), row.RetentionRate)

	_, err = engine.GenerateAffiliateAnalytics(ctx, 1, analytics.PeriodDaily, &ref)
	require.NoError(t, err)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT count(*) FROM affiliate_analytics
		WHERE affiliate_id = 1 AND period_type = 'DAILY' AND period_start = $1`,
		row.Start).Scan(&count))
	assert.Equal(t, 1, count)
}
