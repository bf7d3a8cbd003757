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

package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/apexplay/datasync/internal/cache"
	"github.com/apexplay/datasync/internal/config"
	"github.com/apexplay/datasync/internal/etl"
	"github.com/apexplay/datasync/pkg/metrics"
)

// ErrInvariantViolation marks an analytics row the engine refuses to write.
// Seeing it means a bug in period or aggregate computation, not bad data.
var ErrInvariantViolation = errors.New("analytics: row violates invariants")

// maxMLMLevel is the deepest referral tier tracked per affiliate.
const maxMLMLevel = 5

// readBatchSize bounds each raw source read issued by the engine.
const readBatchSize = 1000

// UserAnalytics is one per-user period rollup.
type UserAnalytics struct {
	UserID     int64      `json:"user_id"`
	PeriodType PeriodType `json:"period_type"`
	Start      time.Time  `json:"period_start"`
	End        time.Time  `json:"period_end"`

	TotalDeposits    float64    `json:"total_deposits"`
	DepositCount     int        `json:"deposit_count"`
	FirstDepositDate *time.Time `json:"first_deposit_date,omitempty"`
	LastDepositDate  *time.Time `json:"last_deposit_date,omitempty"`
	AvgDepositAmount float64    `json:"avg_deposit_amount"`

	TotalBets    float64    `json:"total_bets"`
	BetCount     int        `json:"bet_count"`
	FirstBetDate *time.Time `json:"first_bet_date,omitempty"`
	LastBetDate  *time.Time `json:"last_bet_date,omitempty"`
	AvgBetAmount float64    `json:"avg_bet_amount"`

	DaysActive       int `json:"days_active"`
	SessionsCount    int `json:"sessions_count"`
	TotalSessionMins int `json:"total_session_minutes"`

	TotalWins   float64 `json:"total_wins"`
	TotalLosses float64 `json:"total_losses"`
	NetResult   float64 `json:"net_result"`

	CPAQualified         bool       `json:"cpa_qualified"`
	CPAQualificationDate *time.Time `json:"cpa_qualification_date,omitempty"`
	CPAAmount            float64    `json:"cpa_amount"`
}

// AffiliateAnalytics is one per-affiliate period rollup.
type AffiliateAnalytics struct {
	AffiliateID int64      `json:"affiliate_id"`
	PeriodType  PeriodType `json:"period_type"`
	Start       time.Time  `json:"period_start"`
	End         time.Time  `json:"period_end"`

	TotalUsers        int `json:"total_users"`
	NewUsers          int `json:"new_users"`
	ActiveUsers       int `json:"active_users"`
	CPAQualifiedUsers int `json:"cpa_qualified_users"`

	TotalDeposits    float64 `json:"total_deposits"`
	TotalBets        float64 `json:"total_bets"`
	TotalCommissions float64 `json:"total_commissions"`

	LevelUserCounts  [maxMLMLevel]int     `json:"level_user_counts"`
	LevelCommissions [maxMLMLevel]float64 `json:"level_commissions"`

	ConversionRate float64 `json:"conversion_rate"`
	RetentionRate  float64 `json:"retention_rate"`
	AvgUserValue   float64 `json:"avg_user_value"`
}

// Engine generates analytics rows. It reads raw source rows through the same
// SourceReader the sync path uses and writes rollups to the target pool.
type Engine struct {
	source  *etl.SourceReader
	target  *pgxpool.Pool
	cfg     config.Provider
	hot     *cache.HotCache
	metrics *metrics.AnalyticsMetrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewEngine wires an analytics engine. hot and metrics may be nil.
func NewEngine(
	source *etl.SourceReader,
	target *pgxpool.Pool,
	cfg config.Provider,
	hot *cache.HotCache,
	m *metrics.AnalyticsMetrics,
	log *zap.SugaredLogger,
) *Engine {
	return &Engine{
		source:  source,
		target:  target,
		cfg:     cfg,
		hot:     hot,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// GenerateUserAnalytics computes and upserts the rollup for one user and
// period. It returns nil without error when the user does not exist.
func (e *Engine) GenerateUserAnalytics(ctx context.Context, userID int64, pt PeriodType, refDate *time.Time) (*UserAnalytics, error) {
	started := e.now()
	period, err := ResolvePeriod(pt, e.refOrNow(refDate))
	if err != nil {
		return nil, err
	}

	users, err := e.readRaw(ctx, "users", map[string]any{"id": userID})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		e.log.Infow("user not found, skipping analytics", "userId", userID)
		return nil, nil
	}

	deposits, err := e.readWindow(ctx, "deposits", userID, period)
	if err != nil {
		return nil, err
	}
	bets, err := e.readWindow(ctx, "bets", userID, period)
	if err != nil {
		return nil, err
	}
	transactions, err := e.readWindow(ctx, "transactions", userID, period)
	if err != nil {
		return nil, err
	}

	row := &UserAnalytics{
		UserID:     userID,
		PeriodType: pt,
		Start:      period.Start,
		End:        period.End,
	}
	aggregateDeposits(row, deposits)
	aggregateBets(row, bets)
	aggregateActivity(row, transactions, bets)
	aggregateResults(row, bets)
	e.applyCPA(row)

	if err := row.checkInvariants(); err != nil {
		return nil, err
	}
	if err := e.upsertUser(ctx, row); err != nil {
		return nil, err
	}
	e.cacheRow(ctx, cache.AnalyticsKey("user", userID, string(pt), period.Start), row)
	e.recordGeneration(string(pt), "user", started)
	return row, nil
}

// GenerateAffiliateAnalytics computes and upserts the rollup for one
// affiliate and period, including the five MLM referral tiers.
func (e *Engine) GenerateAffiliateAnalytics(ctx context.Context, affiliateID int64, pt PeriodType, refDate *time.Time) (*AffiliateAnalytics, error) {
	started := e.now()
	period, err := ResolvePeriod(pt, e.refOrNow(refDate))
	if err != nil {
		return nil, err
	}

	levels, err := e.referralLevels(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	row := &AffiliateAnalytics{
		AffiliateID: affiliateID,
		PeriodType:  pt,
		Start:       period.Start,
		End:         period.End,
	}

	direct := levels[0]
	row.TotalUsers = len(direct)
	for _, u := range direct {
		if created, ok := toTime(u["created_at"]); ok && period.Contains(created) {
			row.NewUsers++
		}
		if s, _ := u["status"].(string); s == "active" {
			row.ActiveUsers++
		}
	}

	directIDs := userIDs(direct)
	row.CPAQualifiedUsers, err = e.countQualified(ctx, directIDs, pt, period.Start)
	if err != nil {
		return nil, err
	}
	row.TotalDeposits, err = e.sumForUsers(ctx, "deposits", "amount", directIDs, period)
	if err != nil {
		return nil, err
	}
	row.TotalBets, err = e.sumForUsers(ctx, "bets", "amount", directIDs, period)
	if err != nil {
		return nil, err
	}

	amounts := e.cfg.CPALevelAmounts()
	for i, levelUsers := range levels {
		row.LevelUserCounts[i] = len(levelUsers)
		qualified, err := e.countQualified(ctx, userIDs(levelUsers), pt, period.Start)
		if err != nil {
			return nil, err
		}
		row.LevelCommissions[i] = float64(qualified) * amounts.ForLevel(i+1)
		row.TotalCommissions += row.LevelCommissions[i]
	}

	// TODO: conversion and retention use direct-referral counts only; the
	// definition for deeper tiers is still unsettled upstream.
	row.ConversionRate = boundedRate(row.CPAQualifiedUsers, row.TotalUsers)
	row.RetentionRate = boundedRate(row.ActiveUsers, row.TotalUsers)
	if row.TotalUsers > 0 {
		row.AvgUserValue = row.TotalDeposits / float64(row.TotalUsers)
	}

	if err := row.checkInvariants(); err != nil {
		return nil, err
	}
	if err := e.upsertAffiliate(ctx, row); err != nil {
		return nil, err
	}
	e.cacheRow(ctx, cache.AnalyticsKey("affiliate", affiliateID, string(pt), period.Start), row)
	e.recordGeneration(string(pt), "affiliate", started)
	return row, nil
}

func (e *Engine) refOrNow(refDate *time.Time) time.Time {
	if refDate != nil {
		return *refDate
	}
	return e.now()
}

// readRaw reads all rows of a source table matching the filters.
func (e *Engine) readRaw(ctx context.Context, table string, filters map[string]any) ([]etl.Record, error) {
	desc := &etl.TableConfig{SourceTable: table, PrimaryKey: "id", Enabled: true}
	var out []etl.Record
	err := e.source.ReadAll(ctx, desc, etl.ReadOptions{
		BatchSize:    readBatchSize,
		ExtraFilters: filters,
	}, func(ctx context.Context, rows []etl.Record) error {
		out = append(out, rows...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: reading %s: %w", table, err)
	}
	return out, nil
}

// readWindow reads one user's rows of a table inside the period window.
func (e *Engine) readWindow(ctx context.Context, table string, userID int64, period Period) ([]etl.Record, error) {
	return e.readRaw(ctx, table, map[string]any{
		"user_id":    userID,
		"created_at": map[string]any{"gte": period.Start, "lte": period.End},
	})
}

// referralLevels walks the referral tree breadth-first: level 1 is the
// affiliate's direct users, level n+1 the users they referred, down to five
// tiers. A cycle in referred_by cannot loop because visited ids are skipped.
func (e *Engine) referralLevels(ctx context.Context, affiliateID int64) ([maxMLMLevel][]etl.Record, error) {
	var levels [maxMLMLevel][]etl.Record
	visited := map[int64]bool{affiliateID: true}
	parents := []int64{affiliateID}

	for i := 0; i < maxMLMLevel && len(parents) > 0; i++ {
		rows, err := e.readRaw(ctx, "users", map[string]any{
			"referred_by": toAnySlice(parents),
		})
		if err != nil {
			return levels, err
		}

		var kept []etl.Record
		var next []int64
		for _, row := range rows {
			id, ok := toInt64(row["id"])
			if !ok || visited[id] {
				continue
			}
			visited[id] = true
			kept = append(kept, row)
			next = append(next, id)
		}
		levels[i] = kept
		parents = next
	}
	return levels, nil
}

// countQualified counts target user_analytics rows for the given users that
// are CPA-qualified in the same period.
func (e *Engine) countQualified(ctx context.Context, userIDs []int64, pt PeriodType, periodStart time.Time) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	var n int
	err := e.target.QueryRow(ctx, `
		SELECT count(*) FROM user_analytics
		WHERE user_id = ANY($1) AND period_type = $2 AND period_start = $3 AND cpa_qualified`,
		userIDs, string(pt), periodStart,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("analytics: counting qualified users: %w", err)
	}
	return n, nil
}

// sumForUsers totals a column of a source table over the users inside the
// period window.
func (e *Engine) sumForUsers(ctx context.Context, table, column string, userIDs []int64, period Period) (float64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	total := 0.0
	for _, id := range userIDs {
		rows, err := e.readWindow(ctx, table, id, period)
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			if v, ok := toFloat(row[column]); ok {
				total += v
			}
		}
	}
	return total, nil
}

func (e *Engine) applyCPA(row *UserAnalytics) {
	in := CPAInputs{
		TotalDeposits: row.TotalDeposits,
		BetCount:      float64(row.BetCount),
		TotalBets:     row.TotalBets,
		DaysActive:    float64(row.DaysActive),
	}
	if !QualifiesForCPA(e.cfg.CPAValidationRules(), in) {
		return
	}
	when := e.now().UTC()
	row.CPAQualified = true
	row.CPAQualificationDate = &when
	row.CPAAmount = e.cfg.CPALevelAmounts().Level1
	if e.metrics != nil {
		e.metrics.RecordCPAQualification()
	}
}

func (e *Engine) cacheRow(ctx context.Context, key string, v any) {
	if e.hot == nil {
		return
	}
	e.hot.SetJSON(ctx, key, v, e.cfg.Analytics().CacheTTL())
}

func (e *Engine) recordGeneration(periodType, kind string, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordGeneration(periodType, e.now().Sub(started))
	e.metrics.RecordUpsert(kind)
}

// aggregateDeposits fills the deposit metric group from deposit rows.
func aggregateDeposits(row *UserAnalytics, deposits []etl.Record) {
	for _, d := range deposits {
		amount, _ := toFloat(d["amount"])
		row.TotalDeposits += amount
		row.DepositCount++
		if at, ok := toTime(d["created_at"]); ok {
			if row.FirstDepositDate == nil || at.Before(*row.FirstDepositDate) {
				t := at
				row.FirstDepositDate = &t
			}
			if row.LastDepositDate == nil || at.After(*row.LastDepositDate) {
				t := at
				row.LastDepositDate = &t
			}
		}
	}
	if row.DepositCount > 0 {
		row.AvgDepositAmount = row.TotalDeposits / float64(row.DepositCount)
	}
}

// aggregateBets fills the bet metric group from bet rows.
func aggregateBets(row *UserAnalytics, bets []etl.Record) {
	for _, b := range bets {
		amount, _ := toFloat(b["amount"])
		row.TotalBets += amount
		row.BetCount++
		if at, ok := toTime(b["created_at"]); ok {
			if row.FirstBetDate == nil || at.Before(*row.FirstBetDate) {
				t := at
				row.FirstBetDate = &t
			}
			if row.LastBetDate == nil || at.After(*row.LastBetDate) {
				t := at
				row.LastBetDate = &t
			}
		}
	}
	if row.BetCount > 0 {
		row.AvgBetAmount = row.TotalBets / float64(row.BetCount)
	}
}

// aggregateActivity derives days_active from the distinct calendar dates
// across transactions and bets. Sessions and minutes are the documented
// heuristics: sessions ~ ceil(events/10), minutes ~ events*5.
func aggregateActivity(row *UserAnalytics, transactions, bets []etl.Record) {
	days := make(map[string]bool)
	for _, rows := range [][]etl.Record{transactions, bets} {
		for _, r := range rows {
			if at, ok := toTime(r["created_at"]); ok {
				days[at.UTC().Format("2006-01-02")] = true
			}
		}
	}
	row.DaysActive = len(days)

	events := len(transactions) + len(bets)
	if events > 0 {
		row.SessionsCount = int(math.Ceil(float64(events) / 10))
		row.TotalSessionMins = events * 5
	}
}

// aggregateResults derives the win/loss group from bet rows.
func aggregateResults(row *UserAnalytics, bets []etl.Record) {
	for _, b := range bets {
		result, _ := b["result"].(string)
		switch result {
		case "win":
			if v, ok := toFloat(b["win_amount"]); ok {
				row.TotalWins += v
			}
		case "loss":
			if v, ok := toFloat(b["amount"]); ok {
				row.TotalLosses += v
			}
		}
	}
	row.NetResult = row.TotalWins - row.TotalLosses
}

// checkInvariants refuses rows that would violate the table constraints.
func (r *UserAnalytics) checkInvariants() error {
	if !r.End.After(r.Start) {
		return fmt.Errorf("%w: period_end %s <= period_start %s", ErrInvariantViolation, r.End, r.Start)
	}
	if r.TotalDeposits < 0 || r.TotalBets < 0 || r.TotalWins < 0 || r.TotalLosses < 0 ||
		r.DepositCount < 0 || r.BetCount < 0 || r.DaysActive < 0 || r.CPAAmount < 0 {
		return fmt.Errorf("%w: negative aggregate for user %d", ErrInvariantViolation, r.UserID)
	}
	if r.NetResult != r.TotalWins-r.TotalLosses {
		return fmt.Errorf("%w: net_result %f != wins-losses", ErrInvariantViolation, r.NetResult)
	}
	return nil
}

func (r *AffiliateAnalytics) checkInvariants() error {
	if !r.End.After(r.Start) {
		return fmt.Errorf("%w: period_end %s <= period_start %s", ErrInvariantViolation, r.End, r.Start)
	}
	if r.ConversionRate < 0 || r.ConversionRate > 1 || r.RetentionRate < 0 || r.RetentionRate > 1 {
		return fmt.Errorf("%w: rate out of [0,1] for affiliate %d", ErrInvariantViolation, r.AffiliateID)
	}
	if r.AvgUserValue < 0 {
		return fmt.Errorf("%w: negative avg_user_value for affiliate %d", ErrInvariantViolation, r.AffiliateID)
	}
	return nil
}

func (e *Engine) upsertUser(ctx context.Context, r *UserAnalytics) error {
	_, err := e.target.Exec(ctx, `
		INSERT INTO user_analytics (
			user_id, period_type, period_start, period_end,
			total_deposits, deposit_count, first_deposit_date, last_deposit_date, avg_deposit_amount,
			total_bets, bet_count, first_bet_date, last_bet_date, avg_bet_amount,
			days_active, sessions_count, total_session_minutes,
			total_wins, total_losses, net_result,
			cpa_qualified, cpa_qualification_date, cpa_amount,
			last_updated
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20,
			$21, $22, $23,
			now()
		)
		ON CONFLICT (user_id, period_type, period_start) DO UPDATE SET
			period_end = EXCLUDED.period_end,
			total_deposits = EXCLUDED.total_deposits,
			deposit_count = EXCLUDED.deposit_count,
			first_deposit_date = EXCLUDED.first_deposit_date,
			last_deposit_date = EXCLUDED.last_deposit_date,
			avg_deposit_amount = EXCLUDED.avg_deposit_amount,
			total_bets = EXCLUDED.total_bets,
			bet_count = EXCLUDED.bet_count,
			first_bet_date = EXCLUDED.first_bet_date,
			last_bet_date = EXCLUDED.last_bet_date,
			avg_bet_amount = EXCLUDED.avg_bet_amount,
			days_active = EXCLUDED.days_active,
			sessions_count = EXCLUDED.sessions_count,
			total_session_minutes = EXCLUDED.total_session_minutes,
			total_wins = EXCLUDED.total_wins,
			total_losses = EXCLUDED.total_losses,
			net_result = EXCLUDED.net_result,
			cpa_qualified = EXCLUDED.cpa_qualified,
			cpa_qualification_date = EXCLUDED.cpa_qualification_date,
			cpa_amount = EXCLUDED.cpa_amount,
			last_updated = now()`,
		r.UserID, string(r.PeriodType), r.Start, r.End,
		r.TotalDeposits, r.DepositCount, r.FirstDepositDate, r.LastDepositDate, r.AvgDepositAmount,
		r.TotalBets, r.BetCount, r.FirstBetDate, r.LastBetDate, r.AvgBetAmount,
		r.DaysActive, r.SessionsCount, r.TotalSessionMins,
		r.TotalWins, r.TotalLosses, r.NetResult,
		r.CPAQualified, r.CPAQualificationDate, r.CPAAmount,
	)
	if err != nil {
		return fmt.Errorf("analytics: upserting user_analytics for user %d: %w", r.UserID, err)
	}
	return nil
}

func (e *Engine) upsertAffiliate(ctx context.Context, r *AffiliateAnalytics) error {
	_, err := e.target.Exec(ctx, `
		INSERT INTO affiliate_analytics (
			affiliate_id, period_type, period_start, period_end,
			total_users, new_users, active_users, cpa_qualified_users,
			total_deposits, total_bets, total_commissions,
			level_1_users, level_2_users, level_3_users, level_4_users, level_5_users,
			level_1_commissions, level_2_commissions, level_3_commissions, level_4_commissions, level_5_commissions,
			conversion_rate, retention_rate, avg_user_value,
			last_updated
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24,
			now()
		)
		ON CONFLICT (affiliate_id, period_type, period_start) DO UPDATE SET
			period_end = EXCLUDED.period_end,
			total_users = EXCLUDED.total_users,
			new_users = EXCLUDED.new_users,
			active_users = EXCLUDED.active_users,
			cpa_qualified_users = EXCLUDED.cpa_qualified_users,
			total_deposits = EXCLUDED.total_deposits,
			total_bets = EXCLUDED.total_bets,
			total_commissions = EXCLUDED.total_commissions,
			level_1_users = EXCLUDED.level_1_users,
			level_2_users = EXCLUDED.level_2_users,
			level_3_users = EXCLUDED.level_3_users,
			level_4_users = EXCLUDED.level_4_users,
			level_5_users = EXCLUDED.level_5_users,
			level_1_commissions = EXCLUDED.level_1_commissions,
			level_2_commissions = EXCLUDED.level_2_commissions,
			level_3_commissions = EXCLUDED.level_3_commissions,
			level_4_commissions = EXCLUDED.level_4_commissions,
			level_5_commissions = EXCLUDED.level_5_commissions,
			conversion_rate = EXCLUDED.conversion_rate,
			retention_rate = EXCLUDED.retention_rate,
			avg_user_value = EXCLUDED.avg_user_value,
			last_updated = now()`,
		r.AffiliateID, string(r.PeriodType), r.Start, r.End,
		r.TotalUsers, r.NewUsers, r.ActiveUsers, r.CPAQualifiedUsers,
		r.TotalDeposits, r.TotalBets, r.TotalCommissions,
		r.LevelUserCounts[0], r.LevelUserCounts[1], r.LevelUserCounts[2], r.LevelUserCounts[3], r.LevelUserCounts[4],
		r.LevelCommissions[0], r.LevelCommissions[1], r.LevelCommissions[2], r.LevelCommissions[3], r.LevelCommissions[4],
		r.ConversionRate, r.RetentionRate, r.AvgUserValue,
	)
	if err != nil {
		return fmt.Errorf("analytics: upserting affiliate_analytics for affiliate %d: %w", r.AffiliateID, err)
	}
	return nil
}

// boundedRate returns part/total clamped to [0,1], and 0 when total is 0.
func boundedRate(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	rate := float64(part) / float64(total)
	return math.Min(math.Max(rate, 0), 1)
}

func userIDs(rows []etl.Record) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		if id, ok := toInt64(row["id"]); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func toAnySlice(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case pgtype.Numeric:
		f, err := n.Float64Value()
		return f.Float64, err == nil && f.Valid
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	default:
		return time.Time{}, false
	}
}
