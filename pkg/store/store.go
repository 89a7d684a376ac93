// Package store implements the persistent failure store: an append-only log
// of execution attempts plus the strategy blacklist, backed by an embedded
// SQLite database by default (PostgreSQL for multi-instance deployments).
// It is the single source of truth for failure history; no other component
// writes it directly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // embedded SQLite driver (CGo-free)

	"github.com/rebound-engine/rebound/pkg/config"
	"github.com/rebound-engine/rebound/pkg/errors"
	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/metrics"
	"github.com/rebound-engine/rebound/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS attempt_records (
	id TEXT PRIMARY KEY,
	operation_key TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	started_at BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	outcome TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	context_tags TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_attempts_key_time
	ON attempt_records (operation_key, started_at);

CREATE INDEX IF NOT EXISTS idx_attempts_key_strategy_time
	ON attempt_records (operation_key, strategy_id, started_at);

CREATE TABLE IF NOT EXISTS strategy_blacklist (
	operation_key TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	failure_count BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	first_blacklisted BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	PRIMARY KEY (operation_key, strategy_id)
);
`

// BlacklistTTL is how long a blacklist entry stays effective unless cleared
const BlacklistTTL = 30 * 24 * time.Hour

// Store wraps the failure history database
type Store struct {
	db      *sqlx.DB
	driver  string
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// Open connects to the configured database and applies the schema
func Open(cfg *config.StoreConfig) (*Store, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("store configuration is required")
	}

	var driverName string
	switch cfg.Driver {
	case "sqlite", "":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported store driver: %s", cfg.Driver))
	}

	db, err := sqlx.Connect(driverName, cfg.DSN)
	if err != nil {
		return nil, errors.NewInternalError("failed to connect to failure store").WithCause(err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	s := &Store{
		db:     db,
		driver: driverName,
		logger: logging.GetLogger(),
	}

	if driverName == "sqlite" {
		// WAL keeps Record callers unblocked while Purge deletes; the busy
		// timeout bounds how long a writer waits on the lock.
		busyMs := int64(5000)
		if cfg.BusyTimeout > 0 {
			busyMs = cfg.BusyTimeout.Milliseconds()
		}
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, errors.NewInternalError("failed to enable WAL mode").WithCause(err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyMs)); err != nil {
			db.Close()
			return nil, errors.NewInternalError("failed to set busy timeout").WithCause(err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to apply failure store schema").WithCause(err)
	}

	return s, nil
}

// WithMetrics attaches query and purge instrumentation. Optional; Open
// returns an uninstrumented store.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// observe reports one query's duration. No-op on an uninstrumented store.
func (s *Store) observe(operation, table string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordStoreQuery(operation, table, time.Since(start))
	}
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks the database connection
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewInternalError("failure store health check failed").WithCause(err)
	}
	return nil
}

// withTransaction executes fn within a transaction, rolling back on error
func (s *Store) withTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewInternalError("failed to begin transaction").WithCause(err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.NewInternalError("failed to rollback transaction").
				WithCause(fmt.Errorf("original error: %v, rollback error: %v", err, rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternalError("failed to commit transaction").WithCause(err)
	}

	return nil
}

// Record appends one attempt record. Append-only: prior records are never
// overwritten. An empty record ID is assigned a fresh UUID.
func (s *Store) Record(ctx context.Context, rec *types.AttemptRecord) error {
	defer s.observe("record", "attempt_records", time.Now())

	if rec == nil {
		return errors.NewValidationError("attempt record is required")
	}
	if rec.OperationKey == "" || rec.StrategyID == "" {
		return errors.NewValidationError("attempt record requires operation key and strategy ID")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now()
	}

	tags := "{}"
	if len(rec.ContextTags) > 0 {
		raw, err := json.Marshal(rec.ContextTags)
		if err != nil {
			return errors.NewDataError("failed to encode context tags").WithCause(err)
		}
		tags = string(raw)
	}

	query := s.db.Rebind(`
		INSERT INTO attempt_records
			(id, operation_key, strategy_id, started_at, duration_ms, outcome, error_kind, error_message, context_tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	return s.withTransaction(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			rec.ID, rec.OperationKey, rec.StrategyID,
			rec.StartTime.UnixMilli(), rec.Duration.Milliseconds(),
			string(rec.Outcome), string(rec.ErrorKind), rec.ErrorMessage, tags,
		)
		if err != nil {
			return errors.NewInternalError("failed to record attempt").WithCause(err)
		}
		return nil
	})
}

// IsBlacklisted reports whether a strategy is currently blacklisted for an
// operation key. Expired entries do not count.
func (s *Store) IsBlacklisted(ctx context.Context, operationKey, strategyID string) (bool, error) {
	defer s.observe("is_blacklisted", "strategy_blacklist", time.Now())

	query := s.db.Rebind(`
		SELECT COUNT(*) FROM strategy_blacklist
		WHERE operation_key = ? AND strategy_id = ? AND expires_at > ?`)

	var count int
	if err := s.db.GetContext(ctx, &count, query, operationKey, strategyID, time.Now().UnixMilli()); err != nil {
		return false, errors.NewInternalError("failed to query blacklist").WithCause(err)
	}
	return count > 0, nil
}

// Blacklist inserts or refreshes a blacklist entry. Idempotent: repeated
// calls for the same (operationKey, strategyID) update the single entry and
// preserve its first-blacklisted time.
func (s *Store) Blacklist(ctx context.Context, operationKey, strategyID, reason string, failureCount int) error {
	defer s.observe("blacklist", "strategy_blacklist", time.Now())

	now := time.Now()
	query := s.db.Rebind(`
		INSERT INTO strategy_blacklist
			(operation_key, strategy_id, failure_count, reason, first_blacklisted, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_key, strategy_id) DO UPDATE SET
			failure_count = excluded.failure_count,
			reason = excluded.reason,
			expires_at = excluded.expires_at`)

	return s.withTransaction(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			operationKey, strategyID, failureCount, reason,
			now.UnixMilli(), now.Add(BlacklistTTL).UnixMilli(),
		)
		if err != nil {
			return errors.NewInternalError("failed to blacklist strategy").WithCause(err)
		}
		return nil
	})
}

// ClearBlacklist removes a blacklist entry (administrative override)
func (s *Store) ClearBlacklist(ctx context.Context, operationKey, strategyID string) error {
	defer s.observe("clear_blacklist", "strategy_blacklist", time.Now())

	query := s.db.Rebind(`
		DELETE FROM strategy_blacklist WHERE operation_key = ? AND strategy_id = ?`)

	return s.withTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, query, operationKey, strategyID); err != nil {
			return errors.NewInternalError("failed to clear blacklist entry").WithCause(err)
		}
		return nil
	})
}

// BlacklistedStrategies returns the currently effective blacklist entries
// for an operation key.
func (s *Store) BlacklistedStrategies(ctx context.Context, operationKey string) ([]string, error) {
	defer s.observe("list_blacklist", "strategy_blacklist", time.Now())

	query := s.db.Rebind(`
		SELECT strategy_id FROM strategy_blacklist
		WHERE operation_key = ? AND expires_at > ?
		ORDER BY strategy_id`)

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, operationKey, time.Now().UnixMilli()); err != nil {
		return nil, errors.NewInternalError("failed to list blacklist").WithCause(err)
	}
	return ids, nil
}

// FailureCount counts failed attempts of one strategy for an operation key
// since the given time.
func (s *Store) FailureCount(ctx context.Context, operationKey, strategyID string, since time.Time) (int, error) {
	defer s.observe("failure_count", "attempt_records", time.Now())

	query := s.db.Rebind(`
		SELECT COUNT(*) FROM attempt_records
		WHERE operation_key = ? AND strategy_id = ? AND outcome = ? AND started_at >= ?`)

	var count int
	err := s.db.GetContext(ctx, &count, query,
		operationKey, strategyID, string(types.OutcomeError), since.UnixMilli())
	if err != nil {
		return 0, errors.NewInternalError("failed to count failures").WithCause(err)
	}
	return count, nil
}

// DistinctErrorKinds returns the distinct error kinds observed for an
// operation key since the given time.
func (s *Store) DistinctErrorKinds(ctx context.Context, operationKey string, since time.Time) ([]string, error) {
	defer s.observe("distinct_error_kinds", "attempt_records", time.Now())

	query := s.db.Rebind(`
		SELECT DISTINCT error_kind FROM attempt_records
		WHERE operation_key = ? AND outcome = ? AND started_at >= ? AND error_kind <> ''
		ORDER BY error_kind`)

	var kinds []string
	err := s.db.SelectContext(ctx, &kinds, query,
		operationKey, string(types.OutcomeError), since.UnixMilli())
	if err != nil {
		return nil, errors.NewInternalError("failed to query error kinds").WithCause(err)
	}
	return kinds, nil
}

type strategyStatsRow struct {
	StrategyID string          `db:"strategy_id"`
	Successes  int             `db:"successes"`
	Failures   int             `db:"failures"`
	AvgMs      sql.NullFloat64 `db:"avg_ms"`
}

// StrategyStats returns observed per-strategy performance for an operation
// key, used by the explorer for ranking.
func (s *Store) StrategyStats(ctx context.Context, operationKey string) (map[string]types.StrategyStats, error) {
	defer s.observe("strategy_stats", "attempt_records", time.Now())

	query := s.db.Rebind(`
		SELECT strategy_id,
			SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END) AS successes,
			SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END) AS failures,
			AVG(duration_ms) AS avg_ms
		FROM attempt_records
		WHERE operation_key = ?
		GROUP BY strategy_id`)

	var rows []strategyStatsRow
	if err := s.db.SelectContext(ctx, &rows, query, operationKey); err != nil {
		return nil, errors.NewInternalError("failed to query strategy stats").WithCause(err)
	}

	stats := make(map[string]types.StrategyStats, len(rows))
	for _, row := range rows {
		st := types.StrategyStats{
			StrategyID: row.StrategyID,
			Successes:  row.Successes,
			Failures:   row.Failures,
		}
		if row.AvgMs.Valid {
			st.AvgLatency = time.Duration(row.AvgMs.Float64 * float64(time.Millisecond))
		}
		stats[row.StrategyID] = st
	}
	return stats, nil
}

type attemptRow struct {
	StrategyID string `db:"strategy_id"`
	StartedAt  int64  `db:"started_at"`
	Outcome    string `db:"outcome"`
	ErrorKind  string `db:"error_kind"`
}

// Analytics aggregates failure history for one operation key over the
// trailing seven days: most frequent error kind, most failure-prone
// strategy, and daily failure counts. Computed on demand.
func (s *Store) Analytics(ctx context.Context, operationKey string) (*types.AnalyticsSummary, error) {
	defer s.observe("analytics", "attempt_records", time.Now())

	const windowDays = 7
	now := time.Now()
	since := now.AddDate(0, 0, -windowDays)

	query := s.db.Rebind(`
		SELECT strategy_id, started_at, outcome, error_kind
		FROM attempt_records
		WHERE operation_key = ? AND started_at >= ?
		ORDER BY started_at`)

	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows, query, operationKey, since.UnixMilli()); err != nil {
		return nil, errors.NewInternalError("failed to query attempt history").WithCause(err)
	}

	summary := &types.AnalyticsSummary{
		OperationKey: operationKey,
		GeneratedAt:  now,
		WindowDays:   windowDays,
	}

	kindCounts := make(map[string]int)
	strategyFailures := make(map[string]int)
	daily := make(map[string]int)

	for _, row := range rows {
		summary.TotalAttempts++
		if row.Outcome != string(types.OutcomeError) {
			continue
		}
		summary.TotalFailures++
		if row.ErrorKind != "" {
			kindCounts[row.ErrorKind]++
		}
		strategyFailures[row.StrategyID]++
		day := time.UnixMilli(row.StartedAt).UTC().Format("2006-01-02")
		daily[day]++
	}

	topKind, topKindCount := "", 0
	for kind, count := range kindCounts {
		if count > topKindCount || (count == topKindCount && kind < topKind) {
			topKind, topKindCount = kind, count
		}
	}
	summary.TopErrorKind = errors.Kind(topKind)

	topStrategy, topStrategyCount := "", 0
	for id, count := range strategyFailures {
		if count > topStrategyCount || (count == topStrategyCount && id < topStrategy) {
			topStrategy, topStrategyCount = id, count
		}
	}
	summary.MostFailingID = topStrategy

	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		summary.DailyFailures = append(summary.DailyFailures, types.DailyCount{Day: day, Count: daily[day]})
	}

	blacklisted, err := s.BlacklistedStrategies(ctx, operationKey)
	if err != nil {
		return nil, err
	}
	summary.BlacklistedIDs = blacklisted

	return summary, nil
}

// Purge removes attempt records older than the cutoff and expired blacklist
// entries. Returns the number of rows removed from each table.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, int64, error) {
	defer s.observe("purge", "attempt_records", time.Now())

	now := time.Now()
	cutoff := now.Add(-olderThan).UnixMilli()

	var attempts, blacklist int64
	err := s.withTransaction(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.db.Rebind(
			`DELETE FROM attempt_records WHERE started_at < ?`), cutoff)
		if err != nil {
			return errors.NewInternalError("failed to purge attempt records").WithCause(err)
		}
		attempts, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, s.db.Rebind(
			`DELETE FROM strategy_blacklist WHERE expires_at <= ?`), now.UnixMilli())
		if err != nil {
			return errors.NewInternalError("failed to purge blacklist").WithCause(err)
		}
		blacklist, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	if s.metrics != nil {
		s.metrics.RecordPurge("attempt_records", attempts)
		s.metrics.RecordPurge("strategy_blacklist", blacklist)
	}

	s.logger.Info("Failure store purged",
		"attempts_removed", attempts,
		"blacklist_removed", blacklist,
		"older_than", olderThan.String(),
	)
	return attempts, blacklist, nil
}
