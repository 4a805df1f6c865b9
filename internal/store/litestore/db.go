// Package litestore implements the credit ledger, job store and idempotency
// store on SQLite through GORM. It backs local development and tests; the
// Postgres store in the parent package is the production backend.
package litestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the SQLite-backed implementation.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) a SQLite database. In-memory databases are pinned
// to a single connection so every caller sees the same data and writes are
// serialised by the connection pool.
func Open(dsn string) (*Store, error) {
	normalized := ensureSQLiteParams(normalizeSQLiteDSN(dsn))
	if normalized == "" {
		return nil, fmt.Errorf("litestore: empty dsn")
	}
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, err
	}

	conn, err := gorm.Open(sqlite.Open(normalized), &gorm.Config{
		Logger:         newGormLogger(log.StandardLogger()),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("litestore: open: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("litestore: open sql: %w", err)
	}
	if isMemoryDSN(normalized) {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("litestore: ping: %w", err)
	}

	s := &Store{db: conn}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.WithField("dsn", normalized).Debug("litestore: opened")
	return s, nil
}

// newGormLogger reports slow queries and unexpected errors through w. A
// missing row and a unique violation are answers the store handles, not
// failures, so they are not logged.
func newGormLogger(w logger.Writer) logger.Interface {
	return expectedErrorFilter{logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})}
}

type expectedErrorFilter struct {
	logger.Interface
}

func (f expectedErrorFilter) LogMode(level logger.LogLevel) logger.Interface {
	return expectedErrorFilter{f.Interface.LogMode(level)}
}

func (f expectedErrorFilter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if isUniqueViolation(err) {
		err = nil
	}
	f.Interface.Trace(ctx, begin, fc, err)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&accountRow{}, &jobRow{}, &ledgerEntryRow{}, &idempotencyRow{}); err != nil {
		return fmt.Errorf("litestore: migrate: %w", err)
	}
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_key
            ON jobs (account_id, idempotency_key) WHERE status IN ('pending', 'processing')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_job_reason
            ON ledger_entries (job_id, reason) WHERE job_id IS NOT NULL`,
	}
	for _, stmt := range indexes {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("litestore: create index: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// normalizeSQLiteDSN converts sqlite URLs into file-based DSNs.
func normalizeSQLiteDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "sqlite3://") || strings.HasPrefix(lower, "sqlite://") {
		parts := strings.SplitN(trimmed, "://", 2)
		if len(parts) == 2 {
			return "file:" + parts[1]
		}
	}
	return trimmed
}

// ensureSQLiteParams adds per-connection pragmas unless the DSN already sets them.
func ensureSQLiteParams(dsn string) string {
	if dsn == "" || strings.Contains(strings.ToLower(dsn), "_pragma=") {
		return dsn
	}
	pragmas := []string{"busy_timeout(5000)", "foreign_keys(1)"}
	if !isMemoryDSN(dsn) {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join(params, "&")
}

func isMemoryDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.Contains(lower, ":memory:") || strings.Contains(lower, "mode=memory")
}

// sqlitePathFromDSN extracts the file path from a SQLite DSN.
func sqlitePathFromDSN(dsn string) string {
	if isMemoryDSN(dsn) {
		return ""
	}
	pathPart := strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(pathPart), "file:") {
		pathPart = pathPart[len("file:"):]
	}
	if idx := strings.Index(pathPart, "?"); idx >= 0 {
		pathPart = pathPart[:idx]
	}
	return strings.TrimPrefix(pathPart, "//")
}

// ensureSQLiteDir creates the parent directory for a SQLite database file.
func ensureSQLiteDir(dsn string) error {
	path := sqlitePathFromDSN(dsn)
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("litestore: create sqlite dir: %w", err)
	}
	return nil
}
