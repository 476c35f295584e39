// Package sqlite implements auth persistence over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/louisbranch/passkeys.space/internal/auth/storage/sqlite/migrations"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/platform/storage/sqlitemigrate"
)

// errNotConfigured reports use of a nil or closed store handle.
var errNotConfigured = apperrors.New(apperrors.CodeStorage, "storage is not configured")

// storageErr tags an engine failure so it surfaces with the storage code.
func storageErr(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeStorage, op, err)
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.CredentialStore and storage.SessionStore.
//
// A single SQLite file backs users, authenticators, and sessions so every
// auth flow shares the same transaction and visibility boundaries. Writes
// queue against the engine's single writer; reads proceed concurrently
// under WAL.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

// Open opens the auth SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open sqlite db", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, storageErr("ping sqlite db", err)
	}

	store := &Store{
		sqlDB: sqlDB,
		clock: time.Now,
	}

	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, storageErr("run migrations", err)
	}

	return store, nil
}

// DB returns the raw database handle for maintenance callers.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}

const (
	busyRetryAttempts = 4
	busyRetryBase     = 10 * time.Millisecond
)

// withBusyRetry runs op, retrying transient writer contention with bounded
// exponential backoff. After the attempts are exhausted the busy error
// surfaces to the caller as a storage failure.
func (s *Store) withBusyRetry(ctx context.Context, op func() error) error {
	backoff := retry.WithMaxRetries(busyRetryAttempts, retry.NewExponential(busyRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op()
		if isBusyError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// isBusyError detects SQLite writer lock contention.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := err.Error()
	return strings.Contains(value, "SQLITE_BUSY") ||
		strings.Contains(value, "database is locked") ||
		strings.Contains(value, "database table is locked")
}

// isUniqueConstraintError detects SQLite unique constraint violations.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
