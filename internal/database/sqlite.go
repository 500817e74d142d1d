package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Session validation is read-heavy while logins and directory syncs write in
// bursts; WAL keeps validation reads open across those writes and the busy
// timeout absorbs the sync scheduler's upsert batches.
const sqliteFileParams = "_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

func openSQLite(cfg Config) (*gorm.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		var err error
		if dsn, err = sqliteDSN(cfg.Path); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// The DSN pragma only covers connections the driver opens later; the one
	// already held by the pool needs it applied directly.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	return db, nil
}

func sqliteDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || strings.EqualFold(path, ":memory:") {
		return "file::memory:?cache=shared&_foreign_keys=1", nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("file:%s?%s", filepath.ToSlash(path), sqliteFileParams), nil
}
