package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/onedispatch/onedispatch/internal/db/migrations"
	"github.com/onedispatch/onedispatch/internal/logging"

	_ "modernc.org/sqlite"
)

// NewSQLite opens the SQLite database, runs migrations, and returns a Store.
func NewSQLite(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: user writes are small and serializing them sidesteps
	// SQLite's writer contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logging.Infof("user database ready at %s", path)
	return NewStore(db), nil
}
