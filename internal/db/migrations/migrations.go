// Package migrations runs the embedded goose migrations against SQLite.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

// QuietMode suppresses goose's per-migration output.
var QuietMode bool

// Run applies all pending migrations.
func Run(db *sql.DB) error {
	goose.SetBaseFS(files)
	if QuietMode {
		goose.SetLogger(goose.NopLogger())
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
