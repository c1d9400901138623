package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var embedded embed.FS

const dir = "sql"

// goose keeps its configuration in package globals
var gooseMu sync.Mutex

func configure(logger *logrus.Logger) error {
	goose.SetBaseFS(embedded)
	if logger != nil {
		goose.SetLogger(logger)
	} else {
		goose.SetLogger(goose.NopLogger())
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func Up(db *sql.DB, logger *logrus.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configure(logger); err != nil {
		return err
	}

	from, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	to, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get final version: %w", err)
	}

	if logger != nil && from != to {
		logger.WithFields(logrus.Fields{
			"from_version": from,
			"to_version":   to,
		}).Info("Database migrated")
	}
	return nil
}

// Version returns the applied schema version.
func Version(db *sql.DB) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configure(nil); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db)
}

// Status prints the state of every migration through logger.
func Status(db *sql.DB, logger *logrus.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configure(logger); err != nil {
		return err
	}
	return goose.Status(db, dir)
}
