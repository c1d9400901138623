package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/migrations"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database is the sqlite-backed mapping store and sync ledger.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	logger    *logrus.Logger
}

// Options configures New
type Options struct {
	Path             string
	EncryptionSecret string
	Logger           *logrus.Logger
}

func New(opts Options) (*Database, error) {
	if len(opts.Path) == 0 || opts.Path[0] == '\x00' {
		return nil, errors.NewConfigError("database.path", "invalid database path")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}

	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, constants.DefaultDirectoryPermissions); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseConnection, "failed to create database directory")
		}
	}

	enc, err := newEncryptor(opts.EncryptionSecret)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to initialize encryptor")
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseConnection, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseConnection, "failed to ping database")
	}

	if err := migrations.Up(db, opts.Logger); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w (close error: %v)", err, closeErr)
		}
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseMigration, "failed to migrate schema")
	}

	return &Database{db: db, encryptor: enc, logger: opts.Logger}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SchemaVersion returns the applied migration version.
func (d *Database) SchemaVersion() (int64, error) {
	return migrations.Version(d.db)
}

// MigrationStatus logs the state of every schema migration.
func (d *Database) MigrationStatus() error {
	return migrations.Status(d.db, d.logger)
}

// Ping checks the connection for health reporting.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback error: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// classify turns a driver error into the matching AppError.
func classify(operation, resource string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return errors.NewConflictError(resource, err).WithContext("operation", operation)
	}
	return errors.NewDatabaseError(operation, err)
}
