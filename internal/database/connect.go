package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hbomb79/Scribe/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const (
	SqlDialect = "sqlite3"

	// The connection string enables WAL journaling so that every committed
	// write is durable across a crash, and a busy timeout so concurrent
	// callers (scheduler, workers, HTTP handlers) queue rather than fail.
	SqlConnectionString = "file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL"
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")
)

type (
	DatabaseConfig struct {
		Path string `yaml:"path" env:"DB_PATH" env-default:"./data/scribe.db"`
	}

	SqlLogger struct {
		logger logger.Logger
	}

	// Queryable is the union of the sqlx methods the stores require; it is
	// satisfied by both *sqlx.DB and *sqlx.Tx so store methods can run
	// standalone or inside a wrapped transaction.
	Queryable interface {
		Exec(query string, args ...any) (sql.Result, error)
		Get(dest any, query string, args ...any) error
		Select(dest any, query string, args ...any) error
		Rebind(query string) string
	}

	Manager interface {
		Connect(DatabaseConfig) error
		GetSqlxDb() *sqlx.DB
		WrapTx(func(*sqlx.Tx) error) error
		Checkpoint() error
	}

	manager struct {
		rawDb *sql.DB
		db    *sqlx.DB
	}
)

func New() *manager {
	return &manager{}
}

func (db *manager) Connect(config DatabaseConfig) error {
	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory '%s': %w", dir, err)
		}
	}

	dsn := fmt.Sprintf(SqlConnectionString, config.Path)
	raw, err := sql.Open(SqlDialect, dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	raw = sqldblogger.OpenDriver(dsn, raw.Driver(), &SqlLogger{dbLogger})
	if err := raw.Ping(); err != nil {
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY churn under concurrent mutation;
	// reads are still served from the WAL snapshot.
	raw.SetMaxOpenConns(1)

	db.rawDb = raw
	db.db = sqlx.NewDb(raw, SqlDialect)

	if err := db.ExecuteMigrations(); err != nil {
		return err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return nil
}

// ExecuteMigrations uses the comp-time embedded SQL migrations (found in the
// 'migrations' dir in this package) and runs them against the current DB
// instance.
//
// Note that this method must only be called following a successful DB
// connection.
func (db *manager) ExecuteMigrations() error {
	if db.rawDb == nil {
		return errors.New("cannot execute migrations when DB manager has not yet connected")
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(SqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(db.rawDb, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	return nil
}

// GetSqlxDb returns the sqlx database handle if one has been opened using
// 'Connect'. Otherwise, nil is returned.
func (db *manager) GetSqlxDb() *sqlx.DB {
	return db.db
}

// Checkpoint forces the WAL contents in to the main database file. Called by
// the lifecycle thread periodically and once more during shutdown.
func (db *manager) Checkpoint() error {
	if db.db == nil {
		return errors.New("DB manager has not yet connected")
	}

	_, err := db.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// WrapTx is a convinience method around the top-level WrapTx, which simply
// uses the managers DB instance as the first argument.
func (db *manager) WrapTx(f func(tx *sqlx.Tx) error) error {
	if db.db == nil {
		return errors.New("DB manager has not yet connected")
	}

	return WrapTx(db.db, f)
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace, sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// WrapTx starts a transaction against the provided DB, and then calls the user
// provided function. If this function errors, the transaction is rolled back -
// otherwise the transaction is committed.
func WrapTx(db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		dbLogger.Errorf("Transaction failed... rolling back. Error: %s\n", err.Error())
		return err
	}

	return tx.Commit()
}
