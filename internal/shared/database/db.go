package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrUnsupportedDriver  = errors.New("unsupported database driver")
)

// DB is the durable credential store and call log.
type DB struct {
	conn   *sql.DB
	driver string
}

// New opens a connection for the given driver and verifies it with a ping
func New(driver, databaseURL string) (*DB, error) {
	dsn, err := prepareDSN(driver, databaseURL)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{conn: conn, driver: driver}
	db.configurePool()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if driver == DriverSQLite {
		if err := db.configureSQLite(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return db, nil
}

func prepareDSN(driver, databaseURL string) (string, error) {
	switch driver {
	case DriverPostgres:
		return databaseURL, nil
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(databaseURL)
		if err != nil {
			return "", fmt.Errorf("invalid mysql DSN: %w", err)
		}
		// DATETIME columns scan into time.Time; affected rows count matches, not changes
		cfg.ParseTime = true
		cfg.ClientFoundRows = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN(), nil
	case DriverSQLite:
		if strings.Contains(databaseURL, "_time_format=") {
			return databaseURL, nil
		}
		sep := "?"
		if strings.Contains(databaseURL, "?") {
			sep = "&"
		}
		return databaseURL + sep + "_time_format=sqlite", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
}

func (db *DB) configurePool() {
	if db.driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY under concurrent increments
		db.conn.SetMaxOpenConns(1)
		db.conn.SetMaxIdleConns(1)
		db.conn.SetConnMaxLifetime(0)
		return
	}
	db.conn.SetMaxOpenConns(25)
	db.conn.SetMaxIdleConns(10)
	db.conn.SetConnMaxLifetime(5 * time.Minute)
}

func (db *DB) configureSQLite(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver returns the driver name the store was opened with
func (db *DB) Driver() string {
	return db.driver
}

// Ping checks that the store is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind rewrites $n placeholders for drivers that only understand '?'.
// Queries must number their placeholders in argument order.
func (db *DB) rebind(query string) string {
	if db.driver == DriverPostgres {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// nullString returns a sql.NullString from an optional string.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
