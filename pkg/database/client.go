// Package database provides the SQL client, embedded migrations, and
// health reporting for the execution store. SQLite is the default
// backend; PostgreSQL is supported for shared deployments.
package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 driver for database/sql
)

//go:embed migrations/sqlite migrations/postgres
var migrationsFS embed.FS

// Client wraps the sqlx connection and remembers which backend it runs on.
type Client struct {
	db     *sqlx.DB
	driver string
}

// DB returns the underlying sqlx connection.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Driver returns the configured backend ("sqlite" or "postgres").
func (c *Client) Driver() string {
	return c.driver
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the configured backend, applies pool settings, verifies
// connectivity, and runs pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	driverName, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite serialises writes; a single connection avoids
		// SQLITE_BUSY under concurrent writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{db: db, driver: cfg.Driver}
	if err := client.runMigrations(cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return client, nil
}

func buildDSN(cfg Config) (driverName, dsn string, err error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		path := cfg.Path
		if path == "" {
			path = "runbookpilot.db"
		}
		if path == ":memory:" {
			// WAL is meaningless without a file; in-memory databases keep
			// the default journal mode.
			return "sqlite3", "file::memory:?cache=shared&_foreign_keys=on&_busy_timeout=5000", nil
		}
		return "sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path), nil
	case DriverPostgres:
		return "pgx", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// runMigrations applies pending schema migrations from the embedded
// per-dialect directory using golang-migrate.
func (c *Client) runMigrations(cfg Config) error {
	sourceDir := "migrations/sqlite"
	if cfg.Driver == DriverPostgres {
		sourceDir = "migrations/postgres"
	}

	sourceDriver, err := iofs.New(migrationsFS, sourceDir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	if cfg.Driver == DriverPostgres {
		driver, derr := migratepg.WithInstance(c.db.DB, &migratepg.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create postgres migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	} else {
		driver, derr := migratesqlite.WithInstance(c.db.DB, &migratesqlite.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create sqlite migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "runbookpilot", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB underneath sqlx.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
