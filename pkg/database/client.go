// Package database provides the SQLite database client and migration utilities.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Register the cgo-free sqlite driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// sentinelFile marks a data directory that has survived at least one boot.
// If it disappears between boots the volume was wiped, i.e. storage is ephemeral.
const sentinelFile = ".errly-storage"

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file location. The parent directory is
	// created if missing.
	Path string

	// BusyTimeout is how long a connection waits on a locked database
	// before failing, in milliseconds. Defaults to 5000.
	BusyTimeoutMS int
}

// Client wraps the sqlx handle and provides access to the underlying database
type Client struct {
	db   *sqlx.DB
	path string
}

// DB returns the underlying sqlx handle for stores and direct queries
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Path returns the database file location
func (c *Client) Path() string {
	return c.path
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the SQLite database, applies pending migrations and returns
// a ready client. WAL mode is enabled so dashboard reads do not block the
// single writer.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	checkEphemeralStorage(dir, cfg.Path)

	db, err := sqlx.Open("sqlite", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one pooled connection serializes writes
	// without SQLITE_BUSY churn while WAL keeps reads concurrent enough.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := writeStorageSentinel(dir); err != nil {
		slog.Warn("Failed to write storage sentinel", "dir", dir, "error", err)
	}

	return &Client{db: db, path: cfg.Path}, nil
}

// buildDSN assembles the modernc sqlite DSN. Pragmas are applied on every
// pooled connection; _txlock=immediate takes the write lock at BEGIN so
// upsert transactions never deadlock upgrading a read lock.
func buildDSN(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeoutMS))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return fmt.Sprintf("file:%s?%s", cfg.Path, q.Encode())
}

// runMigrations applies pending schema migrations using golang-migrate with
// migration files embedded into the binary via go:embed, so production
// deployments need no external files.
func runMigrations(db *sqlx.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found - binary may be built incorrectly")
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "errly", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close()
	// because that also closes the database driver, which closes the shared
	// *sql.DB passed via sqlite.WithInstance().
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql migration files
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			return true, nil
		}
	}

	return false, nil
}

// checkEphemeralStorage warns when the data directory looks freshly wiped.
// A missing sentinel plus a missing database file on a non-first boot means
// the platform volume did not persist and all captured errors were lost.
func checkEphemeralStorage(dir, dbPath string) {
	if _, err := os.Stat(filepath.Join(dir, sentinelFile)); err == nil {
		return
	}
	if _, err := os.Stat(dbPath); err == nil {
		// Database survived without a sentinel (pre-sentinel upgrade); fine.
		return
	}
	slog.Warn("Data directory is empty - if this service has run before, its volume is not persistent and previously captured errors were lost",
		"dir", dir)
}

func writeStorageSentinel(dir string) error {
	path := filepath.Join(dir, sentinelFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte("errly data volume marker\n"), 0o644)
}
