// Package database provides PostgreSQL connection and migration utilities.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/aiqa/server/pkg/config"
)

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sensible defaults for database configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "aiqa",
		Password:        "",
		Database:        "aiqa",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// ConfigFromBase builds a connection config from the service configuration,
// keeping the default pool settings.
func ConfigFromBase(base *config.Base) *Config {
	cfg := DefaultConfig()
	cfg.Host = base.DBHost
	cfg.Port = base.DBPort
	cfg.User = base.DBUser
	cfg.Password = base.DBPassword
	cfg.Database = base.DBName
	cfg.SSLMode = base.DBSSLMode
	return cfg
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DB wraps sql.DB with additional functionality.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Connect creates a new database connection.
func Connect(ctx context.Context, cfg *Config) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return Wrap(db), nil
}

// Wrap adopts an already opened connection pool.
func Wrap(db *sql.DB) *DB {
	return &DB{DB: db, logger: slog.Default()}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// WithLogger sets the logger for the database.
func (db *DB) WithLogger(logger *slog.Logger) *DB {
	db.logger = logger
	return db
}

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator applies versioned SQL migrations and records them in a tracking
// table named "<schema>_schema_migrations".
type Migrator struct {
	db         *DB
	schema     string
	migrations []Migration
	logger     *slog.Logger
}

// NewMigrator creates a new migrator.
func NewMigrator(db *DB, schema string) *Migrator {
	return &Migrator{
		db:     db,
		schema: schema,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the migrator.
func (m *Migrator) WithLogger(logger *slog.Logger) *Migrator {
	m.logger = logger
	return m
}

// Migrations returns the loaded migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return m.migrations
}

// LoadMigrations loads migrations from a filesystem, usually an embed.FS.
// Files are named like 001_create_spans.up.sql and 001_create_spans.down.sql.
func (m *Migrator) LoadMigrations(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("invalid migration version in %s: %w", name, err)
		}

		var migName string
		up := false
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			migName = strings.TrimSuffix(rest, ".up.sql")
			up = true
		case strings.HasSuffix(rest, ".down.sql"):
			migName = strings.TrimSuffix(rest, ".down.sql")
		default:
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: migName}
			byVersion[version] = mig
		}
		if up {
			mig.Up = string(content)
		} else {
			mig.Down = string(content)
		}
	}

	versions := make([]int, 0, len(byVersion))
	for v, mig := range byVersion {
		if mig.Up == "" {
			return fmt.Errorf("migration %d (%s) has no up script", v, mig.Name)
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)

	m.migrations = make([]Migration, 0, len(versions))
	for _, v := range versions {
		m.migrations = append(m.migrations, *byVersion[v])
	}
	return nil
}

func (m *Migrator) table() string {
	return m.schema + "_schema_migrations"
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, m.table()))
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s", m.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Up runs all pending migrations and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get applied versions: %w", err)
	}

	count := 0
	for _, mig := range m.migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	m.logger.Info("applying migration", "version", mig.Version, "name", mig.Name)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
		return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.table()),
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	version, err := m.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if version == 0 {
		m.logger.Info("no migrations to rollback")
		return nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == version {
			mig = &m.migrations[i]
			break
		}
	}
	if mig == nil {
		return fmt.Errorf("migration %d not found", version)
	}

	m.logger.Info("rolling back migration", "version", mig.Version, "name", mig.Name)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %d (%s): %w", mig.Version, mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.table()),
		mig.Version,
	); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}
	return nil
}

// Version returns the current migration version, 0 when nothing is applied.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	var version int
	err := m.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", m.table()),
	).Scan(&version)
	return version, err
}
