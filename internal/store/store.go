// Package store is the durable relational layer: sessions, observations,
// summaries, raw prompts, schema migrations, and full-text index
// maintenance, written directly against database/sql + pgx.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"memoryd/internal/config"
)

//go:embed migrations
var migrationsFS embed.FS

// requiredColumns is the defensive-check table: even if golang-migrate's
// version table (schema_migrations) claims every migration applied, we
// verify the columns a live session
// actually needs exist before declaring the store ready. The version table
// can disagree with reality after a manual repair.
var requiredColumns = map[string][]string{
	"sessions":          {"agent_session_id", "platform", "project", "status", "prompt_counter"},
	"user_prompts":       {"agent_session_id", "prompt_number", "prompt_text"},
	"observations":       {"sdk_session_id", "project", "type", "facts", "concepts"},
	"session_summaries":  {"sdk_session_id", "project", "discovery_tokens"},
}

// Store wraps the shared *sql.DB. There is no query builder layer — every
// operation is a hand-written SQL statement.
type Store struct {
	db *stdsql.DB
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *stdsql.DB { return s.db }

// New opens the database, runs migrations, and performs the defensive
// schema check.
func New(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema verification failed: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an already-open, already-migrated *sql.DB — used by
// integration tests that manage their own per-test schema (internal/testutil).
func NewFromDB(db *stdsql.DB) *Store {
	return &Store{db: db}
}

// Migrate runs the embedded migrations against an already-open connection
// whose search_path already selects the target schema (a fresh per-test
// schema, in internal/testutil). lockName only needs to be unique per
// physical database, not per schema, since golang-migrate's advisory lock is
// keyed on it alongside the connection's database name.
func Migrate(db *stdsql.DB, lockName string) error {
	return runMigrations(db, lockName)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *stdsql.DB, dbName string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver — calling m.Close() would also close the
	// *sql.DB passed to postgres.WithInstance(), breaking the Store.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}

// verifySchema performs the defensive, introspection-based check on top of
// the migration version table: for every table the Store depends on,
// confirm its required columns actually exist.
func verifySchema(ctx context.Context, db *stdsql.DB) error {
	for table, cols := range requiredColumns {
		rows, err := db.QueryContext(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
		if err != nil {
			return fmt.Errorf("introspect table %s: %w", table, err)
		}
		present := make(map[string]bool)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("scan column name for %s: %w", table, err)
			}
			present[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate columns for %s: %w", table, err)
		}
		if len(present) == 0 {
			return fmt.Errorf("required table %q is missing", table)
		}
		for _, col := range cols {
			if !present[col] {
				return fmt.Errorf("required column %s.%s is missing", table, col)
			}
		}
	}
	return nil
}

// Health reports whether the store is reachable.
func Health(ctx context.Context, db *stdsql.DB) error {
	return db.PingContext(ctx)
}
