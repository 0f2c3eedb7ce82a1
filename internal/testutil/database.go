// Package testutil provides the shared Postgres testcontainer and per-test
// schema isolation used by integration tests: one container per package,
// a unique schema per test, and a search_path-scoped connection with the
// project's migrations applied.
package testutil

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"memoryd/internal/store"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestStore starts (or reuses) a shared Postgres testcontainer, creates
// a uniquely named schema for this test, runs the project's migrations
// against it, and returns a *store.Store wrapping a connection scoped to
// that schema via search_path. The schema is dropped on test cleanup.
func SetupTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	t.Logf("created test schema: %s", schemaName)
	require.NoError(t, db.Close())

	scopedConnStr := addSearchPathToConnString(connStr, schemaName)
	scopedDB, err := stdsql.Open("pgx", scopedConnStr)
	require.NoError(t, err)
	scopedDB.SetMaxOpenConns(10)
	scopedDB.SetMaxIdleConns(5)

	require.NoError(t, store.Migrate(scopedDB, schemaName))

	t.Cleanup(func() {
		_, err := scopedDB.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = scopedDB.Close()
	})

	return store.NewFromDB(scopedDB)
}

// getOrCreateSharedDatabase returns a connection string to the shared test
// database: CI_DATABASE_URL when set (external Postgres service in CI), or a
// testcontainer started once per package for local development.
func getOrCreateSharedDatabase(t *testing.T) string {
	t.Helper()

	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get connection string: %w", err)
			return
		}

		sharedConnStr = connStr
		t.Logf("shared container ready: %s", sharedConnStr)
	})

	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

// generateSchemaName builds a unique, Postgres-safe schema name from the
// test name plus a random suffix, so parallel tests never collide.
func generateSchemaName(t *testing.T) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("generate random schema suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}

func addSearchPathToConnString(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schemaName)
}
