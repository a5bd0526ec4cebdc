package database

import (
	"context"
	"os"
	stdsql "database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/langhook-io/langhook/pkg/database"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to an external PostgreSQL
// service container. In local dev: spins up a testcontainer with
// PostgreSQL. Either way, embedded migrations run through
// database.RunMigrationsOn, the same migration step production uses.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
		return newClientFromDSN(t, ciDatabaseURL)
	}

	t.Log("using testcontainers for PostgreSQL")
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return newClientFromDSN(t, connStr)
}

func newClientFromDSN(t *testing.T, dsn string) *database.Client {
	t.Helper()
	db, err := stdsql.Open("pgx", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	ctx := context.Background()
	require.NoError(t, database.RunMigrationsOn(ctx, db, dbNameFromDSN(db)))

	client := database.NewClientFromDB(db)
	t.Cleanup(func() { client.Close() })
	return client
}

// dbNameFromDSN asks Postgres for the currently connected database name
// rather than re-parsing the DSN string.
func dbNameFromDSN(db *stdsql.DB) string {
	var name string
	if err := db.QueryRow("SELECT current_database()").Scan(&name); err != nil {
		return "test"
	}
	return name
}
