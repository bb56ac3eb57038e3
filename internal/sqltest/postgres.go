//go:build integration_test

package sqltest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// pgImage is the server every Postgres backed ledger test runs against.
const pgImage = "postgres:16-alpine"

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// postgresDSN starts the shared container on first use and returns the DSN
// of its database.
func postgresDSN(t testing.TB) string {
	t.Helper()

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			2*time.Minute)
		defer cancel()

		container, err := postgres.Run(ctx, pgImage,
			postgres.WithDatabase("btcnotary"),
			postgres.WithUsername("notary"),
			postgres.WithPassword("notary"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			pgErr = fmt.Errorf("start postgres: %w", err)
			return
		}
		pgDSN, pgErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, pgErr)

	return pgDSN
}

// NewPostgresDB returns a connection confined to a fresh schema of the
// shared Postgres container.  The ledger tables are unqualified, so each
// test sees only its own.  The schema is dropped when the test ends.
func NewPostgresDB(t testing.TB) *sql.DB {
	t.Helper()

	dsn := postgresDSN(t)
	schema := "ledger_" + deterministicTestID(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	admin, err := sql.Open(DriverPostgres, dsn)
	require.NoError(t, err)
	defer admin.Close()

	for _, stmt := range []string{
		"DROP SCHEMA IF EXISTS " + schema + " CASCADE",
		"CREATE SCHEMA " + schema,
	} {
		_, err = admin.ExecContext(ctx, stmt)
		require.NoError(t, err, "failed to create test schema")
	}

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	db, err := sql.Open(DriverPostgres, u.String())
	require.NoError(t, err)
	db.SetMaxOpenConns(8)
	require.NoError(t, db.PingContext(ctx))

	t.Cleanup(func() {
		_ = db.Close()

		ctx, cancel := context.WithTimeout(context.Background(),
			30*time.Second)
		defer cancel()

		admin, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return
		}
		defer admin.Close()
		_, _ = admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+
			" CASCADE")
	})

	return db
}
