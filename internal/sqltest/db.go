//go:build integration_test

// Package sqltest provides isolated Postgres and SQLite databases for the
// integration tests of the SQL-backed ledger store.
package sqltest

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"testing"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

const (
	// DriverPostgres is the database/sql driver name used for Postgres.
	DriverPostgres = "pgx"

	// DriverSQLite is the database/sql driver name used for SQLite.
	DriverSQLite = "sqlite"
)

// DBFactory creates a fresh database for a single test and registers its
// cleanup with t.
type DBFactory func(t testing.TB) *sql.DB

// DBTestFunc is run once per database backend.  The driver name tells the
// test which SQL dialect the factory's databases speak.
type DBTestFunc func(t *testing.T, dbFactory DBFactory, driver string)

// RunDatabaseTest runs testFunc against both Postgres and SQLite.
func RunDatabaseTest(t *testing.T, testFunc DBTestFunc) {
	t.Helper()

	backends := []struct {
		name      string
		driver    string
		dbFactory DBFactory
	}{
		{
			name:      "Postgres",
			driver:    DriverPostgres,
			dbFactory: NewPostgresDB,
		},
		{
			name:      "SQLite",
			driver:    DriverSQLite,
			dbFactory: NewSQLiteDB,
		},
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			testFunc(t, b.dbFactory, b.driver)
		})
	}
}

// deterministicTestID hashes the test name so database names stay short and
// stable across runs, which keeps Go test caching effective.
func deterministicTestID(t testing.TB) string {
	t.Helper()
	h := fnv.New32a()
	_, err := h.Write([]byte(t.Name()))
	require.NoError(t, err)

	return fmt.Sprintf("%08x", h.Sum32())
}
