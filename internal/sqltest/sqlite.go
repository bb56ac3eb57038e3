//go:build integration_test

package sqltest

import (
	"database/sql"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewSQLiteDB returns a file backed SQLite database in the test's temporary
// directory.  The file goes away with the directory.
func NewSQLiteDB(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger_"+deterministicTestID(t)+
		".sqlite")

	// Writers racing on a compare-and-set wait for the lock instead of
	// failing with SQLITE_BUSY.
	params := url.Values{}
	params.Add("mode", "rwc")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")

	db, err := sql.Open(DriverSQLite, "file:"+path+"?"+params.Encode())
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}
