//go:build integration_test

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"testing"

	"github.com/btcsuite/btcnotary/internal/sqltest"
	"github.com/stretchr/testify/require"
)

// TestSQLStore runs the shared store tests against Postgres and SQLite.
func TestSQLStore(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory, driver string) {

		dialect := DialectSQLite
		if driver == sqltest.DriverPostgres {
			dialect = DialectPostgres
		}

		runStoreTests(t, func(t *testing.T) Store {
			store, err := NewSQLStore(
				context.Background(), dbFactory(t), dialect,
			)
			require.NoError(t, err)
			return store
		})
	})
}
