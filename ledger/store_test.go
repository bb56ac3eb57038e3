// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

// storeFactory creates a fresh, empty Store for a single test.
type storeFactory func(t *testing.T) Store

func newTestMemoryStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}

func newTestBoltStore(t *testing.T) Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := NewBoltStore(db)
	require.NoError(t, err)

	return store
}

// TestStores runs the shared store behaviour against every in-process
// implementation.
func TestStores(t *testing.T) {
	t.Parallel()

	factories := []struct {
		name    string
		factory storeFactory
	}{
		{name: "memory", factory: newTestMemoryStore},
		{name: "bolt", factory: newTestBoltStore},
	}

	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			runStoreTests(t, f.factory)
		})
	}
}

// runStoreTests exercises a Store implementation.  It is shared with the SQL
// integration tests.
func runStoreTests(t *testing.T, factory storeFactory) {
	t.Run("create account", func(t *testing.T) {
		testCreateAccount(t, factory(t))
	})
	t.Run("compare and set", func(t *testing.T) {
		testCompareAndSet(t, factory(t))
	})
	t.Run("atomic batch", func(t *testing.T) {
		testAtomicBatch(t, factory(t))
	})
	t.Run("transfer", func(t *testing.T) {
		testTransfer(t, factory(t))
	})
	t.Run("filter details", func(t *testing.T) {
		testFilterDetails(t, factory(t))
	})
}

func testCreateAccount(t *testing.T, s Store) {
	ctx := context.Background()

	exists, err := s.AccountExists(ctx, "alice@d3")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Execute(ctx, CreateAccount{AccountID: "alice@d3"}))

	err = s.Execute(ctx, CreateAccount{AccountID: "alice@d3"})
	require.ErrorIs(t, err, ErrAccountExists)
	require.NoError(t, IgnoreAccountExists(err))

	exists, err = s.AccountExists(ctx, "alice@d3")
	require.NoError(t, err)
	require.True(t, exists)

	quorum, err := s.Quorum(ctx, "alice@d3")
	require.NoError(t, err)
	require.Equal(t, 1, quorum)

	require.NoError(t, s.Execute(ctx, SetQuorum{
		AccountID: "alice@d3", Quorum: 3,
	}))
	quorum, err = s.Quorum(ctx, "alice@d3")
	require.NoError(t, err)
	require.Equal(t, 3, quorum)

	err = s.Execute(ctx, SetDetail{
		AccountID: "bob@d3", Key: "k", Value: "v",
	})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func testCompareAndSet(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Execute(ctx, CreateAccount{AccountID: "utxo@d3"}))

	// Absent -> w1 succeeds once.
	require.NoError(t, s.Execute(ctx, CompareAndSetDetail{
		AccountID: "utxo@d3", Key: "0_aa", Value: "w1",
	}))
	err := s.Execute(ctx, CompareAndSetDetail{
		AccountID: "utxo@d3", Key: "0_aa", Value: "w2",
	})
	require.ErrorIs(t, err, ErrCompareAndSetFailed)

	// Guarded replacement only works with the right old value.
	err = s.Execute(ctx, CompareAndSetDetail{
		AccountID: "utxo@d3", Key: "0_aa", Value: "released",
		OldValue: StrPtr("w2"),
	})
	require.ErrorIs(t, err, ErrCompareAndSetFailed)

	require.NoError(t, s.Execute(ctx, CompareAndSetDetail{
		AccountID: "utxo@d3", Key: "0_aa", Value: "released",
		OldValue: StrPtr("w1"),
	}))

	v, ok, err := s.GetDetail(ctx, "utxo@d3", "0_aa")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "released", v)

	_, ok, err = s.GetDetail(ctx, "utxo@d3", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func testAtomicBatch(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Execute(ctx, CreateAccount{AccountID: "tx@d3"}))
	require.NoError(t, s.Execute(ctx, SetDetail{
		AccountID: "tx@d3", Key: "taken", Value: "w0",
	}))

	// The last command fails, so none of the batch may be visible.
	err := s.Execute(ctx,
		SetDetail{AccountID: "tx@d3", Key: "raw", Value: "0100"},
		CreateAccount{AccountID: "other@d3"},
		CompareAndSetDetail{
			AccountID: "tx@d3", Key: "taken", Value: "w1",
		},
	)
	require.ErrorIs(t, err, ErrCompareAndSetFailed)

	details, err := s.GetDetails(ctx, "tx@d3")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"taken": "w0"}, details)

	exists, err := s.AccountExists(ctx, "other@d3")
	require.NoError(t, err)
	require.False(t, exists)
}

func testTransfer(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Execute(ctx,
		CreateAccount{AccountID: "src@d3"},
		CreateAccount{AccountID: "dst@d3"},
		AddAsset{AccountID: "src@d3", AssetID: BTCAssetID, Amount: 1000},
	))

	require.NoError(t, s.Execute(ctx, TransferAsset{
		SrcAccountID: "src@d3", DestAccountID: "dst@d3",
		AssetID: BTCAssetID, Description: "test", Amount: 400,
	}))

	err := s.Execute(ctx, TransferAsset{
		SrcAccountID: "src@d3", DestAccountID: "dst@d3",
		AssetID: BTCAssetID, Amount: 601,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, s.Execute(ctx, SubtractAsset{
		AccountID: "dst@d3", AssetID: BTCAssetID, Amount: 100,
	}))

	balances := map[string]btcutil.Amount{"src@d3": 600, "dst@d3": 300}
	for acct, want := range balances {
		got, err := s.Balance(ctx, acct, BTCAssetID)
		require.NoError(t, err)
		require.Equal(t, want, got, acct)
	}

	err = s.Execute(ctx, AddAsset{
		AccountID: "src@d3", AssetID: BTCAssetID, Amount: 0,
	})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func testFilterDetails(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Execute(ctx,
		CreateAccount{AccountID: "a@d3"},
		SetDetail{AccountID: "a@d3", Key: "b", Value: "x"},
		SetDetail{AccountID: "a@d3", Key: "a", Value: "x"},
		SetDetail{AccountID: "a@d3", Key: "c", Value: "y"},
	))

	keys, err := FilterDetails(ctx, s, "a@d3", func(_, v string) bool {
		return v == "x"
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)

	keys, err = FilterDetails(ctx, s, "a@d3", func(_, v string) bool {
		return v == "z"
	})
	require.NoError(t, err)
	require.Empty(t, keys)
}

// TestMemoryStoreConcurrentClaims checks that exactly one of many racing
// compare-and-set writers wins.
func TestMemoryStoreConcurrentClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Execute(ctx, CreateAccount{AccountID: "utxo@d3"}))

	const writers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Execute(ctx, CompareAndSetDetail{
				AccountID: "utxo@d3", Key: "0_ff",
				Value: string(rune('a' + i)),
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
}

// TestSQLStoreRebind checks placeholder rewriting for Postgres.
func TestSQLStoreRebind(t *testing.T) {
	t.Parallel()

	pg := &SQLStore{dialect: DialectPostgres}
	require.Equal(t, "SELECT a FROM b WHERE c = $1 AND d = $2",
		pg.rebind("SELECT a FROM b WHERE c = ? AND d = ?"))

	lite := &SQLStore{dialect: DialectSQLite}
	require.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}
