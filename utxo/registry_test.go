// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package utxo

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/stretchr/testify/require"
)

const testRegistryAccount = "utxo_storage@notary"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	store := ledger.NewMemoryStore()
	require.NoError(t, store.Execute(context.Background(),
		ledger.CreateAccount{AccountID: testRegistryAccount},
	))
	return NewRegistry(store, testRegistryAccount)
}

func TestOutputID(t *testing.T) {
	t.Parallel()

	hash := chainhash.DoubleHashH([]byte("funding"))
	id := OutputID(wire.OutPoint{Hash: hash, Index: 7})

	require.Len(t, id, maxIDLength)
	require.True(t, strings.HasPrefix(id, "7_"+hash.String()[:10]))
}

// TestClaimSingleWinner checks that of two withdrawals racing for the same
// output exactly one succeeds.
func TestClaimSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	var (
		wg      sync.WaitGroup
		results = make([]bool, 2)
	)
	for i, w := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(i int, w string) {
			defer wg.Done()
			ok, err := r.Claim(ctx, "0_abc", w)
			require.NoError(t, err)
			results[i] = ok
		}(i, w)
	}
	wg.Wait()

	require.NotEqual(t, results[0], results[1])
}

func TestClaimLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	claimed, err := r.IsClaimed(ctx, "0_abc", "w1")
	require.NoError(t, err)
	require.False(t, claimed)

	ok, err := r.Claim(ctx, "0_abc", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	// Re-claiming by the holder is idempotent.
	ok, err = r.Claim(ctx, "0_abc", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Claim(ctx, "0_abc", "w2")
	require.NoError(t, err)
	require.False(t, ok)

	claimed, err = r.IsClaimed(ctx, "0_abc", "w1")
	require.NoError(t, err)
	require.False(t, claimed, "own claim must not block the holder")

	claimed, err = r.IsClaimed(ctx, "0_abc", "w2")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, r.Release(ctx, []string{"0_abc"}, "w1"))

	claimed, err = r.IsClaimed(ctx, "0_abc", "w2")
	require.NoError(t, err)
	require.False(t, claimed)

	_, held, err := r.Owner(ctx, "0_abc")
	require.NoError(t, err)
	require.False(t, held)

	// A released output can be claimed again.
	ok, err = r.Claim(ctx, "0_abc", "w2")
	require.NoError(t, err)
	require.True(t, ok)
}

// TestReleaseSafety checks that a withdrawal cannot release an output that
// another withdrawal holds.
func TestReleaseSafety(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	ok, err := r.Claim(ctx, "1_def", "w2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Release(ctx, []string{"1_def", "2_missing"}, "w1"))

	owner, held, err := r.Owner(ctx, "1_def")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "w2", owner)
}

func TestClaimCommands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	ok, err := r.Claim(ctx, "0_a", "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.Release(ctx, []string{"0_a"}, "w1"))
	ok, err = r.Claim(ctx, "0_b", "w2")
	require.NoError(t, err)
	require.True(t, ok)

	cmds, err := r.ClaimCommands(ctx, []string{"0_a", "0_c"}, "w2")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, Released, *cmds[0].(ledger.CompareAndSetDetail).OldValue)
	require.Nil(t, cmds[1].(ledger.CompareAndSetDetail).OldValue)

	cmds, err = r.ClaimCommands(ctx, []string{"0_b"}, "w2")
	require.NoError(t, err)
	require.Empty(t, cmds)

	_, err = r.ClaimCommands(ctx, []string{"0_b"}, "w3")
	require.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestReleaseCommands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	for _, c := range []struct{ output, withdrawal string }{
		{"0_a", "w1"}, {"0_b", "w2"}, {"0_c", "w1"},
	} {
		ok, err := r.Claim(ctx, c.output, c.withdrawal)
		require.NoError(t, err)
		require.True(t, ok)
	}

	cmds, err := r.ReleaseCommands(ctx,
		[]string{"0_a", "0_b", "0_c", "0_d"}, "w1")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.NoError(t, r.store.Execute(ctx, cmds...))

	for _, id := range []string{"0_a", "0_c"} {
		_, held, err := r.Owner(ctx, id)
		require.NoError(t, err)
		require.False(t, held)
	}
	owner, held, err := r.Owner(ctx, "0_b")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "w2", owner)

	// Replaying the batch fails once the claims are gone.
	require.ErrorIs(t, r.store.Execute(ctx, cmds...),
		ledger.ErrCompareAndSetFailed)
}

func TestHeldBy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	for _, c := range []struct{ output, withdrawal string }{
		{"0_c", "w1"}, {"0_b", "w2"}, {"0_a", "w1"}, {"0_d", "w1"},
	} {
		ok, err := r.Claim(ctx, c.output, c.withdrawal)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, r.Release(ctx, []string{"0_d"}, "w1"))

	held, err := r.HeldBy(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, []string{"0_a", "0_c"}, held)

	held, err = r.HeldBy(ctx, "w3")
	require.NoError(t, err)
	require.Empty(t, held)
}

func TestSerializableUTXORoundTrip(t *testing.T) {
	t.Parallel()

	out := &Output{
		OutPoint: wire.OutPoint{
			Hash:  chainhash.DoubleHashH([]byte("tx")),
			Index: 1,
		},
		Value:    100_000_000,
		PkScript: []byte{0xa9, 0x14, 0x01, 0x87},
		Address:  "2N1",
	}

	s, err := NewSerializableUTXO(out)
	require.NoError(t, err)

	// outpoint(36) + empty script length(1) + sequence(4)
	require.Len(t, s.RawInputHex, 2*41)

	back, err := s.Output()
	require.NoError(t, err)
	require.Equal(t, out, back)

	id, err := s.ID()
	require.NoError(t, err)
	require.Equal(t, out.ID(), id)
}
