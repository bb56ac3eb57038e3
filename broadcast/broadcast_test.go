// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/chain"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/withdrawal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRelayer struct {
	mock.Mock
}

func (m *mockRelayer) SendRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	args := m.Called(ctx, tx)
	hash, _ := args.Get(0).(*chainhash.Hash)
	return hash, args.Error(1)
}

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash: chainhash.DoubleHashH([]byte("funding")),
	}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(10_000, []byte{0x51}))
	return tx
}

// signingWithdrawal stores a withdrawal in the Signing state and returns
// its id.
func signingWithdrawal(t *testing.T, store ledger.Store) string {
	t.Helper()

	ctx := context.Background()
	states := withdrawal.NewStateStore(store)
	d := &withdrawal.Details{
		SourceAccount:        "alice@d3",
		DestinationAddress:   "2N8hwP1WmJrFF5QWABn38y63uYLhnJYJYTF",
		AmountSat:            10_000,
		WithdrawalTimeMillis: 1_550_000_000_000,
	}
	ok, err := states.Init(ctx, d)
	require.NoError(t, err)
	require.True(t, ok)

	for _, event := range []string{
		withdrawal.EventStartConsensus,
		withdrawal.EventEstablish,
		withdrawal.EventSign,
	} {
		_, err := states.Transition(ctx, d.ID(), event)
		require.NoError(t, err)
	}
	return d.ID()
}

// TestBroadcastOnce checks that notaries completing the same transaction
// relay it exactly once.
func TestBroadcastOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	id := signingWithdrawal(t, store)
	tx := testTx()
	txHash := tx.TxHash()

	relay := &mockRelayer{}
	relay.On("SendRawTransaction", mock.Anything, tx).
		Return(&txHash, nil).Once()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		events []*withdrawal.Broadcasted
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ev, err := New(store, relay).Broadcast(ctx, id, tx)
			require.NoError(t, err)
			if ev != nil {
				mu.Lock()
				events = append(events, ev)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, events, 1)
	require.Equal(t, txHash, events[0].TxHash)
	relay.AssertNumberOfCalls(t, "SendRawTransaction", 1)

	state, _, err := withdrawal.NewStateStore(store).Current(ctx, id)
	require.NoError(t, err)
	require.Equal(t, withdrawal.StateBroadcasting, state)

	// A redelivered completion finds the marker and does nothing.
	ev, err := New(store, relay).Broadcast(ctx, id, tx)
	require.NoError(t, err)
	require.Nil(t, ev)
	relay.AssertNumberOfCalls(t, "SendRawTransaction", 1)
}

// TestBroadcastInterrupted checks that a withdrawal left in Broadcasting by
// a notary that stopped before relaying is not relayed again.
func TestBroadcastInterrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	id := signingWithdrawal(t, store)
	states := withdrawal.NewStateStore(store)
	_, err := states.Transition(ctx, id, withdrawal.EventBroadcast)
	require.NoError(t, err)

	relay := &mockRelayer{}
	ev, err := New(store, relay).Broadcast(ctx, id, testTx())
	require.NoError(t, err)
	require.Nil(t, ev)
	relay.AssertNotCalled(t, "SendRawTransaction", mock.Anything,
		mock.Anything)

	state, _, err := states.Current(ctx, id)
	require.NoError(t, err)
	require.Equal(t, withdrawal.StateBroadcasting, state)
}

func TestBroadcastRelayErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		relayed error
		fails   bool
	}{
		{
			name:    "already in mempool",
			relayed: chain.MapRPCErr(errors.New("txn-already-in-mempool")),
		},
		{
			name:    "already confirmed",
			relayed: chain.MapRPCErr(errors.New("transaction already in block chain")),
		},
		{
			name:    "missing inputs",
			relayed: chain.MapRPCErr(errors.New("missing inputs")),
			fails:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := ledger.NewMemoryStore()
			id := signingWithdrawal(t, store)
			tx := testTx()

			relay := &mockRelayer{}
			relay.On("SendRawTransaction", mock.Anything, tx).
				Return(nil, tc.relayed)

			ev, err := New(store, relay).Broadcast(ctx, id, tx)
			if tc.fails {
				require.True(t, withdrawal.IsError(err,
					withdrawal.ErrBroadcast))
				require.ErrorIs(t, err, chain.ErrMissingInputs)
				require.Nil(t, ev)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tx.TxHash(), ev.TxHash)
		})
	}
}
