// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/addrbook"
	"github.com/btcsuite/btcnotary/coinselect"
	"github.com/btcsuite/btcnotary/consensus"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/btcsuite/btcnotary/withdrawal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

const (
	testClientAccount = "btc_registration@notary"
	testChangeAccount = "btc_change@notary"
	testUTXOAccount   = "utxo_storage@notary"
	testTxAccount     = "tx_storage@notary"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListUnspent(ctx context.Context,
	addrs []btcutil.Address) ([]*utxo.Output, error) {

	args := m.Called(ctx, addrs)
	return args.Get(0).([]*utxo.Output), args.Error(1)
}

type testHarness struct {
	store     ledger.Store
	states    *withdrawal.StateStore
	registry  *utxo.Registry
	assembler *Assembler
	client    btcutil.Address
	change    btcutil.Address
	dest      btcutil.Address
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	require.NoError(t, store.Execute(ctx,
		ledger.CreateAccount{AccountID: testClientAccount},
		ledger.CreateAccount{AccountID: testChangeAccount},
		ledger.CreateAccount{AccountID: testUTXOAccount},
		ledger.CreateAccount{AccountID: testTxAccount},
	))

	addr := func(seed string) btcutil.Address {
		a, err := btcutil.NewAddressScriptHash([]byte(seed), testParams)
		require.NoError(t, err)
		return a
	}
	h := &testHarness{
		store:  store,
		states: withdrawal.NewStateStore(store),
		client: addr("client"),
		change: addr("change"),
		dest:   addr("dest"),
	}

	book := addrbook.New(store, testClientAccount, testChangeAccount)
	require.NoError(t, book.Register(ctx, h.client.EncodeAddress(),
		addrbook.AddressInfo{Client: "alice@d3", NodeID: "n1"}))
	require.NoError(t, book.Register(ctx, h.change.EncodeAddress(),
		addrbook.AddressInfo{NodeID: "n1"}))

	pkScript, err := txscript.PayToAddrScript(h.client)
	require.NoError(t, err)
	lister := &mockLister{}
	lister.On("ListUnspent", mock.Anything, mock.Anything).Return(
		[]*utxo.Output{{
			OutPoint: wire.OutPoint{
				Hash: chainhash.DoubleHashH([]byte("funding")),
			},
			Value:         100_000_000,
			PkScript:      pkScript,
			Address:       h.client.EncodeAddress(),
			Height:        10,
			Confirmations: 6,
		}}, nil)

	h.registry = utxo.NewRegistry(store, testUTXOAccount)
	selector := coinselect.New(coinselect.DefaultFeePolicy(), h.registry,
		0, testParams)
	h.assembler = New(&Config{
		Store:       store,
		Registry:    h.registry,
		View:        coinselect.NewView(selector, lister, book, 6),
		TxAccount:   testTxAccount,
		ChainParams: testParams,
	})
	return h
}

// establish brings a withdrawal to the ConsensusEstablished state.
func (h *testHarness) establish(t *testing.T,
	d *withdrawal.Details) *consensus.Consensus {

	t.Helper()

	ctx := context.Background()
	_, err := h.states.Init(ctx, d)
	require.NoError(t, err)
	for _, ev := range []string{
		withdrawal.EventStartConsensus, withdrawal.EventEstablish,
	} {
		_, err := h.states.Transition(ctx, d.ID(), ev)
		require.NoError(t, err)
	}
	return &consensus.Consensus{Details: d, AvailableHeight: 10}
}

func (h *testHarness) details(amount btcutil.Amount,
	time int64) *withdrawal.Details {

	return &withdrawal.Details{
		SourceAccount:        "alice@d3",
		DestinationAddress:   h.dest.EncodeAddress(),
		AmountSat:            amount,
		WithdrawalTimeMillis: time,
		FeeSat:               6_000,
	}
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

func TestCreateAndPersist(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)
	d := h.details(10_000, 1000)
	c := h.establish(t, d)

	wc, err := h.assembler.Plan(ctx, c)
	require.NoError(t, err)
	require.Len(t, wc.UTXO, 1)

	tx, err := h.assembler.CreateTransaction(ctx, wc)
	require.NoError(t, err)
	again, err := h.assembler.CreateTransaction(ctx, wc)
	require.NoError(t, err)
	require.Equal(t, serialize(t, tx), serialize(t, again))

	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, int64(10_000), tx.TxOut[0].Value)
	require.Equal(t, int64(100_000_000-10_000-6_000), tx.TxOut[1].Value)

	created, err := h.assembler.Persist(ctx, wc, tx)
	require.NoError(t, err)
	require.True(t, created)

	// A second notary persisting the identical transaction is a no-op.
	created, err = h.assembler.Persist(ctx, wc, again)
	require.NoError(t, err)
	require.False(t, created)

	state, _, err := h.states.Current(ctx, d.ID())
	require.NoError(t, err)
	require.Equal(t, withdrawal.StateSigning, state)

	owner, held, err := h.registry.Owner(ctx, utxo.OutputID(
		tx.TxIn[0].PreviousOutPoint))
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, d.ID(), owner)

	rec, found, err := h.assembler.ForWithdrawal(ctx, d.ID())
	require.NoError(t, err)
	require.True(t, found)
	stored, err := rec.Tx()
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), stored.TxHash())

	rec, found, err = h.assembler.Get(ctx, ShortHash(tx.TxHash()))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, d.ID(), rec.Details.ID())
}

// TestPersistDifferentTransaction checks that losing the persist race to a
// different transaction leaves the winner's transaction and claims alone.
func TestPersistDifferentTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)
	d := h.details(10_000, 1000)
	c := h.establish(t, d)

	wc, err := h.assembler.Plan(ctx, c)
	require.NoError(t, err)
	tx, err := h.assembler.CreateTransaction(ctx, wc)
	require.NoError(t, err)
	created, err := h.assembler.Persist(ctx, wc, tx)
	require.NoError(t, err)
	require.True(t, created)

	other := tx.Copy()
	other.LockTime = 1
	require.NotEqual(t, tx.TxHash(), other.TxHash())

	created, err = h.assembler.Persist(ctx, wc, other)
	require.False(t, created)
	require.True(t, withdrawal.IsError(err, withdrawal.ErrStateConflict),
		"unexpected error %v", err)

	state, _, err := h.states.Current(ctx, d.ID())
	require.NoError(t, err)
	require.Equal(t, withdrawal.StateSigning, state)

	rec, found, err := h.assembler.ForWithdrawal(ctx, d.ID())
	require.NoError(t, err)
	require.True(t, found)
	stored, err := rec.Tx()
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), stored.TxHash())

	_, found, err = h.assembler.Get(ctx, ShortHash(other.TxHash()))
	require.NoError(t, err)
	require.False(t, found)

	owner, held, err := h.registry.Owner(ctx, utxo.OutputID(
		tx.TxIn[0].PreviousOutPoint))
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, d.ID(), owner)
}

// TestPlanClaimedOutput checks that a second withdrawal cannot plan to spend
// an output claimed by the first one.
func TestPlanClaimedOutput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)

	first := h.establish(t, h.details(10_000, 1000))
	wc, err := h.assembler.Plan(ctx, first)
	require.NoError(t, err)
	tx, err := h.assembler.CreateTransaction(ctx, wc)
	require.NoError(t, err)
	_, err = h.assembler.Persist(ctx, wc, tx)
	require.NoError(t, err)

	second := h.establish(t, h.details(20_000, 2000))
	_, err = h.assembler.Plan(ctx, second)
	require.ErrorIs(t, err, coinselect.ErrInsufficientFunds)

	// Persisting a stale plan fails the same way.
	stale := *wc
	stale.Details = *second.Details
	_, err = h.assembler.Persist(ctx, &stale, tx)
	require.ErrorIs(t, err, coinselect.ErrInsufficientFunds)
}

func TestCreateTransactionMissingConsensus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newTestHarness(t)

	_, err := h.assembler.CreateTransaction(ctx, &WithdrawalConsensus{
		Details: *h.details(10_000, 1),
	})
	require.True(t, withdrawal.IsError(err, withdrawal.ErrMissingConsensus))

	_, err = h.assembler.Plan(ctx, nil)
	require.True(t, withdrawal.IsError(err, withdrawal.ErrMissingConsensus))
}
