// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/stretchr/testify/require"
)

// TestMatchErrStr checks that matchErrStr ignores dashes and case.
func TestMatchErrStr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		rpcErr   error
		matchStr string
		matched  bool
	}{
		{
			name:     "error without dashes",
			rpcErr:   errors.New("missing inputs"),
			matchStr: "missing inputs",
			matched:  true,
		},
		{
			name:     "error with dashes",
			rpcErr:   errors.New("txn-already-known"),
			matchStr: "txn already known",
			matched:  true,
		},
		{
			name:     "title case",
			rpcErr:   errors.New("-26: Txn-Already-In-Mempool"),
			matchStr: "txn-already-in-mempool",
			matched:  true,
		},
		{
			name:     "unmatched error",
			rpcErr:   errors.New("missing inputs"),
			matchStr: "already known",
			matched:  false,
		},
		{
			name:     "nil error",
			matchStr: "missing inputs",
			matched:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.matched,
				matchErrStr(tc.rpcErr, tc.matchStr))
		})
	}
}

func TestMapRPCErr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		rpcErr   error
		expected error
		relayed  bool
	}{
		{errors.New("-27: transaction already in block chain"),
			ErrTxAlreadyConfirmed, true},
		{errors.New("-26: txn-already-in-mempool"),
			ErrTxAlreadyInMempool, true},
		{errors.New("-22: already have transaction 1234"),
			ErrTxAlreadyKnown, true},
		{errors.New("-26: min relay fee not met"),
			ErrInsufficientFee, false},
		{errors.New("bad-txns-inputs-missingorspent"),
			ErrMissingInputs, false},
		{errors.New("connection refused"), ErrUndefined, false},
	}

	for _, tc := range testCases {
		err := MapRPCErr(tc.rpcErr)
		require.ErrorIs(t, err, tc.expected, "%v", tc.rpcErr)
		require.Equal(t, tc.relayed, IsAlreadyRelayed(err))
	}

	require.NoError(t, MapRPCErr(nil))
}

func TestUnspentToOutput(t *testing.T) {
	t.Parallel()

	o, err := unspentToOutput(&btcjson.ListUnspentResult{
		TxID:          "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b",
		Vout:          1,
		Address:       "2N1",
		ScriptPubKey:  "a914000000000000000000000000000000000000000087",
		Amount:        0.5,
		Confirmations: 6,
	}, 100)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(50_000_000), o.Value)
	require.Equal(t, int32(95), o.Height)
	require.Equal(t, uint32(1), o.OutPoint.Index)
	require.Len(t, o.PkScript, 23)

	o, err = unspentToOutput(&btcjson.ListUnspentResult{
		TxID:   "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b",
		Amount: 0.1,
	}, 100)
	require.NoError(t, err)
	require.Zero(t, o.Height)

	_, err = unspentToOutput(&btcjson.ListUnspentResult{TxID: "zz"}, 100)
	require.Error(t, err)
}

func TestRPCClientConfigValidate(t *testing.T) {
	t.Parallel()

	var cfg *RPCClientConfig
	require.Error(t, cfg.validate())

	cfg = &RPCClientConfig{}
	require.Error(t, cfg.validate())

	cfg.Chain = &chaincfg.RegressionNetParams
	require.Error(t, cfg.validate())

	cfg.Conn = &rpcclient.ConnConfig{Host: "localhost:18443"}
	require.Error(t, cfg.validate())

	cfg.Conn.DisableTLS = true
	require.NoError(t, cfg.validate())
}
