// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notary

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/chain"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/stretchr/testify/require"
)

// fakeOutput is an unspent output known to a fakeChain.  A zero height
// means the output is in the mempool.
type fakeOutput struct {
	value    btcutil.Amount
	pkScript []byte
	address  string
	height   int32
}

// fakeChain is an in-memory Bitcoin node shared by the notaries of a test.
type fakeChain struct {
	params *chaincfg.Params

	mu       sync.Mutex
	best     int32
	outputs  map[wire.OutPoint]*fakeOutput
	relayed  []*wire.MsgTx
	known    map[chainhash.Hash]struct{}
	imported map[string]struct{}

	// rejects holds the node errors returned by the next relays.
	rejects []string
}

var _ chain.Interface = (*fakeChain)(nil)

func newFakeChain(params *chaincfg.Params, best int32) *fakeChain {
	return &fakeChain{
		params:   params,
		best:     best,
		outputs:  make(map[wire.OutPoint]*fakeOutput),
		known:    make(map[chainhash.Hash]struct{}),
		imported: make(map[string]struct{}),
	}
}

// fund adds a confirmed output of value paying to addr.
func (c *fakeChain) fund(t *testing.T, addr btcutil.Address,
	value btcutil.Amount, height int32) wire.OutPoint {

	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()

	op := wire.OutPoint{
		Hash: chainhash.DoubleHashH([]byte(addr.EncodeAddress())),
	}
	c.outputs[op] = &fakeOutput{
		value:    value,
		pkScript: pkScript,
		address:  addr.EncodeAddress(),
		height:   height,
	}
	return op
}

// mine confirms the mempool in the next block and extends the chain by n
// blocks.
func (c *fakeChain) mine(n int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, o := range c.outputs {
		if o.height == 0 {
			o.height = c.best + 1
		}
	}
	c.best += n
}

// rejectRelay makes the next relay fail with the node error msg.
func (c *fakeChain) rejectRelay(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejects = append(c.rejects, msg)
}

func (c *fakeChain) relayedTxs() []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()

	txs := make([]*wire.MsgTx, len(c.relayed))
	copy(txs, c.relayed)
	return txs
}

func (c *fakeChain) isImported(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.imported[addr]
	return ok
}

func (c *fakeChain) ListUnspent(_ context.Context,
	addrs []btcutil.Address) ([]*utxo.Output, error) {

	wanted := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		wanted[a.EncodeAddress()] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var outputs []*utxo.Output
	for op, o := range c.outputs {
		if _, ok := wanted[o.address]; !ok {
			continue
		}

		var confs int32
		if o.height > 0 {
			confs = c.best - o.height + 1
		}
		outputs = append(outputs, &utxo.Output{
			OutPoint:      op,
			Value:         o.value,
			PkScript:      o.pkScript,
			Address:       o.address,
			Height:        o.height,
			Confirmations: confs,
		})
	}
	return outputs, nil
}

func (c *fakeChain) SendRawTransaction(_ context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	hash := tx.TxHash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.rejects) > 0 {
		msg := c.rejects[0]
		c.rejects = c.rejects[1:]
		return nil, chain.MapRPCErr(errors.New(msg))
	}
	if _, ok := c.known[hash]; ok {
		return nil, chain.MapRPCErr(errors.New("txn-already-in-mempool"))
	}
	for _, in := range tx.TxIn {
		if _, ok := c.outputs[in.PreviousOutPoint]; !ok {
			return nil, chain.MapRPCErr(errors.New("missing inputs"))
		}
	}

	for _, in := range tx.TxIn {
		delete(c.outputs, in.PreviousOutPoint)
	}
	for i, out := range tx.TxOut {
		var address string
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript,
			c.params)
		if err == nil && len(addrs) == 1 {
			address = addrs[0].EncodeAddress()
		}
		c.outputs[wire.OutPoint{Hash: hash, Index: uint32(i)}] =
			&fakeOutput{
				value:    btcutil.Amount(out.Value),
				pkScript: out.PkScript,
				address:  address,
			}
	}

	c.known[hash] = struct{}{}
	c.relayed = append(c.relayed, tx)

	return &hash, nil
}

func (c *fakeChain) ImportAddresses(_ context.Context,
	addrs []btcutil.Address) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range addrs {
		c.imported[a.EncodeAddress()] = struct{}{}
	}
	return nil
}

func (c *fakeChain) BestHeight(context.Context) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.best, nil
}
