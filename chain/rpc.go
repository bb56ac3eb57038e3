// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/utxo"
)

// RPCClientConfig defines the config options used when initializing the RPC
// client.
type RPCClientConfig struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines a Bitcoin network by its parameters.
	Chain *chaincfg.Params
}

// validate checks the required config options are set.
func (r *RPCClientConfig) validate() error {
	if r == nil {
		return errors.New("missing rpc config")
	}

	// Make sure the chain params are configed.
	if r.Chain == nil {
		return errors.New("missing chain params config")
	}

	// Make sure connection config is supplied.
	if r.Conn == nil {
		return errors.New("missing conn config")
	}

	// If disableTLS is false, the remote RPC certificate must be provided
	// in the certs slice.
	if !r.Conn.DisableTLS && r.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}

	return nil
}

// RPCClient talks to a bitcoind or btcd wallet-enabled node over HTTP POST
// JSON-RPC.
type RPCClient struct {
	client      *rpcclient.Client
	chainParams *chaincfg.Params
}

// A compile-time check to ensure that RPCClient satisfies the chain.Interface
// interface.
var _ Interface = (*RPCClient)(nil)

// NewRPCClient creates a client of the node described by cfg.
func NewRPCClient(cfg *RPCClientConfig) (*RPCClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Conn.HTTPPostMode = true
	client, err := rpcclient.New(cfg.Conn, nil)
	if err != nil {
		return nil, err
	}

	return &RPCClient{client: client, chainParams: cfg.Chain}, nil
}

// Stop shuts the client down and waits for pending requests.
func (c *RPCClient) Stop() {
	c.client.Shutdown()
	c.client.WaitForShutdown()
}

// receive waits for a pending RPC or for ctx to be done, whichever comes
// first.  rpcclient futures cannot be cancelled, so a request abandoned
// here still completes in the background.
func receive[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// BestHeight returns the height of the best block.
func (c *RPCClient) BestHeight(ctx context.Context) (int32, error) {
	count, err := receive(ctx, c.client.GetBlockCountAsync().Receive)
	if err != nil {
		return 0, err
	}
	return int32(count), nil
}

// ListUnspent returns the unspent outputs paying to addrs.  Outputs are
// listed regardless of depth; the height of confirmed outputs is derived
// from their depth and the best height.
func (c *RPCClient) ListUnspent(ctx context.Context,
	addrs []btcutil.Address) ([]*utxo.Output, error) {

	best, err := c.BestHeight(ctx)
	if err != nil {
		return nil, err
	}

	future := c.client.ListUnspentMinMaxAddressesAsync(0, math.MaxInt32,
		addrs)
	results, err := receive(ctx, future.Receive)
	if err != nil {
		return nil, err
	}

	outputs := make([]*utxo.Output, 0, len(results))
	for i := range results {
		o, err := unspentToOutput(&results[i], best)
		if err != nil {
			log.Warnf("Skipping unspent %s:%d: %v", results[i].TxID,
				results[i].Vout, err)
			continue
		}
		outputs = append(outputs, o)
	}

	log.Debugf("Listed %d unspent outputs of %d addresses at height %d",
		len(outputs), len(addrs), best)

	return outputs, nil
}

// unspentToOutput converts a listunspent result seen at the given best
// height.
func unspentToOutput(r *btcjson.ListUnspentResult,
	best int32) (*utxo.Output, error) {

	hash, err := chainhash.NewHashFromStr(r.TxID)
	if err != nil {
		return nil, err
	}
	pkScript, err := hex.DecodeString(r.ScriptPubKey)
	if err != nil {
		return nil, err
	}
	value, err := btcutil.NewAmount(r.Amount)
	if err != nil {
		return nil, err
	}

	o := &utxo.Output{
		OutPoint:      wire.OutPoint{Hash: *hash, Index: r.Vout},
		Value:         value,
		PkScript:      pkScript,
		Address:       r.Address,
		Confirmations: int32(r.Confirmations),
	}
	if o.Confirmations > 0 {
		o.Height = best - o.Confirmations + 1
	}
	return o, nil
}

// SendRawTransaction relays tx.
func (c *RPCClient) SendRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	txid, err := receive(ctx,
		c.client.SendRawTransactionAsync(tx, false).Receive)
	if err != nil {
		return nil, MapRPCErr(err)
	}
	return txid, nil
}

// ImportAddresses adds addrs to the wallet watch list of the node without
// rescanning.
func (c *RPCClient) ImportAddresses(ctx context.Context,
	addrs []btcutil.Address) error {

	for _, addr := range addrs {
		future := c.client.ImportAddressRescanAsync(
			addr.EncodeAddress(), "", false)
		_, err := receive(ctx, func() (struct{}, error) {
			return struct{}{}, future.Receive()
		})
		if err != nil {
			return fmt.Errorf("import %s: %w", addr, err)
		}
		log.Infof("Watching address %s", addr)
	}
	return nil
}
