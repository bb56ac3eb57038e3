// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain connects the notary to a Bitcoin node.
package chain

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/utxo"
)

// Interface is what the notary needs from a Bitcoin node.
type Interface interface {
	// ListUnspent returns the unspent outputs paying to addrs, with
	// their depth and height.
	ListUnspent(ctx context.Context,
		addrs []btcutil.Address) ([]*utxo.Output, error)

	// SendRawTransaction relays tx and returns its hash.  Errors are
	// mapped by MapRPCErr.
	SendRawTransaction(ctx context.Context,
		tx *wire.MsgTx) (*chainhash.Hash, error)

	// ImportAddresses adds addrs to the watch list of the node.
	ImportAddresses(ctx context.Context, addrs []btcutil.Address) error

	// BestHeight returns the height of the best block.
	BestHeight(ctx context.Context) (int32, error)
}
