// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package withdrawal

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Event is a side effect of processing a ledger block.  Handlers return
// events instead of invoking callbacks, and the caller dispatches them in
// order once the ledger writes they depend on are done.
type Event interface {
	event()
}

// TxCreated is emitted when a notary persisted the withdrawal transaction.
type TxCreated struct {
	WithdrawalID string
	ShortHash    string
	Tx           *wire.MsgTx
}

// SignaturesPublished is emitted when a notary published its signatures of
// a withdrawal transaction.
type SignaturesPublished struct {
	WithdrawalID string

	// OriginalHash is the hash of the unsigned transaction.
	OriginalHash chainhash.Hash

	// Inputs is the number of inputs this notary signed.
	Inputs int
}

// Broadcasted is emitted when the transaction was relayed.
type Broadcasted struct {
	WithdrawalID string
	TxHash       chainhash.Hash
}

// RolledBack is emitted when the source account was refunded.
type RolledBack struct {
	WithdrawalID string
	Reason       string
	Refund       btcutil.Amount
}

// Finalized is emitted when the fee was paid and the amount burnt.
type Finalized struct {
	WithdrawalID string
	Fee          btcutil.Amount
}

// ChangeAddressWatched is emitted when a new change address should be
// watched by the Bitcoin node.
type ChangeAddressWatched struct {
	Address string
}

func (TxCreated) event()            {}
func (SignaturesPublished) event()  {}
func (Broadcasted) event()          {}
func (RolledBack) event()           {}
func (Finalized) event()            {}
func (ChangeAddressWatched) event() {}
