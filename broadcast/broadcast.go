// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package broadcast relays completed withdrawal transactions.  A marker in
// the ledger makes sure that of all the notaries completing the same
// transaction exactly one relays it, even across restarts.
package broadcast

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/chain"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/withdrawal"
)

// Relayer sends transactions to the Bitcoin network.
type Relayer interface {
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash,
		error)
}

// Broadcaster relays withdrawal transactions.
type Broadcaster struct {
	store ledger.Store
	relay Relayer
}

// New returns a Broadcaster marking withdrawals in store and relaying
// through relay.
func New(store ledger.Store, relay Relayer) *Broadcaster {
	return &Broadcaster{store: store, relay: relay}
}

// Broadcast moves the withdrawal from Signing to Broadcasting and relays tx.
// The state change happens before the relay, so a notary that loses the
// change, or runs after a restart, does nothing and returns a nil event.
// A transaction the network already knows counts as relayed.  On any other
// relay failure an ErrBroadcast error is returned and the withdrawal stays
// in Broadcasting for the caller to roll back.
//
// Relaying is at most once.  A notary that stops between the marker and the
// relay leaves the withdrawal in Broadcasting with its transaction still
// stored in the ledger; no notary relays or refunds it after that, and it
// takes an operator to relay the stored transaction or roll it back.
func (b *Broadcaster) Broadcast(ctx context.Context, withdrawalID string,
	tx *wire.MsgTx) (*withdrawal.Broadcasted, error) {

	marker, _, err := withdrawal.TransitionCommand(withdrawalID,
		withdrawal.StateSigning, withdrawal.EventBroadcast)
	if err != nil {
		return nil, err
	}

	err = b.store.Execute(ctx, marker)
	switch {
	case errors.Is(err, ledger.ErrCompareAndSetFailed):
		log.Debugf("Withdrawal %s is not signing, skipping broadcast "+
			"of %v", withdrawalID, tx.TxHash())
		return nil, nil

	case err != nil:
		return nil, withdrawal.NewError(withdrawal.ErrDatabase,
			"cannot mark broadcast of "+withdrawalID, err)
	}

	txHash := tx.TxHash()
	log.Infof("Broadcasting tx %v of withdrawal %s", txHash, withdrawalID)

	txid, err := b.relay.SendRawTransaction(ctx, tx)
	switch {
	case err == nil:
		txHash = *txid

	case chain.IsAlreadyRelayed(err):
		log.Infof("Tx %v of withdrawal %s already relayed: %v", txHash,
			withdrawalID, err)

	default:
		return nil, withdrawal.NewError(withdrawal.ErrBroadcast,
			"cannot relay tx "+txHash.String(), err)
	}

	return &withdrawal.Broadcasted{
		WithdrawalID: withdrawalID,
		TxHash:       txHash,
	}, nil
}
