// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notary

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcnotary/chain"
	"github.com/btcsuite/btcnotary/coinselect"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/signing"
	"github.com/btcsuite/btcnotary/withdrawal"
	"github.com/prometheus/client_golang/prometheus"
)

// FeeDescription marks the transfer paying the fee of a withdrawal.
const FeeDescription = "withdrawal fee"

// DefaultMinConfirmations is the default depth of spendable outputs.
const DefaultMinConfirmations = 6

// Accounts names the ledger accounts of the withdrawal service.
type Accounts struct {
	// Withdrawal receives the withdrawal transfers of clients and holds
	// the funds until the withdrawal is settled.  Its quorum is the
	// number of notaries.
	Withdrawal string

	// Billing receives the fees of relayed withdrawals.
	Billing string

	// TxStorage holds the persisted withdrawal transactions.
	TxStorage string

	// UTXOStorage holds the output claims.
	UTXOStorage string

	// ClientAddresses and ChangeAddresses hold the registered multisig
	// addresses.
	ClientAddresses string
	ChangeAddresses string
}

// DefaultAccounts returns the account names used by a default deployment.
func DefaultAccounts() Accounts {
	return Accounts{
		Withdrawal:      "btc_withdrawal_service@notary",
		Billing:         "transfer_billing@notary",
		TxStorage:       "btc_tx_storage@notary",
		UTXOStorage:     "btc_utxo_storage@notary",
		ClientAddresses: "notary@notary",
		ChangeAddresses: "btc_change_addresses@notary",
	}
}

// list returns every account name.
func (a *Accounts) list() []string {
	return []string{
		a.Withdrawal, a.Billing, a.TxStorage, a.UTXOStorage,
		a.ClientAddresses, a.ChangeAddresses,
	}
}

// CreateAccounts creates the service accounts that do not exist yet.
func CreateAccounts(ctx context.Context, store ledger.Store,
	accounts Accounts) error {

	for _, id := range accounts.list() {
		err := store.Execute(ctx, ledger.CreateAccount{AccountID: id})
		if err := ledger.IgnoreAccountExists(err); err != nil {
			return err
		}
	}
	return nil
}

// Config holds the parameters and collaborators of a Service.
type Config struct {
	// Store is the ledger shared by the notaries.
	Store ledger.Store

	// Chain is the Bitcoin node of this notary.
	Chain chain.Interface

	// Keys holds the private keys of this notary.
	Keys signing.KeyStore

	// NodeID identifies this notary in the ledger records.
	NodeID string

	ChainParams *chaincfg.Params
	Accounts    Accounts
	Fees        coinselect.FeePolicy

	// MinConfirmations is the depth an output needs to be spent.
	MinConfirmations int32

	// MaxInputs caps the inputs of a withdrawal transaction.
	MaxInputs int

	// Peers is the number of notaries.  When zero, the quorum of the
	// withdrawal account is used.
	Peers int

	// Threshold is the signing and consensus policy.  Nil selects
	// withdrawal.SignThreshold.
	Threshold withdrawal.ThresholdFunc

	// Workers bounds the concurrent transaction completions.
	Workers int64

	// Registerer receives the statistics.  It may be nil.
	Registerer prometheus.Registerer
}
