// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notary

import (
	"strings"

	"github.com/btcsuite/btcnotary/blockstream"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/signing"
	"github.com/btcsuite/btcnotary/withdrawal"
)

// DetectWithdrawals returns the withdrawals requested by a ledger
// transaction.  A withdrawal is a transfer of bitcoin to the withdrawal
// account whose description is the destination address, optionally
// followed by a transfer of the fee from the same account, described by
// FeeDescription.  The withdrawal time is the creation time of the ledger
// transaction, which every notary observes alike.
func DetectWithdrawals(tx *blockstream.Transaction,
	withdrawalAccount string) []*withdrawal.Details {

	var (
		requests []*withdrawal.Details
		fees     = make(map[string]ledger.TransferAsset)
	)
	for _, cmd := range tx.Commands {
		t, ok := cmd.(ledger.TransferAsset)
		if !ok || t.DestAccountID != withdrawalAccount ||
			t.AssetID != ledger.BTCAssetID {

			continue
		}

		if t.Description == FeeDescription {
			if _, ok := fees[t.SrcAccountID]; !ok {
				fees[t.SrcAccountID] = t
			}
			continue
		}
		requests = append(requests, &withdrawal.Details{
			SourceAccount:        t.SrcAccountID,
			DestinationAddress:   t.Description,
			AmountSat:            t.Amount,
			WithdrawalTimeMillis: tx.CreatedTimeMillis,
		})
	}

	for _, d := range requests {
		if fee, ok := fees[d.SourceAccount]; ok {
			d.FeeSat = fee.Amount
			delete(fees, d.SourceAccount)
		}
	}
	return requests
}

// detailWrite is a detail written by a ledger command.
type detailWrite struct {
	accountID string
	key       string
	value     string
}

// detailWrites returns the details written by a transaction, in order.
func detailWrites(tx *blockstream.Transaction) []detailWrite {
	var writes []detailWrite
	for _, cmd := range tx.Commands {
		switch c := cmd.(type) {
		case ledger.SetDetail:
			writes = append(writes, detailWrite{
				c.AccountID, c.Key, c.Value,
			})
		case ledger.CompareAndSetDetail:
			writes = append(writes, detailWrite{
				c.AccountID, c.Key, c.Value,
			})
		}
	}
	return writes
}

// consensusWithdrawal returns the withdrawal a consensus record belongs to.
func consensusWithdrawal(w detailWrite) (string, bool) {
	id, ok := strings.CutSuffix(w.accountID, "@"+withdrawal.ConsensusDomain)
	if !ok || withdrawal.IsReservedKey(w.key) {
		return "", false
	}
	return id, true
}

// isSignatureWrite reports whether w publishes signatures.
func isSignatureWrite(w detailWrite) bool {
	return strings.HasSuffix(w.accountID, "@"+signing.SignCollectDomain)
}
