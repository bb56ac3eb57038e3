// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rollback settles withdrawals in the ledger: it refunds the source
// account of a failed withdrawal, or pays the fee and burns the amount of a
// relayed one.  Each settlement is a single ledger batch guarded by the
// withdrawal state, so it happens exactly once across all notaries.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/btcsuite/btcnotary/withdrawal"
)

// Rollback reasons, recorded as the description of the refund transfer.
const (
	ReasonInvalidAddress = "Invalid address"
	ReasonTooSmallAmount = "Too small amount"
	ReasonNoConsensus    = "Cannot create consensus"
	ReasonTxCreation     = "Cannot create Bitcoin transaction"
	ReasonSigning        = "Cannot sign"
	ReasonBroadcast      = "Cannot complete Bitcoin transaction"
)

// MaxReasonLength is the longest transfer description the ledger accepts.
const MaxReasonLength = 64

// maxAttempts bounds the retries of a rollback whose state check raced with
// another state change.
const maxAttempts = 3

// Record is the audit record of a rollback.
type Record struct {
	Details  withdrawal.Details `json:"withdrawalDetails"`
	UTXOKeys []string           `json:"utxoKeys"`
	Reason   string             `json:"reason"`
}

// Config holds the collaborators of a Service.
type Config struct {
	Store    ledger.Store
	Registry *utxo.Registry

	// WithdrawalAccount holds the funds of withdrawals in flight.
	WithdrawalAccount string

	// BillingAccount receives the fees of relayed withdrawals.
	BillingAccount string
}

// Service refunds and finalizes withdrawals.
type Service struct {
	store             ledger.Store
	states            *withdrawal.StateStore
	registry          *utxo.Registry
	withdrawalAccount string
	billingAccount    string
}

// New returns a Service.
func New(cfg *Config) *Service {
	return &Service{
		store:             cfg.Store,
		states:            withdrawal.NewStateStore(cfg.Store),
		registry:          cfg.Registry,
		withdrawalAccount: cfg.WithdrawalAccount,
		billingAccount:    cfg.BillingAccount,
	}
}

// truncate cuts reason to MaxReasonLength bytes without splitting a rune.
func truncate(reason string) string {
	if len(reason) <= MaxReasonLength {
		return reason
	}
	cut := MaxReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// spentKeys returns the registry keys of the outputs spent by tx.
func spentKeys(tx *wire.MsgTx) []string {
	if tx == nil {
		return nil
	}
	keys := make([]string, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		keys = append(keys, utxo.OutputID(in.PreviousOutPoint))
	}
	return keys
}

// claimedKeys returns the registry keys of the outputs spent by tx together
// with any other output id still holds, without duplicates.
func (s *Service) claimedKeys(ctx context.Context, id string,
	spent []string) ([]string, error) {

	held, err := s.registry.HeldBy(ctx, id)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(spent)+len(held))
	seen := make(map[string]struct{}, cap(keys))
	for _, group := range [][]string{spent, held} {
		for _, k := range group {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Rollback refunds the amount and fee of a withdrawal to its source
// account, releases every output it holds, records the reason and marks the
// withdrawal rolled back, all in one ledger batch.  tx may be nil when no
// transaction was created.  A withdrawal that already ended, or whose
// transaction is being relayed, is left alone and a nil event is returned.
func (s *Service) Rollback(ctx context.Context, d *withdrawal.Details,
	reason string, tx *wire.MsgTx) (*withdrawal.RolledBack, error) {

	// Rejected withdrawals are rolled back before any notary initialized
	// them.
	if _, err := s.states.Init(ctx, d); err != nil {
		return nil, err
	}

	return s.rollback(ctx, d, reason, tx, func(cur withdrawal.State) bool {
		return cur != withdrawal.StateBroadcasting
	})
}

// RollbackFrom is Rollback for a failure observed in state from.  Once the
// withdrawal left from, whether forwards or through another notary's
// rollback, nothing is done and a nil event is returned.  Only the notary
// that marked the broadcast may roll back from Broadcasting.
func (s *Service) RollbackFrom(ctx context.Context, d *withdrawal.Details,
	reason string, tx *wire.MsgTx,
	from withdrawal.State) (*withdrawal.RolledBack, error) {

	return s.rollback(ctx, d, reason, tx, func(cur withdrawal.State) bool {
		return cur == from
	})
}

func (s *Service) rollback(ctx context.Context, d *withdrawal.Details,
	reason string, tx *wire.MsgTx,
	allowed func(withdrawal.State) bool) (*withdrawal.RolledBack, error) {

	id := d.ID()
	reason = truncate(reason)
	spent := spentKeys(tx)

	raw, err := json.Marshal(Record{
		Details:  *d,
		UTXOKeys: spent,
		Reason:   reason,
	})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, known, err := s.states.Current(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case !known:
			log.Debugf("Withdrawal %s unknown, skipping rollback", id)
			return nil, nil

		case cur.IsTerminal():
			log.Debugf("Withdrawal %s already %v, skipping rollback",
				id, cur)
			return nil, nil

		case !allowed(cur):
			log.Infof("Withdrawal %s moved on to %v, skipping "+
				"rollback: %s", id, cur, reason)
			return nil, nil
		}

		transition, _, err := withdrawal.TransitionCommand(id, cur,
			withdrawal.EventRollback)
		if err != nil {
			return nil, err
		}
		keys, err := s.claimedKeys(ctx, id, spent)
		if err != nil {
			return nil, withdrawal.NewError(withdrawal.ErrDatabase,
				"cannot read claims of "+id, err)
		}
		releases, err := s.registry.ReleaseCommands(ctx, keys, id)
		if err != nil {
			return nil, withdrawal.NewError(withdrawal.ErrDatabase,
				"cannot read claims of "+id, err)
		}

		cmds := []ledger.Command{
			transition,
			ledger.CompareAndSetDetail{
				AccountID: withdrawal.AccountID(id),
				Key:       withdrawal.RollbackKey,
				Value:     string(raw),
			},
		}
		if total := d.Total(); total > 0 {
			cmds = append(cmds, ledger.TransferAsset{
				SrcAccountID:  s.withdrawalAccount,
				DestAccountID: d.SourceAccount,
				AssetID:       ledger.BTCAssetID,
				Description:   reason,
				Amount:        total,
			})
		}
		cmds = append(cmds, releases...)

		err = s.store.Execute(ctx, cmds...)
		switch {
		case errors.Is(err, ledger.ErrCompareAndSetFailed):
			log.Debugf("Rollback of withdrawal %s raced from %v, "+
				"retrying", id, cur)
			continue

		case err != nil:
			return nil, withdrawal.NewError(withdrawal.ErrDatabase,
				"cannot roll back withdrawal "+id, err)
		}

		log.Infof("Withdrawal %s rolled back from %v: %s; refunded %v "+
			"to %s, released %d outputs", id, cur, reason, d.Total(),
			d.SourceAccount, len(releases))

		return &withdrawal.RolledBack{
			WithdrawalID: id,
			Reason:       reason,
			Refund:       d.Total(),
		}, nil
	}

	return nil, withdrawal.NewError(withdrawal.ErrStateConflict,
		fmt.Sprintf("rollback of %s kept racing", id), nil)
}

// Get returns the rollback record of a withdrawal, if it was rolled back.
func (s *Service) Get(ctx context.Context, withdrawalID string) (*Record,
	bool, error) {

	raw, ok, err := s.store.GetDetail(ctx, withdrawal.AccountID(withdrawalID),
		withdrawal.RollbackKey)
	if err != nil || !ok {
		return nil, false, err
	}

	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, false, fmt.Errorf("decode rollback of %s: %w",
			withdrawalID, err)
	}
	return &r, true, nil
}

// Finalize settles a relayed withdrawal: the fee goes to the billing
// account, the amount is burnt and the withdrawal is marked done.  Only the
// notary that relayed the transaction gets to finalize it; a nil event is
// returned to the others.
func (s *Service) Finalize(ctx context.Context,
	d *withdrawal.Details) (*withdrawal.Finalized, error) {

	id := d.ID()

	transition, _, err := withdrawal.TransitionCommand(id,
		withdrawal.StateBroadcasting, withdrawal.EventComplete)
	if err != nil {
		return nil, err
	}

	cmds := []ledger.Command{transition}
	if d.FeeSat > 0 {
		cmds = append(cmds, ledger.TransferAsset{
			SrcAccountID:  s.withdrawalAccount,
			DestAccountID: s.billingAccount,
			AssetID:       ledger.BTCAssetID,
			Description:   "withdrawal fee",
			Amount:        d.FeeSat,
		})
	}
	if d.AmountSat > 0 {
		cmds = append(cmds, ledger.SubtractAsset{
			AccountID: s.withdrawalAccount,
			AssetID:   ledger.BTCAssetID,
			Amount:    d.AmountSat,
		})
	}

	err = s.store.Execute(ctx, cmds...)
	switch {
	case errors.Is(err, ledger.ErrCompareAndSetFailed):
		cur, _, err := s.states.Current(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur == withdrawal.StateDone {
			return nil, nil
		}
		return nil, withdrawal.NewError(withdrawal.ErrStateConflict,
			fmt.Sprintf("cannot finalize withdrawal %s in %v", id,
				cur), err)

	case err != nil:
		return nil, withdrawal.NewError(withdrawal.ErrDatabase,
			"cannot finalize withdrawal "+id, err)
	}

	log.Infof("Withdrawal %s finalized: fee %v billed, %v burnt", id,
		d.FeeSat, d.AmountSat)

	return &withdrawal.Finalized{WithdrawalID: id, Fee: d.FeeSat}, nil
}
