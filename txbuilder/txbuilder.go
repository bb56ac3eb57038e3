// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder assembles the unsigned withdrawal transaction from the
// agreed consensus data and persists it in the ledger.  The transaction is
// built from the persisted input list only, never from live wallet state, so
// every notary derives the same bytes and their signatures combine.
package txbuilder

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/coinselect"
	"github.com/btcsuite/btcnotary/consensus"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/btcsuite/btcnotary/withdrawal"
	"github.com/davecgh/go-spew/spew"
)

// shortHashLength is the length of the ledger key derived from a hash.
const shortHashLength = 32

// ShortHash returns the ledger key of a transaction hash: the first 32
// characters of its string form.
func ShortHash(hash chainhash.Hash) string {
	return hash.String()[:shortHashLength]
}

// WithdrawalConsensus is the canonical description of the transaction of a
// withdrawal: its details and the outputs it spends, in input order.
type WithdrawalConsensus struct {
	Details withdrawal.Details       `json:"withdrawalDetails"`
	UTXO    []utxo.SerializableUTXO `json:"utxo"`
}

// Record is the ledger record of a persisted withdrawal transaction.
type Record struct {
	WithdrawalConsensus
	TxHex string `json:"txHex"`
}

// Tx decodes the persisted transaction.
func (r *Record) Tx() (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(r.TxHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

// Config holds the collaborators of an Assembler.
type Config struct {
	Store       ledger.Store
	Registry    *utxo.Registry
	View        *coinselect.View
	TxAccount   string
	ChainParams *chaincfg.Params
}

// Assembler builds and stores withdrawal transactions.
type Assembler struct {
	store       ledger.Store
	states      *withdrawal.StateStore
	registry    *utxo.Registry
	view        *coinselect.View
	txAccount   string
	chainParams *chaincfg.Params
}

// New returns an Assembler.
func New(cfg *Config) *Assembler {
	return &Assembler{
		store:       cfg.Store,
		states:      withdrawal.NewStateStore(cfg.Store),
		registry:    cfg.Registry,
		view:        cfg.View,
		txAccount:   cfg.TxAccount,
		chainParams: cfg.ChainParams,
	}
}

// Plan selects the inputs of a withdrawal that reached consensus.  The
// selection only depends on the agreed height, so notaries plan the same
// inputs.  coinselect.ErrInsufficientFunds is returned while the funds are
// held by other withdrawals.
func (a *Assembler) Plan(ctx context.Context,
	c *consensus.Consensus) (*WithdrawalConsensus, error) {

	if c == nil || c.Details == nil {
		return nil, withdrawal.NewError(withdrawal.ErrMissingConsensus,
			"consensus has no withdrawal details", nil)
	}

	outputs, err := a.view.Select(ctx, c.Details, c.AvailableHeight)
	if err != nil {
		return nil, err
	}

	wc := &WithdrawalConsensus{Details: *c.Details}
	for _, o := range outputs {
		s, err := utxo.NewSerializableUTXO(o)
		if err != nil {
			return nil, err
		}
		wc.UTXO = append(wc.UTXO, s)
	}
	return wc, nil
}

// CreateTransaction builds the unsigned transaction described by wc.
func (a *Assembler) CreateTransaction(ctx context.Context,
	wc *WithdrawalConsensus) (*wire.MsgTx, error) {

	if wc == nil || len(wc.UTXO) == 0 {
		return nil, withdrawal.NewError(withdrawal.ErrMissingConsensus,
			"consensus has no inputs", nil)
	}
	d := &wc.Details

	dest, err := d.Destination(a.chainParams)
	if err != nil {
		return nil, err
	}
	change, err := a.view.ChangeAddress(ctx, d)
	if err != nil {
		return nil, withdrawal.NewError(withdrawal.ErrTxCreation,
			"cannot choose change address", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	inputs := make([]*utxo.Output, 0, len(wc.UTXO))
	for i := range wc.UTXO {
		o, err := wc.UTXO[i].Output()
		if err != nil {
			return nil, withdrawal.NewError(withdrawal.ErrMissingConsensus,
				fmt.Sprintf("input %d", i), err)
		}
		inputs = append(inputs, o)
		tx.AddTxIn(wire.NewTxIn(&o.OutPoint, nil, nil))
	}

	outputs, err := a.view.Selector().Outputs(inputs, dest, d.AmountSat,
		change)
	if err != nil {
		return nil, withdrawal.NewError(withdrawal.ErrTxCreation,
			"cannot build outputs of "+d.ID(), err)
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	log.Debugf("Created transaction %v for withdrawal %s: %v",
		tx.TxHash(), d.ID(), newLogClosure(func() string {
			return spew.Sdump(tx)
		}))

	return tx, nil
}

// Persist stores tx as the transaction of the withdrawal, claims its inputs
// and moves the withdrawal to the signing state, all in one ledger write.
// The write succeeds for one notary only.  It returns false without an
// error when another notary persisted the same transaction first, and an
// ErrStateConflict error when it persisted a different one or the
// withdrawal otherwise left ConsensusEstablished.
func (a *Assembler) Persist(ctx context.Context, wc *WithdrawalConsensus,
	tx *wire.MsgTx) (bool, error) {

	id := wc.Details.ID()
	shortHash := ShortHash(tx.TxHash())

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return false, err
	}
	raw, err := json.Marshal(Record{
		WithdrawalConsensus: *wc,
		TxHex:               hex.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return false, err
	}

	outputIDs := make([]string, 0, len(wc.UTXO))
	for i := range wc.UTXO {
		outputID, err := wc.UTXO[i].ID()
		if err != nil {
			return false, err
		}
		outputIDs = append(outputIDs, outputID)
	}
	claims, err := a.registry.ClaimCommands(ctx, outputIDs, id)
	if errors.Is(err, utxo.ErrAlreadyClaimed) {
		return false, fmt.Errorf("%w: %v", coinselect.ErrInsufficientFunds,
			err)
	}
	if err != nil {
		return false, err
	}

	transition, _, err := withdrawal.TransitionCommand(id,
		withdrawal.StateConsensusEstablished, withdrawal.EventSign)
	if err != nil {
		return false, err
	}

	cmds := []ledger.Command{
		ledger.CompareAndSetDetail{
			AccountID: a.txAccount,
			Key:       shortHash,
			Value:     string(raw),
		},
		ledger.CompareAndSetDetail{
			AccountID: withdrawal.AccountID(id),
			Key:       withdrawal.TxKey,
			Value:     shortHash,
		},
		transition,
	}
	cmds = append(cmds, claims...)

	err = a.store.Execute(ctx, cmds...)
	switch {
	case err == nil:
		log.Infof("Persisted transaction %s of withdrawal %s",
			shortHash, id)
		return true, nil

	case !errors.Is(err, ledger.ErrCompareAndSetFailed):
		return false, withdrawal.NewError(withdrawal.ErrPersist,
			"cannot persist transaction of "+id, err)
	}

	// Lost the race.  Either another notary stored the very same
	// transaction, or it stored its own and the withdrawal moved on with
	// it.  In both cases the winner's transaction stands.
	stored, found, err := a.ForWithdrawal(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		state, _, err := a.states.Current(ctx, id)
		if err != nil {
			return false, err
		}
		if state != withdrawal.StateConsensusEstablished {
			return false, withdrawal.NewError(
				withdrawal.ErrStateConflict, fmt.Sprintf(
					"withdrawal %s is %v", id, state), nil)
		}
		return false, fmt.Errorf("%w: inputs of %s taken concurrently",
			coinselect.ErrInsufficientFunds, id)
	}
	if stored.TxHex != hex.EncodeToString(buf.Bytes()) {
		storedTx, err := stored.Tx()
		if err != nil {
			return false, fmt.Errorf("decode transaction of %s: %w",
				id, err)
		}
		return false, withdrawal.NewError(withdrawal.ErrStateConflict,
			fmt.Sprintf("withdrawal %s already has transaction %s",
				id, ShortHash(storedTx.TxHash())), nil)
	}

	log.Debugf("Transaction %s of withdrawal %s already persisted",
		shortHash, id)

	return false, nil
}

// Get returns the transaction record stored under shortHash.
func (a *Assembler) Get(ctx context.Context, shortHash string) (*Record,
	bool, error) {

	raw, ok, err := a.store.GetDetail(ctx, a.txAccount, shortHash)
	if err != nil || !ok {
		return nil, false, err
	}

	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, false, fmt.Errorf("decode transaction %s: %w",
			shortHash, err)
	}
	return &r, true, nil
}

// ForWithdrawal returns the transaction record of a withdrawal, if one was
// persisted.
func (a *Assembler) ForWithdrawal(ctx context.Context,
	withdrawalID string) (*Record, bool, error) {

	shortHash, ok, err := a.store.GetDetail(ctx,
		withdrawal.AccountID(withdrawalID), withdrawal.TxKey)
	if err != nil || !ok {
		return nil, false, err
	}
	return a.Get(ctx, shortHash)
}
