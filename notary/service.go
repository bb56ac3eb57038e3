// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package notary runs the withdrawal side of a notary node.  It consumes
// the ledger block stream, reacts to withdrawal transfers, consensus
// records, persisted transactions and published signatures, and drives each
// withdrawal through consensus, signing, broadcast and settlement.  Notaries
// never talk to each other: everything they share goes through the ledger.
package notary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/addrbook"
	"github.com/btcsuite/btcnotary/blockstream"
	"github.com/btcsuite/btcnotary/broadcast"
	"github.com/btcsuite/btcnotary/chain"
	"github.com/btcsuite/btcnotary/coinselect"
	"github.com/btcsuite/btcnotary/consensus"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/rollback"
	"github.com/btcsuite/btcnotary/signing"
	"github.com/btcsuite/btcnotary/txbuilder"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/btcsuite/btcnotary/withdrawal"
)

// ErrStreamEnded is returned by Run when the block stream closes.
var ErrStreamEnded = errors.New("block stream ended")

// Service is the withdrawal service of one notary.
type Service struct {
	accounts    Accounts
	chainParams *chaincfg.Params
	fees        coinselect.FeePolicy

	states      *withdrawal.StateStore
	book        *addrbook.Book
	consensus   *consensus.Provider
	assembler   *txbuilder.Assembler
	signer      *signing.Signer
	broadcaster *broadcast.Broadcaster
	rollbacks   *rollback.Service
	listener    *signing.Listener
	chain       chain.Interface
	stats       *Statistics

	// pending holds the completions fired while handling the current
	// block.
	pending []<-chan error
}

// New wires the withdrawal components of a notary.
func New(cfg *Config) *Service {
	minConf := cfg.MinConfirmations
	if minConf <= 0 {
		minConf = DefaultMinConfirmations
	}

	var peers consensus.PeerCounter = &consensus.LedgerPeers{
		Store:     cfg.Store,
		AccountID: cfg.Accounts.Withdrawal,
	}
	if cfg.Peers > 0 {
		peers = consensus.StaticPeers(cfg.Peers)
	}

	book := addrbook.New(cfg.Store, cfg.Accounts.ClientAddresses,
		cfg.Accounts.ChangeAddresses)
	registry := utxo.NewRegistry(cfg.Store, cfg.Accounts.UTXOStorage)
	selector := coinselect.New(cfg.Fees, registry, cfg.MaxInputs,
		cfg.ChainParams)
	view := coinselect.NewView(selector, cfg.Chain, book, minConf)

	return &Service{
		accounts:    cfg.Accounts,
		chainParams: cfg.ChainParams,
		fees:        cfg.Fees,
		states:      withdrawal.NewStateStore(cfg.Store),
		book:        book,
		consensus: consensus.New(&consensus.Config{
			Store:     cfg.Store,
			NodeID:    cfg.NodeID,
			Heights:   view,
			Peers:     peers,
			Threshold: cfg.Threshold,
		}),
		assembler: txbuilder.New(&txbuilder.Config{
			Store:       cfg.Store,
			Registry:    registry,
			View:        view,
			TxAccount:   cfg.Accounts.TxStorage,
			ChainParams: cfg.ChainParams,
		}),
		signer: signing.New(&signing.Config{
			Store:       cfg.Store,
			Keys:        cfg.Keys,
			KeyLookup:   book,
			NodeID:      cfg.NodeID,
			Threshold:   cfg.Threshold,
			ChainParams: cfg.ChainParams,
		}),
		broadcaster: broadcast.New(cfg.Store, cfg.Chain),
		rollbacks: rollback.New(&rollback.Config{
			Store:             cfg.Store,
			Registry:          registry,
			WithdrawalAccount: cfg.Accounts.Withdrawal,
			BillingAccount:    cfg.Accounts.Billing,
		}),
		listener: signing.NewListener(cfg.Workers),
		chain:    cfg.Chain,
		stats:    NewStatistics(cfg.Registerer),
	}
}

// Statistics returns the counters of the service.
func (s *Service) Statistics() *Statistics {
	return s.stats
}

// Run handles the blocks of stream one at a time, in order.  A block is
// acknowledged once it is handled, including the broadcasts it triggered,
// so a block is only redelivered if the notary stopped while handling it.
// Handling errors are logged; every handler is safe to run again.
func (s *Service) Run(ctx context.Context, stream blockstream.Stream) error {
	log.Infof("Withdrawal service started")

	blocks := stream.Blocks(ctx)
	for {
		select {
		case d, ok := <-blocks:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return ErrStreamEnded
			}

			if err := s.HandleBlock(ctx, d.Block); err != nil {
				log.Errorf("Unable to handle block %d: %v",
					d.Block.Height, err)
			}
			if err := d.Ack(); err != nil {
				return fmt.Errorf("ack block %d: %w",
					d.Block.Height, err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleBlock runs the handlers of every withdrawal event in b and waits for
// the completions they fired.
func (s *Service) HandleBlock(ctx context.Context, b *blockstream.Block) error {
	log.Tracef("Handling block %d", b.Height)

	var errs []error
	for i := range b.Transactions {
		errs = append(errs, s.handleTransaction(ctx, &b.Transactions[i]))
	}

	for _, done := range s.pending {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	s.pending = s.pending[:0]

	return errors.Join(errs...)
}

// handleTransaction dispatches the commands of a ledger transaction to the
// handlers.
func (s *Service) handleTransaction(ctx context.Context,
	tx *blockstream.Transaction) error {

	var errs []error
	handled := func(events []withdrawal.Event, err error) {
		s.dispatch(ctx, events)
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, d := range DetectWithdrawals(tx, s.accounts.Withdrawal) {
		handled(s.HandleNewTransfer(ctx, d))
	}

	writes := detailWrites(tx)
	for _, w := range writes {
		if w.accountID == s.accounts.TxStorage {
			handled(s.HandleNewRawTransaction(ctx, w.key))
		}
	}
	for _, w := range writes {
		if isSignatureWrite(w) {
			handled(s.HandleNewSignature(ctx, w.accountID))
		}
	}
	for _, w := range writes {
		if id, ok := consensusWithdrawal(w); ok {
			handled(s.HandleNewConsensusData(ctx, id))
		}
	}
	for _, w := range writes {
		if w.accountID == s.accounts.ChangeAddresses {
			handled([]withdrawal.Event{
				withdrawal.ChangeAddressWatched{Address: w.key},
			}, nil)
		}
	}

	return errors.Join(errs...)
}

// rollback refunds a withdrawal, logging failures since there is nothing
// left to fall back to.
func (s *Service) rollback(ctx context.Context, d *withdrawal.Details,
	reason string, tx *wire.MsgTx) []withdrawal.Event {

	ev, err := s.rollbacks.Rollback(ctx, d, reason, tx)
	return rolledBack(d, reason, ev, err)
}

// rollbackFrom refunds a withdrawal only if it is still in from, the state
// the failure was observed in.
func (s *Service) rollbackFrom(ctx context.Context, d *withdrawal.Details,
	reason string, tx *wire.MsgTx,
	from withdrawal.State) []withdrawal.Event {

	ev, err := s.rollbacks.RollbackFrom(ctx, d, reason, tx, from)
	return rolledBack(d, reason, ev, err)
}

func rolledBack(d *withdrawal.Details, reason string,
	ev *withdrawal.RolledBack, err error) []withdrawal.Event {

	if err != nil {
		log.Errorf("Unable to roll back withdrawal %s (%s): %v", d.ID(),
			reason, err)
		return nil
	}
	if ev == nil {
		return nil
	}
	return []withdrawal.Event{*ev}
}

// HandleNewTransfer starts a withdrawal requested by a ledger transfer.
// Invalid withdrawals are rolled back at once.  A redelivered transfer of a
// withdrawal still waiting for funds publishes the consensus data of this
// notary again, which makes the notaries retry with their current view.
func (s *Service) HandleNewTransfer(ctx context.Context,
	d *withdrawal.Details) ([]withdrawal.Event, error) {

	id := d.ID()
	log.Infof("Withdrawal event: %v", d)

	state, known, err := s.states.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	if known && state >= withdrawal.StateSigning {
		log.Infof("Withdrawal %s is %v, ignoring transfer", id, state)
		return nil, nil
	}

	if err := d.Validate(s.chainParams, s.fees.FlatFee); err != nil {
		log.Warnf("Rejecting withdrawal %s: %v", id, err)

		reason := rollback.ReasonInvalidAddress
		if withdrawal.IsError(err, withdrawal.ErrDustAmount) {
			reason = rollback.ReasonTooSmallAmount
		}
		return s.rollback(ctx, d, reason, nil), nil
	}

	if !known {
		s.stats.Total.Inc()
	}

	if err := s.consensus.CreateConsensusData(ctx, d); err != nil {
		log.Errorf("Cannot create consensus for withdrawal %s: %v", id,
			err)
		return s.rollback(ctx, d, rollback.ReasonNoConsensus, nil), nil
	}

	return nil, nil
}

// HandleNewConsensusData builds and persists the transaction of a withdrawal
// once a quorum of consensus records exists.  Missing funds are not an
// error: the withdrawal waits for the next attempt.
func (s *Service) HandleNewConsensusData(ctx context.Context,
	withdrawalID string) ([]withdrawal.Event, error) {

	established, err := s.consensus.HasBeenEstablished(ctx, withdrawalID)
	if err != nil || established {
		return nil, err
	}

	c, state, err := s.consensus.GetConsensus(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if state != consensus.Established {
		log.Debugf("Withdrawal %s consensus %v", withdrawalID, state)
		return nil, nil
	}
	if err := s.consensus.Establish(ctx, withdrawalID); err != nil {
		return nil, err
	}

	d := c.Details
	log.Infof("Consensus for withdrawal %s established at height %d",
		withdrawalID, c.AvailableHeight)

	wc, err := s.assembler.Plan(ctx, c)
	switch {
	case errors.Is(err, coinselect.ErrInsufficientFunds):
		log.Warnf("Withdrawal %s waits for funds: %v", withdrawalID, err)
		return nil, nil

	case err != nil:
		log.Errorf("Cannot select inputs of withdrawal %s: %v",
			withdrawalID, err)
		return s.rollbackFrom(ctx, d, rollback.ReasonTxCreation, nil,
			withdrawal.StateConsensusEstablished), nil
	}

	tx, err := s.assembler.CreateTransaction(ctx, wc)
	if err != nil {
		log.Errorf("Cannot create transaction of withdrawal %s: %v",
			withdrawalID, err)
		return s.rollbackFrom(ctx, d, rollback.ReasonTxCreation, nil,
			withdrawal.StateConsensusEstablished), nil
	}

	persisted, err := s.assembler.Persist(ctx, wc, tx)
	switch {
	case errors.Is(err, coinselect.ErrInsufficientFunds):
		log.Warnf("Withdrawal %s waits for funds: %v", withdrawalID, err)
		return nil, nil

	case withdrawal.IsError(err, withdrawal.ErrStateConflict):
		log.Debugf("Withdrawal %s moved on: %v", withdrawalID, err)
		return nil, nil

	case err != nil:
		log.Errorf("Cannot persist transaction of withdrawal %s: %v",
			withdrawalID, err)
		return s.rollbackFrom(ctx, d, rollback.ReasonTxCreation, nil,
			withdrawal.StateConsensusEstablished), nil

	case !persisted:
		return nil, nil
	}

	return []withdrawal.Event{withdrawal.TxCreated{
		WithdrawalID: withdrawalID,
		ShortHash:    txbuilder.ShortHash(tx.TxHash()),
		Tx:           tx,
	}}, nil
}

// signingRecord returns the persisted transaction stored under shortHash if
// its withdrawal is being signed.
func (s *Service) signingRecord(ctx context.Context,
	shortHash string) (*txbuilder.Record, *wire.MsgTx, error) {

	rec, found, err := s.assembler.Get(ctx, shortHash)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		log.Warnf("No transaction stored under %s", shortHash)
		return nil, nil, nil
	}

	id := rec.Details.ID()
	state, _, err := s.states.Current(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if state != withdrawal.StateSigning {
		log.Debugf("Withdrawal %s is %v, not signing", id, state)
		return nil, nil, nil
	}

	tx, err := rec.Tx()
	if err != nil {
		return nil, nil, fmt.Errorf("decode transaction %s: %w",
			shortHash, err)
	}
	return rec, tx, nil
}

// HandleNewRawTransaction signs a persisted withdrawal transaction with the
// keys of this notary and publishes the signatures.
func (s *Service) HandleNewRawTransaction(ctx context.Context,
	shortHash string) ([]withdrawal.Event, error) {

	rec, tx, err := s.signingRecord(ctx, shortHash)
	if err != nil || rec == nil {
		return nil, err
	}
	d := &rec.Details

	sigs, err := s.signer.Sign(ctx, tx, rec.UTXO)
	if err != nil {
		log.Errorf("Cannot sign tx %v of withdrawal %s: %v",
			tx.TxHash(), d.ID(), err)
		return s.rollbackFrom(ctx, d, rollback.ReasonSigning, tx,
			withdrawal.StateSigning), nil
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	if err := s.signer.Publish(ctx, tx.TxHash(), sigs); err != nil {
		log.Errorf("Cannot publish signatures of tx %v: %v",
			tx.TxHash(), err)
		return s.rollbackFrom(ctx, d, rollback.ReasonSigning, tx,
			withdrawal.StateSigning), nil
	}

	inputs := make(map[int]struct{}, len(sigs))
	for _, sig := range sigs {
		inputs[sig.InputIndex] = struct{}{}
	}
	return []withdrawal.Event{withdrawal.SignaturesPublished{
		WithdrawalID: d.ID(),
		OriginalHash: tx.TxHash(),
		Inputs:       len(inputs),
	}}, nil
}

// HandleNewSignature completes a withdrawal transaction once enough
// signatures are published in signAccount.  Completion runs on the
// listener pool; HandleBlock waits for it before the block is acknowledged.
func (s *Service) HandleNewSignature(ctx context.Context,
	signAccount string) ([]withdrawal.Event, error) {

	shortHash := strings.TrimSuffix(signAccount,
		"@"+signing.SignCollectDomain)

	rec, tx, err := s.signingRecord(ctx, shortHash)
	if err != nil || rec == nil {
		return nil, err
	}

	sigs, err := s.signer.Collect(ctx, tx.TxHash())
	if err != nil {
		return nil, err
	}
	enough, err := s.signer.IsEnoughSignatures(ctx, tx, sigs, rec.UTXO)
	if err != nil {
		log.Errorf("Cannot check signatures of tx %v: %v", tx.TxHash(),
			err)
		return s.rollbackFrom(ctx, &rec.Details,
			rollback.ReasonSigning, tx, withdrawal.StateSigning), nil
	}
	if !enough {
		log.Infof("Not enough signatures were collected for tx %v",
			tx.TxHash())
		return nil, nil
	}

	log.Infof("Tx %v has enough signatures", tx.TxHash())

	done := s.listener.Fire(ctx, shortHash, func(ctx context.Context) error {
		return s.complete(ctx, rec, tx, sigs)
	})
	s.pending = append(s.pending, done)

	return nil, nil
}

// complete fills tx with sigs, relays it and settles the withdrawal.
func (s *Service) complete(ctx context.Context, rec *txbuilder.Record,
	tx *wire.MsgTx, sigs signing.Signatures) error {

	d := &rec.Details
	id := d.ID()

	signed, err := s.signer.FillWithSignatures(ctx, tx, sigs, rec.UTXO)
	if err != nil {
		s.dispatch(ctx, s.rollbackFrom(ctx, d, rollback.ReasonSigning,
			tx, withdrawal.StateSigning))
		return fmt.Errorf("cannot complete tx %v: %w", tx.TxHash(), err)
	}

	log.Infof("Tx (originally known as %v) is ready to be broadcasted: "+
		"%v", tx.TxHash(), signed.TxHash())

	broadcasted, err := s.broadcaster.Broadcast(ctx, id, signed)
	if err != nil {
		// Only a failed relay leaves the withdrawal in Broadcasting, and
		// then it is ours to roll back.
		from := withdrawal.StateSigning
		if withdrawal.IsError(err, withdrawal.ErrBroadcast) {
			from = withdrawal.StateBroadcasting
		}
		s.dispatch(ctx, s.rollbackFrom(ctx, d, rollback.ReasonBroadcast,
			tx, from))
		return fmt.Errorf("cannot broadcast tx %v: %w", signed.TxHash(),
			err)
	}
	if broadcasted == nil {
		return nil
	}
	events := []withdrawal.Event{*broadcasted}

	// The transaction is out; the withdrawal can no longer be rolled
	// back whatever happens to the settlement.
	finalized, err := s.rollbacks.Finalize(ctx, d)
	if err != nil {
		log.Errorf("Cannot settle relayed withdrawal %s: %v", id, err)
	} else if finalized != nil {
		events = append(events, *finalized)
	}

	s.dispatch(ctx, events)
	return nil
}

// dispatch acts on the events returned by the handlers, in order.
func (s *Service) dispatch(ctx context.Context, events []withdrawal.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case withdrawal.TxCreated:
			log.Infof("Tx %v of withdrawal %s created", e.Tx.TxHash(),
				e.WithdrawalID)

		case withdrawal.SignaturesPublished:
			log.Infof("Published %d signatures of tx %v for "+
				"withdrawal %s", e.Inputs, e.OriginalHash,
				e.WithdrawalID)

		case withdrawal.Broadcasted:
			log.Infof("Tx %v of withdrawal %s was successfully "+
				"broadcasted", e.TxHash, e.WithdrawalID)
			s.stats.Succeeded.Inc()

		case withdrawal.Finalized:
			log.Infof("Withdrawal %s settled, fee %v", e.WithdrawalID,
				e.Fee)

		case withdrawal.RolledBack:
			log.Infof("Withdrawal %s rolled back: %s", e.WithdrawalID,
				e.Reason)
			s.stats.Failed.Inc()

		case withdrawal.ChangeAddressWatched:
			s.watch(ctx, e.Address)
		}
	}
}

// watch adds a change address to the watch list of the Bitcoin node.
func (s *Service) watch(ctx context.Context, address string) {
	addr, err := btcutil.DecodeAddress(address, s.chainParams)
	if err != nil {
		log.Warnf("Ignoring invalid change address %q: %v", address, err)
		return
	}
	err = s.chain.ImportAddresses(ctx, []btcutil.Address{addr})
	if err != nil {
		log.Errorf("Unable to watch change address %s: %v", address,
			err)
	}
}

// CreateAccounts creates the accounts of the service that do not exist.
func (s *Service) CreateAccounts(ctx context.Context,
	store ledger.Store) error {

	return CreateAccounts(ctx, store, s.accounts)
}
