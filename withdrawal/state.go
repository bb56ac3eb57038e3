// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package withdrawal

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcnotary/ledger"
	"github.com/looplab/fsm"
)

// State is the lifecycle position of a withdrawal.  It is persisted in the
// ledger so every notary observes the same value.
type State uint8

const (
	// StatePending is set once the withdrawal transfer is seen.
	StatePending State = iota

	// StateConsensusPending is set once a notary published its view and
	// the quorum of views is not yet reached.
	StateConsensusPending

	// StateConsensusEstablished is set once a quorum of views exists.
	StateConsensusEstablished

	// StateSigning is set once the transaction is persisted and the
	// notaries may sign it.
	StateSigning

	// StateBroadcasting is set right before the transaction is relayed.
	StateBroadcasting

	// StateDone is set once the transaction is relayed and the fee paid.
	StateDone

	// StateRolledBack is set once the source account was refunded.
	StateRolledBack
)

var stateNames = [...]string{
	StatePending:              "Pending",
	StateConsensusPending:     "ConsensusPending",
	StateConsensusEstablished: "ConsensusEstablished",
	StateSigning:              "Signing",
	StateBroadcasting:         "Broadcasting",
	StateDone:                 "Done",
	StateRolledBack:           "RolledBack",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateRolledBack
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return State(s), nil
		}
	}
	return 0, fmt.Errorf("unknown withdrawal state %q", name)
}

// State machine events.
const (
	EventStartConsensus = "start_consensus"
	EventEstablish      = "establish"
	EventSign           = "sign"
	EventBroadcast      = "broadcast"
	EventComplete       = "complete"
	EventRollback       = "rollback"
)

// newMachine returns the withdrawal state machine positioned at initial.
func newMachine(initial State) *fsm.FSM {
	return fsm.NewFSM(
		initial.String(),
		fsm.Events{
			{
				Name: EventStartConsensus,
				Src:  []string{StatePending.String()},
				Dst:  StateConsensusPending.String(),
			},
			{
				Name: EventEstablish,
				Src:  []string{StateConsensusPending.String()},
				Dst:  StateConsensusEstablished.String(),
			},
			{
				Name: EventSign,
				Src:  []string{StateConsensusEstablished.String()},
				Dst:  StateSigning.String(),
			},
			{
				Name: EventBroadcast,
				Src:  []string{StateSigning.String()},
				Dst:  StateBroadcasting.String(),
			},
			{
				Name: EventComplete,
				Src:  []string{StateBroadcasting.String()},
				Dst:  StateDone.String(),
			},
			{
				Name: EventRollback,
				Src: []string{
					StatePending.String(),
					StateConsensusPending.String(),
					StateConsensusEstablished.String(),
					StateSigning.String(),
					StateBroadcasting.String(),
				},
				Dst: StateRolledBack.String(),
			},
		},
		fsm.Callbacks{},
	)
}

// Next returns the state event leads to from cur, or an
// ErrInvalidTransition error.
func Next(cur State, event string) (State, error) {
	m := newMachine(cur)
	if err := m.Event(context.Background(), event); err != nil {
		return cur, NewError(ErrInvalidTransition,
			fmt.Sprintf("cannot %s from %v", event, cur), err)
	}
	return ParseState(m.Current())
}

// Ledger detail keys of the withdrawal account.
const (
	StateKey    = "state"
	DetailsKey  = "details"
	TxKey       = "tx"
	RollbackKey = "withdrawal_rollback"
)

// IsReservedKey reports whether key is used by the withdrawal itself rather
// than by a notary record.
func IsReservedKey(key string) bool {
	switch key {
	case StateKey, DetailsKey, TxKey, RollbackKey:
		return true
	}
	return false
}

// TransitionCommand returns the command moving the withdrawal withdrawalID
// from cur to the state event leads to.  The command is a compare-and-set
// on the current state, so it fails if another notary moved the withdrawal
// first.  It is meant to be batched with the side effects of the
// transition.
func TransitionCommand(withdrawalID string, cur State,
	event string) (ledger.Command, State, error) {

	next, err := Next(cur, event)
	if err != nil {
		return nil, cur, err
	}

	return ledger.CompareAndSetDetail{
		AccountID: AccountID(withdrawalID),
		Key:       StateKey,
		Value:     next.String(),
		OldValue:  ledger.StrPtr(cur.String()),
	}, next, nil
}

// StateStore reads and changes the persisted state of withdrawals.
type StateStore struct {
	store ledger.Store
}

// NewStateStore returns a StateStore over store.
func NewStateStore(store ledger.Store) *StateStore {
	return &StateStore{store: store}
}

// Init creates the account of a withdrawal and records its details in the
// Pending state.  It returns false when the withdrawal was already
// initialized, by this or another notary.
func (s *StateStore) Init(ctx context.Context, d *Details) (bool, error) {
	id := d.ID()
	account := AccountID(id)

	err := s.store.Execute(ctx, ledger.CreateAccount{AccountID: account})
	if err := ledger.IgnoreAccountExists(err); err != nil {
		return false, NewError(ErrDatabase, "cannot create account "+
			account, err)
	}

	raw, err := d.Marshal()
	if err != nil {
		return false, err
	}
	err = s.store.Execute(ctx,
		ledger.CompareAndSetDetail{
			AccountID: account,
			Key:       DetailsKey,
			Value:     raw,
		},
		ledger.CompareAndSetDetail{
			AccountID: account,
			Key:       StateKey,
			Value:     StatePending.String(),
		},
	)
	switch {
	case errors.Is(err, ledger.ErrCompareAndSetFailed):
		return false, nil

	case err != nil:
		return false, NewError(ErrDatabase, "cannot initialize "+
			"withdrawal "+id, err)
	}

	log.Debugf("Withdrawal %s initialized", id)

	return true, nil
}

// Current returns the state of a withdrawal and whether it is known.
func (s *StateStore) Current(ctx context.Context, withdrawalID string) (State,
	bool, error) {

	raw, ok, err := s.store.GetDetail(ctx, AccountID(withdrawalID),
		StateKey)
	if err != nil {
		return 0, false, NewError(ErrDatabase, "cannot read state of "+
			withdrawalID, err)
	}
	if !ok {
		return 0, false, nil
	}

	state, err := ParseState(raw)
	if err != nil {
		return 0, false, err
	}
	return state, true, nil
}

// Details returns the recorded details of a withdrawal.
func (s *StateStore) Details(ctx context.Context,
	withdrawalID string) (*Details, error) {

	raw, ok, err := s.store.GetDetail(ctx, AccountID(withdrawalID),
		DetailsKey)
	if err != nil {
		return nil, NewError(ErrDatabase, "cannot read details of "+
			withdrawalID, err)
	}
	if !ok {
		return nil, NewError(ErrMissingConsensus, "no details for "+
			"withdrawal "+withdrawalID, nil)
	}
	return UnmarshalDetails(raw)
}

// Transition applies event to a withdrawal on its own.  An ErrStateConflict
// error is returned when another notary changed the state concurrently.
func (s *StateStore) Transition(ctx context.Context, withdrawalID,
	event string) (State, error) {

	cur, ok, err := s.Current(ctx, withdrawalID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, NewError(ErrInvalidTransition, "unknown withdrawal "+
			withdrawalID, nil)
	}

	cmd, next, err := TransitionCommand(withdrawalID, cur, event)
	if err != nil {
		return cur, err
	}

	err = s.store.Execute(ctx, cmd)
	switch {
	case errors.Is(err, ledger.ErrCompareAndSetFailed):
		return cur, NewError(ErrStateConflict, fmt.Sprintf("withdrawal "+
			"%s left %v", withdrawalID, cur), err)

	case err != nil:
		return cur, NewError(ErrDatabase, "cannot change state of "+
			withdrawalID, err)
	}

	log.Debugf("Withdrawal %s: %v -> %v", withdrawalID, cur, next)

	return next, nil
}
