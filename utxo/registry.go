// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package utxo

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcnotary/ledger"
)

// Released is the registry value of an output whose claim was given back.
const Released = "released"

// ErrAlreadyClaimed is returned when an output is held by another
// withdrawal.
var ErrAlreadyClaimed = errors.New("output already claimed")

// Registry records which withdrawal holds each output.  All state lives in
// the ledger; a Registry keeps nothing between calls, so every check
// observes the claims of every notary.
type Registry struct {
	store     ledger.Store
	accountID string
}

// NewRegistry returns a registry storing its claims as details of accountID.
func NewRegistry(store ledger.Store, accountID string) *Registry {
	return &Registry{store: store, accountID: accountID}
}

// AccountID returns the ledger account holding the claims.
func (r *Registry) AccountID() string {
	return r.accountID
}

// Claim attempts to reserve outputID for withdrawalID.  It returns false
// without an error when another withdrawal holds the output.  Claiming an
// output already held by the same withdrawal succeeds, so redelivered events
// are harmless.
func (r *Registry) Claim(ctx context.Context, outputID,
	withdrawalID string) (bool, error) {

	cmds, err := r.ClaimCommands(ctx, []string{outputID}, withdrawalID)
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		return false, nil
	case err != nil:
		return false, err
	case len(cmds) == 0:
		return true, nil
	}

	err = r.store.Execute(ctx, cmds...)
	switch {
	case errors.Is(err, ledger.ErrCompareAndSetFailed):
		log.Debugf("Lost claim race for %s (withdrawal %s)", outputID,
			withdrawalID)
		return false, nil

	case err != nil:
		return false, fmt.Errorf("claim %s: %w", outputID, err)
	}

	log.Debugf("Output %s claimed by withdrawal %s", outputID, withdrawalID)

	return true, nil
}

// ClaimCommands returns the compare-and-set commands reserving outputIDs
// for withdrawalID, based on the current registry values.  Outputs already
// held by withdrawalID need no command.  ErrAlreadyClaimed is returned if any
// output belongs to a different withdrawal.  The commands only succeed if
// no other writer touches the outputs in between.
func (r *Registry) ClaimCommands(ctx context.Context, outputIDs []string,
	withdrawalID string) ([]ledger.Command, error) {

	var cmds []ledger.Command
	for _, id := range outputIDs {
		cur, ok, err := r.store.GetDetail(ctx, r.accountID, id)
		if err != nil {
			return nil, fmt.Errorf("read claim of %s: %w", id, err)
		}

		cmd := ledger.CompareAndSetDetail{
			AccountID: r.accountID,
			Key:       id,
			Value:     withdrawalID,
		}
		switch {
		case !ok:
		case cur == Released:
			cmd.OldValue = ledger.StrPtr(Released)
		case cur == withdrawalID:
			continue
		default:
			return nil, fmt.Errorf("%w: %s held by %s",
				ErrAlreadyClaimed, id, cur)
		}
		cmds = append(cmds, cmd)
	}

	return cmds, nil
}

// IsClaimed reports whether outputID is unavailable to withdrawalID.  It is
// false when the output was never claimed, was released, or is held by
// withdrawalID itself.
func (r *Registry) IsClaimed(ctx context.Context, outputID,
	withdrawalID string) (bool, error) {

	cur, ok, err := r.store.GetDetail(ctx, r.accountID, outputID)
	if err != nil {
		return false, fmt.Errorf("read claim of %s: %w", outputID, err)
	}

	return ok && cur != Released && cur != withdrawalID, nil
}

// Owner returns the withdrawal currently holding outputID, if any.
func (r *Registry) Owner(ctx context.Context, outputID string) (string,
	bool, error) {

	cur, ok, err := r.store.GetDetail(ctx, r.accountID, outputID)
	if err != nil || !ok || cur == Released {
		return "", false, err
	}
	return cur, true, nil
}

// HeldBy returns the outputs withdrawalID currently holds, in key order.
func (r *Registry) HeldBy(ctx context.Context, withdrawalID string) ([]string,
	error) {

	ids, err := ledger.FilterDetails(ctx, r.store, r.accountID,
		func(_, owner string) bool {
			return owner == withdrawalID
		})
	if err != nil {
		return nil, fmt.Errorf("list claims of %s: %w", withdrawalID, err)
	}
	return ids, nil
}

// ReleaseCommands returns the commands giving back the claims withdrawalID
// holds on outputIDs, for use in a larger batch.  Outputs not held by
// withdrawalID need no command.
func (r *Registry) ReleaseCommands(ctx context.Context, outputIDs []string,
	withdrawalID string) ([]ledger.Command, error) {

	var cmds []ledger.Command
	for _, id := range outputIDs {
		owner, held, err := r.Owner(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read claim of %s: %w", id, err)
		}
		if !held || owner != withdrawalID {
			continue
		}
		cmds = append(cmds, ledger.CompareAndSetDetail{
			AccountID: r.accountID,
			Key:       id,
			Value:     Released,
			OldValue:  ledger.StrPtr(withdrawalID),
		})
	}
	return cmds, nil
}

// Release gives back the claims withdrawalID holds on outputIDs.  Each
// release is guarded by the current value still being withdrawalID, so an
// output claimed by another withdrawal in the meantime is left untouched.
func (r *Registry) Release(ctx context.Context, outputIDs []string,
	withdrawalID string) error {

	for _, id := range outputIDs {
		err := r.store.Execute(ctx, ledger.CompareAndSetDetail{
			AccountID: r.accountID,
			Key:       id,
			Value:     Released,
			OldValue:  ledger.StrPtr(withdrawalID),
		})
		switch {
		case errors.Is(err, ledger.ErrCompareAndSetFailed):
			log.Debugf("Output %s not held by withdrawal %s, "+
				"skipping release", id, withdrawalID)

		case err != nil:
			return fmt.Errorf("release %s: %w", id, err)

		default:
			log.Debugf("Output %s released by withdrawal %s", id,
				withdrawalID)
		}
	}

	return nil
}
