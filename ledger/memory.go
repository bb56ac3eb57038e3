// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
)

// memAccount is the in-memory representation of a ledger account.
type memAccount struct {
	details  map[string]string
	balances map[string]btcutil.Amount
	quorum   int
}

// MemoryStore is a Store kept entirely in memory.  It is safe for
// concurrent use and is primarily intended for tests and single-process
// simulations of a notary pool.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
}

// A compile-time check to ensure MemoryStore satisfies the Store interface.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
	}
}

// Execute applies cmds atomically.  Each applied command records an undo
// step which is replayed in reverse when a later command fails.
func (m *MemoryStore) Execute(ctx context.Context, cmds ...Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := validateCommand(cmd); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var undo []func()
	for i, cmd := range cmds {
		u, err := m.apply(cmd)
		if err != nil {
			for j := len(undo) - 1; j >= 0; j-- {
				undo[j]()
			}
			log.Debugf("Ledger batch rejected at command %d (%T): %v",
				i, cmd, err)

			return err
		}
		undo = append(undo, u)
	}

	return nil
}

// account returns the named account or ErrAccountNotFound.  The caller must
// hold the mutex.
func (m *MemoryStore) account(id string) (*memAccount, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acct, nil
}

// apply executes a single command and returns the function that reverts it.
// The caller must hold the write lock.
func (m *MemoryStore) apply(cmd Command) (func(), error) {
	switch c := cmd.(type) {
	case CreateAccount:
		if _, ok := m.accounts[c.AccountID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists,
				c.AccountID)
		}
		m.accounts[c.AccountID] = &memAccount{
			details:  make(map[string]string),
			balances: make(map[string]btcutil.Amount),
			quorum:   1,
		}
		return func() { delete(m.accounts, c.AccountID) }, nil

	case SetDetail:
		acct, err := m.account(c.AccountID)
		if err != nil {
			return nil, err
		}
		return setDetailUndo(acct, c.Key, c.Value), nil

	case CompareAndSetDetail:
		acct, err := m.account(c.AccountID)
		if err != nil {
			return nil, err
		}
		cur, ok := acct.details[c.Key]
		switch {
		case c.OldValue == nil && ok:
			return nil, fmt.Errorf("%w: %s/%s already set",
				ErrCompareAndSetFailed, c.AccountID, c.Key)

		case c.OldValue != nil && (!ok || cur != *c.OldValue):
			return nil, fmt.Errorf("%w: %s/%s changed",
				ErrCompareAndSetFailed, c.AccountID, c.Key)
		}
		return setDetailUndo(acct, c.Key, c.Value), nil

	case SetQuorum:
		acct, err := m.account(c.AccountID)
		if err != nil {
			return nil, err
		}
		prev := acct.quorum
		acct.quorum = c.Quorum
		return func() { acct.quorum = prev }, nil

	case AddAsset:
		acct, err := m.account(c.AccountID)
		if err != nil {
			return nil, err
		}
		acct.balances[c.AssetID] += c.Amount
		return func() { acct.balances[c.AssetID] -= c.Amount }, nil

	case SubtractAsset:
		acct, err := m.account(c.AccountID)
		if err != nil {
			return nil, err
		}
		if acct.balances[c.AssetID] < c.Amount {
			return nil, fmt.Errorf("%w: %s has %v, need %v",
				ErrInsufficientBalance, c.AccountID,
				acct.balances[c.AssetID], c.Amount)
		}
		acct.balances[c.AssetID] -= c.Amount
		return func() { acct.balances[c.AssetID] += c.Amount }, nil

	case TransferAsset:
		src, err := m.account(c.SrcAccountID)
		if err != nil {
			return nil, err
		}
		dest, err := m.account(c.DestAccountID)
		if err != nil {
			return nil, err
		}
		if src.balances[c.AssetID] < c.Amount {
			return nil, fmt.Errorf("%w: %s has %v, need %v",
				ErrInsufficientBalance, c.SrcAccountID,
				src.balances[c.AssetID], c.Amount)
		}
		src.balances[c.AssetID] -= c.Amount
		dest.balances[c.AssetID] += c.Amount
		return func() {
			dest.balances[c.AssetID] -= c.Amount
			src.balances[c.AssetID] += c.Amount
		}, nil
	}

	return nil, fmt.Errorf("unknown command %T", cmd)
}

// setDetailUndo writes key=value and returns the function restoring the
// previous state of the key.
func setDetailUndo(acct *memAccount, key, value string) func() {
	prev, had := acct.details[key]
	acct.details[key] = value
	return func() {
		if had {
			acct.details[key] = prev
			return
		}
		delete(acct.details, key)
	}
}

// GetDetail returns a single detail of an account.
func (m *MemoryStore) GetDetail(_ context.Context, accountID,
	key string) (string, bool, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return "", false, nil
	}
	v, ok := acct.details[key]
	return v, ok, nil
}

// GetDetails returns a copy of every detail of an account.  A missing
// account has no details.
func (m *MemoryStore) GetDetails(_ context.Context,
	accountID string) (map[string]string, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	details := make(map[string]string)
	if acct, ok := m.accounts[accountID]; ok {
		for k, v := range acct.details {
			details[k] = v
		}
	}
	return details, nil
}

// AccountExists reports whether the account was created.
func (m *MemoryStore) AccountExists(_ context.Context,
	accountID string) (bool, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.accounts[accountID]
	return ok, nil
}

// Balance returns the asset balance of an account.
func (m *MemoryStore) Balance(_ context.Context, accountID,
	assetID string) (btcutil.Amount, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acct.balances[assetID], nil
}

// Quorum returns the signatory quorum of an account.
func (m *MemoryStore) Quorum(_ context.Context, accountID string) (int,
	error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acct.quorum, nil
}
