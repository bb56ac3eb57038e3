// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger defines the coordination store the notary nodes share.  It
// models the small subset of a permissioned ledger the withdrawal protocol
// relies on: accounts holding key/value details, unconditional and
// compare-and-set detail writes, and asset balances that can be transferred
// between accounts.  Every write goes through Execute, which applies a batch
// of commands atomically.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// BTCAssetID is the ledger asset that mirrors bitcoin held by the notaries.
const BTCAssetID = "btc#bitcoin"

var (
	// ErrAccountExists is returned when CreateAccount targets an account
	// that is already present.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountNotFound is returned when a command references an
	// account that was never created.
	ErrAccountNotFound = errors.New("account not found")

	// ErrCompareAndSetFailed is returned when the current value of a
	// detail does not match the expected old value of a
	// CompareAndSetDetail command.
	ErrCompareAndSetFailed = errors.New("compare-and-set failed")

	// ErrInsufficientBalance is returned when a transfer or subtraction
	// exceeds the balance of the source account.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for non-positive asset amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Command is a single ledger command.  Commands are only meaningful as part
// of a batch passed to Store.Execute.
type Command interface {
	command()
}

// CreateAccount creates an empty account.
type CreateAccount struct {
	AccountID string
}

// SetDetail unconditionally sets a key/value detail on an account.
type SetDetail struct {
	AccountID string
	Key       string
	Value     string
}

// CompareAndSetDetail sets a detail only if its current value equals
// OldValue.  A nil OldValue requires the detail to be absent.
type CompareAndSetDetail struct {
	AccountID string
	Key       string
	Value     string
	OldValue  *string
}

// SetQuorum records the signatory quorum of an account.
type SetQuorum struct {
	AccountID string
	Quorum    int
}

// AddAsset mints an amount of an asset into an account.
type AddAsset struct {
	AccountID string
	AssetID   string
	Amount    btcutil.Amount
}

// SubtractAsset burns an amount of an asset from an account.
type SubtractAsset struct {
	AccountID string
	AssetID   string
	Amount    btcutil.Amount
}

// TransferAsset moves an amount of an asset between two accounts.
type TransferAsset struct {
	SrcAccountID  string
	DestAccountID string
	AssetID       string
	Description   string
	Amount        btcutil.Amount
}

func (CreateAccount) command()       {}
func (SetDetail) command()           {}
func (CompareAndSetDetail) command() {}
func (SetQuorum) command()           {}
func (AddAsset) command()            {}
func (SubtractAsset) command()       {}
func (TransferAsset) command()       {}

// Store is the coordination store shared by all notary nodes.  Reads may
// run concurrently with anything; conflicting writes are serialized by the
// store and resolved through compare-and-set.
type Store interface {
	// Execute applies cmds atomically.  Either every command takes
	// effect or none does.
	Execute(ctx context.Context, cmds ...Command) error

	// GetDetail returns a single detail and whether it was present.
	GetDetail(ctx context.Context, accountID, key string) (string, bool,
		error)

	// GetDetails returns every detail of an account.
	GetDetails(ctx context.Context, accountID string) (map[string]string,
		error)

	// AccountExists reports whether the account was created.
	AccountExists(ctx context.Context, accountID string) (bool, error)

	// Balance returns the asset balance of an account.
	Balance(ctx context.Context, accountID, assetID string) (btcutil.Amount,
		error)

	// Quorum returns the signatory quorum of an account.
	Quorum(ctx context.Context, accountID string) (int, error)
}

// StrPtr returns a pointer to s, for use as CompareAndSetDetail.OldValue.
func StrPtr(s string) *string {
	return &s
}

// FilterDetails returns the keys of the details of an account for which
// match returns true, in key order.  The first key is the first match.
func FilterDetails(ctx context.Context, s Store, accountID string,
	match func(key, value string) bool) ([]string, error) {

	details, err := s.GetDetails(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var keys []string
	for k, v := range details {
		if match(k, v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	return keys, nil
}

// IgnoreAccountExists returns nil when err is ErrAccountExists.  Account
// creation races between notaries are expected and the first creator wins.
func IgnoreAccountExists(err error) error {
	if errors.Is(err, ErrAccountExists) {
		return nil
	}
	return err
}

// validateCommand performs the store-independent checks on a command.
func validateCommand(cmd Command) error {
	switch c := cmd.(type) {
	case CreateAccount:
		if c.AccountID == "" {
			return errors.New("empty account id")
		}
	case SetDetail:
		if c.AccountID == "" || c.Key == "" {
			return errors.New("empty account id or detail key")
		}
	case CompareAndSetDetail:
		if c.AccountID == "" || c.Key == "" {
			return errors.New("empty account id or detail key")
		}
	case SetQuorum:
		if c.Quorum < 1 {
			return fmt.Errorf("invalid quorum %d", c.Quorum)
		}
	case AddAsset:
		if c.Amount <= 0 {
			return ErrInvalidAmount
		}
	case SubtractAsset:
		if c.Amount <= 0 {
			return ErrInvalidAmount
		}
	case TransferAsset:
		if c.Amount <= 0 {
			return ErrInvalidAmount
		}
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}

	return nil
}
