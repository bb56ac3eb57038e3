// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// accountsBucketKey is the top-level bucket holding one nested bucket
	// per account.
	accountsBucketKey = []byte("ledger-accounts")

	// detailsBucketKey and balancesBucketKey name the nested buckets of
	// an account.
	detailsBucketKey  = []byte("details")
	balancesBucketKey = []byte("balances")

	// quorumKey stores the account quorum as a decimal string.
	quorumKey = []byte("quorum")
)

// BoltStore is a Store persisted in a walletdb database.  Writers are
// serialized by the database, so the store is only shared by the goroutines
// of a single process.
type BoltStore struct {
	db walletdb.DB
}

// A compile-time check to ensure BoltStore satisfies the Store interface.
var _ Store = (*BoltStore)(nil)

// NewBoltStore initializes the ledger buckets in db.  The caller owns db and
// must close it after use.
func NewBoltStore(db walletdb.DB) (*BoltStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(accountsBucketKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create ledger buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Execute applies cmds in a single read-write database transaction.  Any
// error rolls the whole transaction back.
func (b *BoltStore) Execute(ctx context.Context, cmds ...Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := validateCommand(cmd); err != nil {
			return err
		}
	}

	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		accounts := tx.ReadWriteBucket(accountsBucketKey)
		for _, cmd := range cmds {
			if err := applyBolt(accounts, cmd); err != nil {
				return err
			}
		}
		return nil
	})
}

// boltAccount returns the bucket of an existing account.
func boltAccount(accounts walletdb.ReadWriteBucket,
	id string) (walletdb.ReadWriteBucket, error) {

	acct := accounts.NestedReadWriteBucket([]byte(id))
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acct, nil
}

func applyBolt(accounts walletdb.ReadWriteBucket, cmd Command) error {
	switch c := cmd.(type) {
	case CreateAccount:
		acct, err := accounts.CreateBucket([]byte(c.AccountID))
		if errors.Is(err, walletdb.ErrBucketExists) {
			return fmt.Errorf("%w: %s", ErrAccountExists,
				c.AccountID)
		}
		if err != nil {
			return err
		}
		if _, err := acct.CreateBucket(detailsBucketKey); err != nil {
			return err
		}
		if _, err := acct.CreateBucket(balancesBucketKey); err != nil {
			return err
		}
		return acct.Put(quorumKey, []byte("1"))

	case SetDetail:
		acct, err := boltAccount(accounts, c.AccountID)
		if err != nil {
			return err
		}
		details := acct.NestedReadWriteBucket(detailsBucketKey)
		return details.Put([]byte(c.Key), []byte(c.Value))

	case CompareAndSetDetail:
		acct, err := boltAccount(accounts, c.AccountID)
		if err != nil {
			return err
		}
		details := acct.NestedReadWriteBucket(detailsBucketKey)
		cur := details.Get([]byte(c.Key))
		switch {
		case c.OldValue == nil && cur != nil:
			return fmt.Errorf("%w: %s/%s already set",
				ErrCompareAndSetFailed, c.AccountID, c.Key)

		case c.OldValue != nil && (cur == nil ||
			string(cur) != *c.OldValue):

			return fmt.Errorf("%w: %s/%s changed",
				ErrCompareAndSetFailed, c.AccountID, c.Key)
		}
		return details.Put([]byte(c.Key), []byte(c.Value))

	case SetQuorum:
		acct, err := boltAccount(accounts, c.AccountID)
		if err != nil {
			return err
		}
		return acct.Put(quorumKey, []byte(strconv.Itoa(c.Quorum)))

	case AddAsset:
		acct, err := boltAccount(accounts, c.AccountID)
		if err != nil {
			return err
		}
		return adjustBoltBalance(acct, c.AssetID, c.Amount)

	case SubtractAsset:
		acct, err := boltAccount(accounts, c.AccountID)
		if err != nil {
			return err
		}
		return adjustBoltBalance(acct, c.AssetID, -c.Amount)

	case TransferAsset:
		src, err := boltAccount(accounts, c.SrcAccountID)
		if err != nil {
			return err
		}
		dest, err := boltAccount(accounts, c.DestAccountID)
		if err != nil {
			return err
		}
		if err := adjustBoltBalance(src, c.AssetID, -c.Amount); err != nil {
			return err
		}
		return adjustBoltBalance(dest, c.AssetID, c.Amount)
	}

	return fmt.Errorf("unknown command %T", cmd)
}

// readBoltBalance decodes the balance of asset in an account bucket.
func readBoltBalance(acct walletdb.ReadBucket, assetID string) btcutil.Amount {
	v := acct.NestedReadBucket(balancesBucketKey).Get([]byte(assetID))
	if len(v) != 8 {
		return 0
	}
	return btcutil.Amount(binary.BigEndian.Uint64(v))
}

// adjustBoltBalance adds delta to the balance of asset, refusing to go
// negative.
func adjustBoltBalance(acct walletdb.ReadWriteBucket, assetID string,
	delta btcutil.Amount) error {

	bal := readBoltBalance(acct, assetID) + delta
	if bal < 0 {
		return fmt.Errorf("%w: short by %v", ErrInsufficientBalance,
			-bal)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bal))
	balances := acct.NestedReadWriteBucket(balancesBucketKey)
	return balances.Put([]byte(assetID), buf[:])
}

// GetDetail returns a single detail of an account.
func (b *BoltStore) GetDetail(_ context.Context, accountID,
	key string) (string, bool, error) {

	var (
		value string
		found bool
	)
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		acct := tx.ReadBucket(accountsBucketKey).NestedReadBucket(
			[]byte(accountID),
		)
		if acct == nil {
			return nil
		}
		v := acct.NestedReadBucket(detailsBucketKey).Get([]byte(key))
		if v != nil {
			value, found = string(v), true
		}
		return nil
	})
	return value, found, err
}

// GetDetails returns every detail of an account.
func (b *BoltStore) GetDetails(_ context.Context,
	accountID string) (map[string]string, error) {

	details := make(map[string]string)
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		acct := tx.ReadBucket(accountsBucketKey).NestedReadBucket(
			[]byte(accountID),
		)
		if acct == nil {
			return nil
		}
		return acct.NestedReadBucket(detailsBucketKey).ForEach(
			func(k, v []byte) error {
				details[string(k)] = string(v)
				return nil
			},
		)
	})
	return details, err
}

// AccountExists reports whether the account was created.
func (b *BoltStore) AccountExists(_ context.Context,
	accountID string) (bool, error) {

	var exists bool
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		exists = tx.ReadBucket(accountsBucketKey).NestedReadBucket(
			[]byte(accountID),
		) != nil
		return nil
	})
	return exists, err
}

// Balance returns the asset balance of an account.
func (b *BoltStore) Balance(_ context.Context, accountID,
	assetID string) (btcutil.Amount, error) {

	var bal btcutil.Amount
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		acct := tx.ReadBucket(accountsBucketKey).NestedReadBucket(
			[]byte(accountID),
		)
		if acct == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound,
				accountID)
		}
		bal = readBoltBalance(acct, assetID)
		return nil
	})
	return bal, err
}

// Quorum returns the signatory quorum of an account.
func (b *BoltStore) Quorum(_ context.Context, accountID string) (int,
	error) {

	var quorum int
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		acct := tx.ReadBucket(accountsBucketKey).NestedReadBucket(
			[]byte(accountID),
		)
		if acct == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound,
				accountID)
		}
		q, err := strconv.Atoi(string(acct.Get(quorumKey)))
		if err != nil {
			return fmt.Errorf("decode quorum: %w", err)
		}
		quorum = q
		return nil
	})
	return quorum, err
}
