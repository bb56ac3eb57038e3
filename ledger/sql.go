// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// Dialect selects the SQL flavour spoken by an SQLStore.
type Dialect int

const (
	// DialectPostgres uses $N placeholders.  Use with the "pgx" driver.
	DialectPostgres Dialect = iota

	// DialectSQLite uses ? placeholders.  Use with the "sqlite" driver.
	DialectSQLite
)

// String returns the driver name conventionally registered for the dialect.
func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectSQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// schema creates the ledger tables.  Both dialects accept it unchanged.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_accounts (
		account_id TEXT PRIMARY KEY,
		quorum INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_details (
		account_id TEXT NOT NULL,
		detail_key TEXT NOT NULL,
		detail_value TEXT NOT NULL,
		PRIMARY KEY (account_id, detail_key)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_balances (
		account_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		PRIMARY KEY (account_id, asset_id)
	)`,
}

// SQLStore is a Store backed by a relational database.  Several notary
// processes may share one database, in which case row-level atomicity of the
// conditional statements provides the compare-and-set semantics.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// A compile-time check to ensure SQLStore satisfies the Store interface.
var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps db and creates the ledger schema if needed.  The caller
// is responsible for importing the database driver.
func NewSQLStore(ctx context.Context, db *sql.DB,
	dialect Dialect) (*SQLStore, error) {

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create ledger schema: %w", err)
		}
	}

	return &SQLStore{db: db, dialect: dialect}, nil
}

// rebind rewrites ? placeholders into the dialect's syntax.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// Execute applies cmds inside a single database transaction.
func (s *SQLStore) Execute(ctx context.Context, cmds ...Command) error {
	for _, cmd := range cmds {
		if err := validateCommand(cmd); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}

	for _, cmd := range cmds {
		if err := s.apply(ctx, tx, cmd); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Errorf("Unable to roll back ledger tx: %v",
					rbErr)
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// exec runs a statement and returns the number of affected rows.
func (s *SQLStore) exec(ctx context.Context, tx *sql.Tx, query string,
	args ...any) (int64, error) {

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// requireAccount returns ErrAccountNotFound if the account does not exist.
func (s *SQLStore) requireAccount(ctx context.Context, tx *sql.Tx,
	accountID string) error {

	var one int
	err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM ledger_accounts WHERE account_id = ?`),
		accountID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return err
}

// apply executes a single command within tx.
func (s *SQLStore) apply(ctx context.Context, tx *sql.Tx, cmd Command) error {
	switch c := cmd.(type) {
	case CreateAccount:
		n, err := s.exec(ctx, tx, `INSERT INTO ledger_accounts
			(account_id) VALUES (?) ON CONFLICT DO NOTHING`,
			c.AccountID)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrAccountExists,
				c.AccountID)
		}
		return nil

	case SetDetail:
		if err := s.requireAccount(ctx, tx, c.AccountID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `INSERT INTO ledger_details
			(account_id, detail_key, detail_value) VALUES (?, ?, ?)
			ON CONFLICT (account_id, detail_key)
			DO UPDATE SET detail_value = excluded.detail_value`,
			c.AccountID, c.Key, c.Value)
		return err

	case CompareAndSetDetail:
		if err := s.requireAccount(ctx, tx, c.AccountID); err != nil {
			return err
		}

		var (
			n   int64
			err error
		)
		if c.OldValue == nil {
			n, err = s.exec(ctx, tx, `INSERT INTO ledger_details
				(account_id, detail_key, detail_value)
				VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
				c.AccountID, c.Key, c.Value)
		} else {
			n, err = s.exec(ctx, tx, `UPDATE ledger_details
				SET detail_value = ? WHERE account_id = ?
				AND detail_key = ? AND detail_value = ?`,
				c.Value, c.AccountID, c.Key, *c.OldValue)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s/%s", ErrCompareAndSetFailed,
				c.AccountID, c.Key)
		}
		return nil

	case SetQuorum:
		n, err := s.exec(ctx, tx, `UPDATE ledger_accounts SET quorum = ?
			WHERE account_id = ?`, c.Quorum, c.AccountID)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrAccountNotFound,
				c.AccountID)
		}
		return nil

	case AddAsset:
		if err := s.requireAccount(ctx, tx, c.AccountID); err != nil {
			return err
		}
		return s.credit(ctx, tx, c.AccountID, c.AssetID, c.Amount)

	case SubtractAsset:
		if err := s.requireAccount(ctx, tx, c.AccountID); err != nil {
			return err
		}
		return s.debit(ctx, tx, c.AccountID, c.AssetID, c.Amount)

	case TransferAsset:
		if err := s.requireAccount(ctx, tx, c.SrcAccountID); err != nil {
			return err
		}
		err := s.requireAccount(ctx, tx, c.DestAccountID)
		if err != nil {
			return err
		}
		err = s.debit(ctx, tx, c.SrcAccountID, c.AssetID, c.Amount)
		if err != nil {
			return err
		}
		return s.credit(ctx, tx, c.DestAccountID, c.AssetID, c.Amount)
	}

	return fmt.Errorf("unknown command %T", cmd)
}

// credit adds amount to the balance row, creating it if needed.
func (s *SQLStore) credit(ctx context.Context, tx *sql.Tx, accountID,
	assetID string, amount btcutil.Amount) error {

	_, err := s.exec(ctx, tx, `INSERT INTO ledger_balances
		(account_id, asset_id, amount) VALUES (?, ?, ?)
		ON CONFLICT (account_id, asset_id)
		DO UPDATE SET amount = ledger_balances.amount + excluded.amount`,
		accountID, assetID, int64(amount))
	return err
}

// debit subtracts amount from the balance row if it is large enough.
func (s *SQLStore) debit(ctx context.Context, tx *sql.Tx, accountID,
	assetID string, amount btcutil.Amount) error {

	n, err := s.exec(ctx, tx, `UPDATE ledger_balances
		SET amount = amount - ? WHERE account_id = ? AND asset_id = ?
		AND amount >= ?`,
		int64(amount), accountID, assetID, int64(amount))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s needs %v", ErrInsufficientBalance,
			accountID, amount)
	}
	return nil
}

// GetDetail returns a single detail of an account.
func (s *SQLStore) GetDetail(ctx context.Context, accountID,
	key string) (string, bool, error) {

	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT detail_value
		FROM ledger_details WHERE account_id = ? AND detail_key = ?`),
		accountID, key,
	).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return value, true, nil
}

// GetDetails returns every detail of an account.
func (s *SQLStore) GetDetails(ctx context.Context,
	accountID string) (map[string]string, error) {

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT detail_key,
		detail_value FROM ledger_details WHERE account_id = ?`),
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		details[k] = v
	}
	return details, rows.Err()
}

// AccountExists reports whether the account was created.
func (s *SQLStore) AccountExists(ctx context.Context,
	accountID string) (bool, error) {

	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM ledger_accounts WHERE account_id = ?`),
		accountID,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Balance returns the asset balance of an account.
func (s *SQLStore) Balance(ctx context.Context, accountID,
	assetID string) (btcutil.Amount, error) {

	exists, err := s.AccountExists(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	var amount int64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT amount
		FROM ledger_balances WHERE account_id = ? AND asset_id = ?`),
		accountID, assetID,
	).Scan(&amount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return btcutil.Amount(amount), nil
}

// Quorum returns the signatory quorum of an account.
func (s *SQLStore) Quorum(ctx context.Context, accountID string) (int,
	error) {

	var quorum int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT quorum
		FROM ledger_accounts WHERE account_id = ?`), accountID,
	).Scan(&quorum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return quorum, err
}
