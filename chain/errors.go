// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTxAlreadyInMempool is returned when the transaction is already
	// in the mempool of the node.
	ErrTxAlreadyInMempool = errors.New("txn already in mempool")

	// ErrTxAlreadyKnown is returned when the node already saw the
	// transaction.
	ErrTxAlreadyKnown = errors.New("txn already known")

	// ErrTxAlreadyConfirmed is returned when the transaction is already
	// mined.
	ErrTxAlreadyConfirmed = errors.New("txn already confirmed")

	// ErrInsufficientFee is returned when the transaction pays less than
	// the node requires to relay it.
	ErrInsufficientFee = errors.New("insufficient fee")

	// ErrMissingInputs is returned when an input of the transaction is
	// spent or unknown.
	ErrMissingInputs = errors.New("missing inputs")

	// ErrUndefined is wrapped by errors no sentinel matches.
	ErrUndefined = errors.New("undefined rpc error")
)

// rpcErrMap maps the error strings of bitcoind and btcd to the errors
// above.  Strings are matched by matchErrStr.
var rpcErrMap = map[string]error{
	// bitcoind.
	"txn-already-in-mempool":             ErrTxAlreadyInMempool,
	"txn-already-known":                  ErrTxAlreadyKnown,
	"transaction already in block chain": ErrTxAlreadyConfirmed,
	"min relay fee not met":              ErrInsufficientFee,
	"missing inputs":                     ErrMissingInputs,
	"bad-txns-inputs-missingorspent":     ErrMissingInputs,

	// btcd.
	"already have transaction":        ErrTxAlreadyKnown,
	"transaction already exists":      ErrTxAlreadyConfirmed,
	"insufficient priority":           ErrInsufficientFee,
	"orphan transaction":              ErrMissingInputs,
	"output already spent in mempool": ErrMissingInputs,
}

// matchErrStr takes an error returned from the RPC client and matches it
// against the specified string.  Dashes are replaced with spaces and both
// strings are lowercased first.
func matchErrStr(err error, s string) bool {
	if err == nil {
		return false
	}

	errStr := strings.ReplaceAll(strings.ToLower(err.Error()), "-", " ")
	matchStr := strings.ReplaceAll(strings.ToLower(s), "-", " ")

	return strings.Contains(errStr, matchStr)
}

// MapRPCErr maps an error returned by the node to one of the sentinel
// errors of this package.  Unmatched errors are wrapped in ErrUndefined.
func MapRPCErr(rpcErr error) error {
	if rpcErr == nil {
		return nil
	}

	for str, matched := range rpcErrMap {
		if matchErrStr(rpcErr, str) {
			return fmt.Errorf("%w: %v", matched, rpcErr)
		}
	}

	return fmt.Errorf("%w: %v", ErrUndefined, rpcErr)
}

// IsAlreadyRelayed reports whether err means the node already has the
// transaction, in which case relaying it succeeded before.
func IsAlreadyRelayed(err error) bool {
	return errors.Is(err, ErrTxAlreadyInMempool) ||
		errors.Is(err, ErrTxAlreadyKnown) ||
		errors.Is(err, ErrTxAlreadyConfirmed)
}
