// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package withdrawal

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrInvalidAddress indicates a destination that is not a valid
	// address on the configured network.
	ErrInvalidAddress ErrorCode = iota

	// ErrDustAmount indicates a withdrawal amount below the flat fee.
	ErrDustAmount

	// ErrMalformedTransfer indicates a ledger transfer that looks like a
	// withdrawal but cannot be decoded as one.
	ErrMalformedTransfer

	// ErrMissingConsensus indicates that the agreed consensus data is
	// absent or incomplete.
	ErrMissingConsensus

	// ErrTxCreation indicates a failure to assemble the withdrawal
	// transaction.
	ErrTxCreation

	// ErrPersist indicates a failure to persist the withdrawal
	// transaction.
	ErrPersist

	// ErrTxSigning indicates an error when signing or completing a
	// withdrawal transaction.
	ErrTxSigning

	// ErrBroadcast indicates that the Bitcoin node refused the
	// transaction.
	ErrBroadcast

	// ErrInvalidTransition indicates a state change the withdrawal state
	// machine does not allow.
	ErrInvalidTransition

	// ErrStateConflict indicates that another notary changed the state
	// of a withdrawal first.
	ErrStateConflict

	// ErrDatabase indicates an error with the ledger.
	ErrDatabase

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidAddress:    "ErrInvalidAddress",
	ErrDustAmount:        "ErrDustAmount",
	ErrMalformedTransfer: "ErrMalformedTransfer",
	ErrMissingConsensus:  "ErrMissingConsensus",
	ErrTxCreation:        "ErrTxCreation",
	ErrPersist:           "ErrPersist",
	ErrTxSigning:         "ErrTxSigning",
	ErrBroadcast:         "ErrBroadcast",
	ErrInvalidTransition: "ErrInvalidTransition",
	ErrStateConflict:     "ErrStateConflict",
	ErrDatabase:          "ErrDatabase",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising while processing a
// withdrawal.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error.
func NewError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError reports whether err is, or wraps, an Error with the given code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.ErrorCode == code
}
