// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package withdrawal defines the withdrawal model shared by the notary
// components: the immutable withdrawal details and their identifier, the
// persisted withdrawal state machine, the typed errors of the withdrawal
// flow and the events the flow emits.
package withdrawal

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// idLength is the number of hex characters of a withdrawal id.
const idLength = 32

// ConsensusDomain is the ledger domain of the per-withdrawal accounts.
const ConsensusDomain = "btc_consensus"

// Details describe a withdrawal request.  They are immutable once the
// withdrawal transfer is seen in the ledger.
type Details struct {
	SourceAccount        string         `json:"sourceAccountId"`
	DestinationAddress   string         `json:"toAddress"`
	AmountSat            btcutil.Amount `json:"amountSat"`
	WithdrawalTimeMillis int64          `json:"withdrawalTime"`
	FeeSat               btcutil.Amount `json:"withdrawalFeeSat"`
}

// ID returns the withdrawal identifier: the first 32 hex characters of the
// SHA-1 digest of the concatenated fields.  It is short enough to be used as
// a ledger key and as part of an account name.
func (d *Details) ID() string {
	preimage := d.SourceAccount + d.DestinationAddress +
		strconv.FormatInt(int64(d.AmountSat), 10) +
		strconv.FormatInt(d.WithdrawalTimeMillis, 10) +
		strconv.FormatInt(int64(d.FeeSat), 10)
	sum := sha1.Sum([]byte(preimage))
	return hex.EncodeToString(sum[:])[:idLength]
}

// Total returns the amount plus the fee, the sum refunded on rollback.
func (d *Details) Total() btcutil.Amount {
	return d.AmountSat + d.FeeSat
}

func (d *Details) String() string {
	return fmt.Sprintf("withdrawal %s of %v (+%v fee) from %s to %s",
		d.ID(), d.AmountSat, d.FeeSat, d.SourceAccount,
		d.DestinationAddress)
}

// Destination decodes the destination address for the given network.
func (d *Details) Destination(params *chaincfg.Params) (btcutil.Address,
	error) {

	addr, err := btcutil.DecodeAddress(d.DestinationAddress, params)
	if err != nil {
		return nil, NewError(ErrInvalidAddress, fmt.Sprintf(
			"cannot decode %q", d.DestinationAddress), err)
	}
	if !addr.IsForNet(params) {
		return nil, NewError(ErrInvalidAddress, fmt.Sprintf(
			"%s is not a %s address", d.DestinationAddress,
			params.Name), nil)
	}
	return addr, nil
}

// Validate rejects withdrawals that can never succeed: an undecodable
// destination or an amount below the flat fee.
func (d *Details) Validate(params *chaincfg.Params,
	flatFee btcutil.Amount) error {

	if _, err := d.Destination(params); err != nil {
		return err
	}
	if d.AmountSat < flatFee {
		return NewError(ErrDustAmount, fmt.Sprintf("amount %v is "+
			"below the minimum of %v", d.AmountSat, flatFee), nil)
	}
	return nil
}

// Marshal returns the ledger encoding of the details.
func (d *Details) Marshal() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UnmarshalDetails decodes details stored in the ledger.
func UnmarshalDetails(raw string) (*Details, error) {
	var d Details
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, NewError(ErrMalformedTransfer,
			"cannot decode withdrawal details", err)
	}
	return &d, nil
}

// AccountID returns the ledger account that holds the state, details and
// consensus records of the withdrawal with the given id.
func AccountID(withdrawalID string) string {
	return withdrawalID + "@" + ConsensusDomain
}
