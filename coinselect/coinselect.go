/*
 * Copyright (c) 2015-2025 The btcsuite developers
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// Package coinselect picks the outputs funding a withdrawal.  Given the same
// confirmed outputs, confirmation depth and withdrawal, every notary selects
// the same inputs in the same order and pays change to the same address,
// without talking to the others.
package coinselect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

const (
	// DefaultFlatFee is the fee paid by every withdrawal transaction.
	DefaultFlatFee btcutil.Amount = 6000

	// DefaultMaxInputs caps the number of inputs of a withdrawal.
	DefaultMaxInputs = 100
)

var (
	// ErrInsufficientFunds is returned when the eligible outputs cannot
	// cover the amount and fee.  The withdrawal may succeed later, once
	// claimed outputs are released or new outputs confirm.
	ErrInsufficientFunds = errors.New("insufficient eligible funds")

	// ErrTooManyInputs is returned when the input cap is reached before
	// the target.  It is not retryable.
	ErrTooManyInputs = errors.New("too many inputs required")

	// ErrNoChangeAddress is returned when no change address is known.
	ErrNoChangeAddress = errors.New("no change address available")
)

// FeePolicy is the fee configuration threaded through selection and
// transaction assembly.
type FeePolicy struct {
	// FlatFee is paid by every withdrawal.  Amounts and outputs below it
	// are dust.
	FlatFee btcutil.Amount

	// RelayFeePerKb decides whether a change output would be relayed.
	RelayFeePerKb btcutil.Amount
}

// DefaultFeePolicy returns the flat fee policy with the default relay fee.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		FlatFee:       DefaultFlatFee,
		RelayFeePerKb: txrules.DefaultRelayFeePerKb,
	}
}

// IsDust reports whether amount is too small to move economically.
func (p FeePolicy) IsDust(amount btcutil.Amount) bool {
	return amount < p.FlatFee
}

// ClaimChecker reports whether an output is held by another withdrawal.
type ClaimChecker interface {
	IsClaimed(ctx context.Context, outputID, withdrawalID string) (bool,
		error)
}

// Request describes what a selection must fund and from which outputs.
type Request struct {
	WithdrawalID string
	Amount       btcutil.Amount

	// Outputs are the confirmed outputs reported by the Bitcoin node.
	Outputs []*utxo.Output

	// MinConfirmations is the depth an output needs to be spent.
	MinConfirmations int32

	// AvailableHeight is the highest block an input may come from.  It is
	// the value the notaries agreed on during consensus.
	AvailableHeight int32

	// KnownAddresses are the registered client and change addresses.
	KnownAddresses map[string]struct{}
}

// Selector selects withdrawal inputs.
type Selector struct {
	fees        FeePolicy
	claims      ClaimChecker
	maxInputs   int
	chainParams *chaincfg.Params
}

// New returns a Selector.  A non-positive maxInputs selects
// DefaultMaxInputs.
func New(fees FeePolicy, claims ClaimChecker, maxInputs int,
	chainParams *chaincfg.Params) *Selector {

	if maxInputs <= 0 {
		maxInputs = DefaultMaxInputs
	}
	return &Selector{
		fees:        fees,
		claims:      claims,
		maxInputs:   maxInputs,
		chainParams: chainParams,
	}
}

// Fees returns the fee policy of the selector.
func (s *Selector) Fees() FeePolicy {
	return s.fees
}

// byValue sorts outputs by descending value, breaking ties by ascending
// (txid, index) so the order is total.
type byValue []*utxo.Output

func (o byValue) Len() int      { return len(o) }
func (o byValue) Swap(i, j int) { o[i], o[j] = o[j], o[i] }

func (o byValue) Less(i, j int) bool {
	if o[i].Value != o[j].Value {
		return o[i].Value > o[j].Value
	}

	// Compare the displayed txids so the order matches their string form.
	iHash, jHash := o[i].OutPoint.Hash.String(), o[j].OutPoint.Hash.String()
	if iHash != jHash {
		return iHash < jHash
	}

	return o[i].OutPoint.Index < o[j].OutPoint.Index
}

// ownerAddress returns the address an output pays to, deriving it from the
// script when the node did not report it.
func (s *Selector) ownerAddress(o *utxo.Output) (string, error) {
	if o.Address != "" {
		return o.Address, nil
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(o.PkScript,
		s.chainParams)
	if err != nil {
		return "", err
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("output %v doesn't have exactly one "+
			"address", o.OutPoint)
	}
	return addrs[0].EncodeAddress(), nil
}

// isEligible tests an output against the dust, depth, height and ownership
// rules.  Claims are checked separately since they need a ledger read.
func (s *Selector) isEligible(o *utxo.Output, req *Request,
	maxHeight int32) bool {

	if s.fees.IsDust(o.Value) {
		return false
	}
	if o.Confirmations < req.MinConfirmations {
		return false
	}
	if o.Height > maxHeight {
		return false
	}

	addr, err := s.ownerAddress(o)
	if err != nil {
		log.Debugf("Skipping %v: %v", o.OutPoint, err)
		return false
	}
	_, known := req.KnownAddresses[addr]

	return known
}

// eligible returns the spendable outputs of req no higher than maxHeight, in
// selection order.
func (s *Selector) eligible(ctx context.Context, req *Request,
	maxHeight int32) ([]*utxo.Output, error) {

	var outputs []*utxo.Output
	for _, o := range req.Outputs {
		if !s.isEligible(o, req, maxHeight) {
			continue
		}

		claimed, err := s.claims.IsClaimed(ctx, o.ID(), req.WithdrawalID)
		if err != nil {
			return nil, err
		}
		if claimed {
			log.Tracef("Skipping claimed %v", o)
			continue
		}

		outputs = append(outputs, o)
	}

	sort.Sort(byValue(outputs))

	return outputs, nil
}

// Eligible returns the outputs req may spend, in selection order.
func (s *Selector) Eligible(ctx context.Context,
	req *Request) ([]*utxo.Output, error) {

	return s.eligible(ctx, req, req.AvailableHeight)
}

// AvailableHeight returns the height of the most recent eligible output,
// ignoring req.AvailableHeight.  It is zero when nothing is spendable.  This
// is the local view each notary publishes during consensus.
func (s *Selector) AvailableHeight(ctx context.Context,
	req *Request) (int32, error) {

	outputs, err := s.eligible(ctx, req, math.MaxInt32)
	if err != nil {
		return 0, err
	}

	var height int32
	for _, o := range outputs {
		if o.Height > height {
			height = o.Height
		}
	}
	return height, nil
}

// Select greedily takes eligible outputs, largest first, until they cover
// the amount plus the flat fee.
func (s *Selector) Select(ctx context.Context,
	req *Request) ([]*utxo.Output, error) {

	outputs, err := s.Eligible(ctx, req)
	if err != nil {
		return nil, err
	}

	target := req.Amount + s.fees.FlatFee

	var (
		selected  []*utxo.Output
		collected btcutil.Amount
	)
	for _, o := range outputs {
		if collected >= target {
			break
		}
		if len(selected) == s.maxInputs {
			return nil, fmt.Errorf("%w: %d inputs collect %v of %v",
				ErrTooManyInputs, len(selected), collected,
				target)
		}
		selected = append(selected, o)
		collected += o.Value
	}

	if collected < target {
		return nil, fmt.Errorf("%w: required %v, collected %v from "+
			"%d eligible outputs", ErrInsufficientFunds, target,
			collected, len(outputs))
	}

	log.Debugf("Selected %d inputs worth %v for withdrawal %s",
		len(selected), collected, req.WithdrawalID)

	return selected, nil
}

// ChangeAddress picks the change address of a withdrawal.  The draw is
// seeded by the withdrawal time so all notaries pick the same address.
func ChangeAddress(changeAddrs []string,
	withdrawalTimeMillis int64) (string, error) {

	if len(changeAddrs) == 0 {
		return "", ErrNoChangeAddress
	}

	sorted := make([]string, len(changeAddrs))
	copy(sorted, changeAddrs)
	sort.Strings(sorted)

	r := rand.New(rand.NewSource(withdrawalTimeMillis))
	return sorted[r.Intn(len(sorted))], nil
}

// Outputs builds the destination and change outputs of a withdrawal funded
// by inputs.  The change output is left out when it would be zero or dust
// under the relay rules, in which case its value goes to the fee.
func (s *Selector) Outputs(inputs []*utxo.Output, dest btcutil.Address,
	amount btcutil.Amount, change btcutil.Address) ([]*wire.TxOut, error) {

	var total btcutil.Amount
	for _, in := range inputs {
		total += in.Value
	}

	changeValue := total - amount - s.fees.FlatFee
	if changeValue < 0 {
		return nil, fmt.Errorf("%w: inputs worth %v cannot pay %v "+
			"plus fee %v", ErrInsufficientFunds, total, amount,
			s.fees.FlatFee)
	}

	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, fmt.Errorf("destination script: %w", err)
	}
	outputs := []*wire.TxOut{wire.NewTxOut(int64(amount), destScript)}

	changeScript, err := txscript.PayToAddrScript(change)
	if err != nil {
		return nil, fmt.Errorf("change script: %w", err)
	}
	changeOut := wire.NewTxOut(int64(changeValue), changeScript)
	if changeValue == 0 || txrules.IsDustOutput(changeOut,
		s.fees.RelayFeePerKb) {

		log.Debugf("Dropping change output of %v", changeValue)
		return outputs, nil
	}

	return append(outputs, changeOut), nil
}
