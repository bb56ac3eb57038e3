// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinselect

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/btcsuite/btcnotary/withdrawal"
)

// UnspentLister enumerates the outputs paying to a set of addresses, as
// reported by the Bitcoin node.
type UnspentLister interface {
	ListUnspent(ctx context.Context,
		addrs []btcutil.Address) ([]*utxo.Output, error)
}

// AddressSource lists the registered client and change addresses.
type AddressSource interface {
	KnownAddresses(ctx context.Context,
		generatedBefore int64) (map[string]struct{}, error)
	ChangeAddresses(ctx context.Context, generatedBefore int64) ([]string,
		error)
}

// View is a notary's local view of the outputs it may spend for a
// withdrawal.  Addresses are bounded by the withdrawal time so that notaries
// agree on the address set.
type View struct {
	selector         *Selector
	lister           UnspentLister
	addrs            AddressSource
	minConfirmations int32
	chainParams      *chaincfg.Params
}

// NewView returns a View selecting with selector among the outputs reported
// by lister that have at least minConfirmations confirmations.
func NewView(selector *Selector, lister UnspentLister, addrs AddressSource,
	minConfirmations int32) *View {

	return &View{
		selector:         selector,
		lister:           lister,
		addrs:            addrs,
		minConfirmations: minConfirmations,
		chainParams:      selector.chainParams,
	}
}

// Selector returns the selector of the view.
func (v *View) Selector() *Selector {
	return v.selector
}

// request builds the selection request of d at the given agreed height.
func (v *View) request(ctx context.Context, d *withdrawal.Details,
	availableHeight int32) (*Request, error) {

	known, err := v.addrs.KnownAddresses(ctx, d.WithdrawalTimeMillis)
	if err != nil {
		return nil, err
	}

	// Sort so the node is always queried the same way.
	encoded := make([]string, 0, len(known))
	for addr := range known {
		encoded = append(encoded, addr)
	}
	sort.Strings(encoded)

	addrs := make([]btcutil.Address, 0, len(encoded))
	for _, a := range encoded {
		addr, err := btcutil.DecodeAddress(a, v.chainParams)
		if err != nil {
			log.Warnf("Skipping undecodable address %s: %v", a, err)
			continue
		}
		addrs = append(addrs, addr)
	}

	var outputs []*utxo.Output
	if len(addrs) > 0 {
		outputs, err = v.lister.ListUnspent(ctx, addrs)
		if err != nil {
			return nil, fmt.Errorf("list unspent: %w", err)
		}
	}

	return &Request{
		WithdrawalID:     d.ID(),
		Amount:           d.AmountSat,
		Outputs:          outputs,
		MinConfirmations: v.minConfirmations,
		AvailableHeight:  availableHeight,
		KnownAddresses:   known,
	}, nil
}

// AvailableHeight returns the height of the most recent output d could
// spend right now.
func (v *View) AvailableHeight(ctx context.Context,
	d *withdrawal.Details) (int32, error) {

	req, err := v.request(ctx, d, 0)
	if err != nil {
		return 0, err
	}
	return v.selector.AvailableHeight(ctx, req)
}

// Select picks the inputs of d among the outputs no higher than the agreed
// height.
func (v *View) Select(ctx context.Context, d *withdrawal.Details,
	availableHeight int32) ([]*utxo.Output, error) {

	req, err := v.request(ctx, d, availableHeight)
	if err != nil {
		return nil, err
	}
	return v.selector.Select(ctx, req)
}

// ChangeAddress returns the change address of d.
func (v *View) ChangeAddress(ctx context.Context,
	d *withdrawal.Details) (btcutil.Address, error) {

	addrs, err := v.addrs.ChangeAddresses(ctx, d.WithdrawalTimeMillis)
	if err != nil {
		return nil, err
	}
	chosen, err := ChangeAddress(addrs, d.WithdrawalTimeMillis)
	if err != nil {
		return nil, err
	}
	return btcutil.DecodeAddress(chosen, v.chainParams)
}
