// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addrbook reads the multisig addresses registered in the ledger:
// client deposit addresses and notary change addresses, together with the
// notary public keys each address commits to.
package addrbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcnotary/ledger"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultCacheTTL is how long a looked up address stays cached.  Address
// records are write-once, so the TTL only bounds memory.
const DefaultCacheTTL = 10 * time.Minute

// ErrUnknownAddress is returned for addresses never registered in the
// ledger.
var ErrUnknownAddress = errors.New("unknown address")

// AddressInfo is the ledger record of a multisig address.
type AddressInfo struct {
	// Client is the ledger account owning a deposit address.  It is empty
	// for change addresses.
	Client string `json:"irohaClient,omitempty"`

	// NotaryKeys are the hex encoded public keys of the redeem script.
	NotaryKeys []string `json:"notaryKeys"`

	// NodeID identifies the notary that generated the address.
	NodeID string `json:"nodeId"`

	// GenerationTime is the unix time in milliseconds of generation.
	GenerationTime int64 `json:"generationTime,omitempty"`
}

// IsChange reports whether the address is a change address.
func (a *AddressInfo) IsChange() bool {
	return a.Client == ""
}

// Book gives access to the registered addresses.
type Book struct {
	store         ledger.Store
	clientAccount string
	changeAccount string

	cache *ttlcache.Cache[string, AddressInfo]
}

// New returns a Book reading client addresses from the details of
// clientAccount and change addresses from the details of changeAccount.
func New(store ledger.Store, clientAccount, changeAccount string) *Book {
	return &Book{
		store:         store,
		clientAccount: clientAccount,
		changeAccount: changeAccount,
		cache: ttlcache.New[string, AddressInfo](
			ttlcache.WithTTL[string, AddressInfo](DefaultCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, AddressInfo](),
		),
	}
}

// ChangeAccount returns the ledger account holding change addresses.
func (b *Book) ChangeAccount() string {
	return b.changeAccount
}

// Register stores a new address record.  Records are write-once.
func (b *Book) Register(ctx context.Context, address string,
	info AddressInfo) error {

	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}

	account := b.clientAccount
	if info.IsChange() {
		account = b.changeAccount
	}

	err = b.store.Execute(ctx, ledger.CompareAndSetDetail{
		AccountID: account,
		Key:       address,
		Value:     string(raw),
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", address, err)
	}

	b.cache.Set(address, info, ttlcache.DefaultTTL)
	return nil
}

// decode parses the records of an account, skipping malformed ones.
func (b *Book) decode(ctx context.Context,
	accountID string) (map[string]AddressInfo, error) {

	details, err := b.store.GetDetails(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("read addresses of %s: %w", accountID,
			err)
	}

	infos := make(map[string]AddressInfo, len(details))
	for addr, raw := range details {
		var info AddressInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			log.Warnf("Skipping malformed address record %s: %v",
				addr, err)
			continue
		}
		infos[addr] = info
		b.cache.Set(addr, info, ttlcache.DefaultTTL)
	}
	return infos, nil
}

// KnownAddresses returns every client and change address generated no later
// than generatedBefore (unix milliseconds).  Bounding by the withdrawal time
// gives all notaries the same set even while new addresses are registered.
func (b *Book) KnownAddresses(ctx context.Context,
	generatedBefore int64) (map[string]struct{}, error) {

	known := make(map[string]struct{})
	for _, account := range []string{b.clientAccount, b.changeAccount} {
		infos, err := b.decode(ctx, account)
		if err != nil {
			return nil, err
		}
		for addr, info := range infos {
			if info.GenerationTime > generatedBefore {
				continue
			}
			known[addr] = struct{}{}
		}
	}
	return known, nil
}

// ChangeAddresses returns the change addresses generated no later than
// generatedBefore, sorted.
func (b *Book) ChangeAddresses(ctx context.Context,
	generatedBefore int64) ([]string, error) {

	infos, err := b.decode(ctx, b.changeAccount)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(infos))
	for addr, info := range infos {
		if info.GenerationTime > generatedBefore {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	return addrs, nil
}

// Lookup returns the record of a registered address.
func (b *Book) Lookup(ctx context.Context, address string) (AddressInfo,
	error) {

	if item := b.cache.Get(address); item != nil {
		return item.Value(), nil
	}

	for _, account := range []string{b.clientAccount, b.changeAccount} {
		raw, ok, err := b.store.GetDetail(ctx, account, address)
		if err != nil {
			return AddressInfo{}, err
		}
		if !ok {
			continue
		}

		var info AddressInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return AddressInfo{}, fmt.Errorf("decode %s: %w",
				address, err)
		}
		b.cache.Set(address, info, ttlcache.DefaultTTL)

		return info, nil
	}

	return AddressInfo{}, fmt.Errorf("%w: %s", ErrUnknownAddress, address)
}

// NotaryKeys returns the redeem script public keys of a registered address.
func (b *Book) NotaryKeys(ctx context.Context, address string) ([]string,
	error) {

	info, err := b.Lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	return info.NotaryKeys, nil
}
