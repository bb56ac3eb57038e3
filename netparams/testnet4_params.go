// Copyright (c) 2024-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// testNet4 is the magic of the test network (version 4).
const testNet4 wire.BitcoinNet = 0x1c163f28

// testNet4GenesisHash is the hash of the testnet4 genesis block.
var testNet4GenesisHash = mustHash(
	"00000000da84f2bafbbc53dee25a72ae507ff4914b867c565be350b0da8bf043")

// testNet4Params holds what the notary needs of testnet4: its identity and
// the address encodings, which it shares with testnet3.  Consensus rules
// are the business of the node.
var testNet4Params = chaincfg.Params{
	Name:        "testnet4",
	Net:         testNet4,
	DefaultPort: "48333",
	GenesisHash: testNet4GenesisHash,

	Bech32HRPSegwit:         chaincfg.TestNet3Params.Bech32HRPSegwit,
	PubKeyHashAddrID:        chaincfg.TestNet3Params.PubKeyHashAddrID,
	ScriptHashAddrID:        chaincfg.TestNet3Params.ScriptHashAddrID,
	WitnessPubKeyHashAddrID: chaincfg.TestNet3Params.WitnessPubKeyHashAddrID,
	WitnessScriptHashAddrID: chaincfg.TestNet3Params.WitnessScriptHashAddrID,
	PrivateKeyID:            chaincfg.TestNet3Params.PrivateKeyID,
	HDPrivateKeyID:          chaincfg.TestNet3Params.HDPrivateKeyID,
	HDPublicKeyID:           chaincfg.TestNet3Params.HDPublicKeyID,
	HDCoinType:              chaincfg.TestNet3Params.HDCoinType,
}

func mustHash(s string) *chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}
	return h
}
