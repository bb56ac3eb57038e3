// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package utxo describes the unspent outputs controlled by the notary pool
// and keeps the ledger-backed registry that prevents two withdrawals from
// spending the same output.
package utxo

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// maxIDLength is the longest detail key the ledger accepts for an output id.
const maxIDLength = 32

// OutputID returns the stable registry identifier of an outpoint: the output
// index and txid joined by an underscore and truncated to the ledger key
// limit.
func OutputID(op wire.OutPoint) string {
	id := strconv.FormatUint(uint64(op.Index), 10) + "_" + op.Hash.String()
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}

// Output is a spendable output as reported by the Bitcoin node, annotated
// with the information coin selection needs.
type Output struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Address is the encoded address the output pays to.
	Address string

	// Height is the height of the block that mined the output.
	Height int32

	// Confirmations is the depth of that block.
	Confirmations int32
}

// ID returns the registry identifier of the output.
func (o *Output) ID() string {
	return OutputID(o.OutPoint)
}

func (o *Output) String() string {
	return fmt.Sprintf("output %v of %v locked to %s", o.OutPoint, o.Value,
		o.Address)
}

// SerializableUTXO is the canonical, ledger-persisted description of one
// input of a withdrawal transaction.  Every node rebuilds the unsigned
// transaction from these records only.
type SerializableUTXO struct {
	TxID         string `json:"txid"`
	Index        uint32 `json:"index"`
	ValueSat     int64  `json:"amountSat"`
	ScriptHex    string `json:"scriptHex"`
	OwnerAddress string `json:"address"`

	// RawInputHex is the hex encoded unsigned TxIn spending the output.
	RawInputHex string `json:"inputHex"`
}

// NewSerializableUTXO converts an output into its persisted form.
func NewSerializableUTXO(o *Output) (SerializableUTXO, error) {
	rawInput, err := serializeTxIn(wire.NewTxIn(&o.OutPoint, nil, nil))
	if err != nil {
		return SerializableUTXO{}, err
	}

	return SerializableUTXO{
		TxID:         o.OutPoint.Hash.String(),
		Index:        o.OutPoint.Index,
		ValueSat:     int64(o.Value),
		ScriptHex:    hex.EncodeToString(o.PkScript),
		OwnerAddress: o.Address,
		RawInputHex:  hex.EncodeToString(rawInput),
	}, nil
}

// OutPoint decodes the outpoint of the record.
func (s *SerializableUTXO) OutPoint() (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(s.TxID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid %q: %w", s.TxID,
			err)
	}
	return wire.OutPoint{Hash: *hash, Index: s.Index}, nil
}

// ID returns the registry identifier of the record's outpoint.
func (s *SerializableUTXO) ID() (string, error) {
	op, err := s.OutPoint()
	if err != nil {
		return "", err
	}
	return OutputID(op), nil
}

// PkScript decodes the output script being spent.
func (s *SerializableUTXO) PkScript() ([]byte, error) {
	return hex.DecodeString(s.ScriptHex)
}

// Amount returns the value of the spent output.
func (s *SerializableUTXO) Amount() btcutil.Amount {
	return btcutil.Amount(s.ValueSat)
}

// Output converts the record back into an Output.  Height and depth are not
// persisted and are left zero.
func (s *SerializableUTXO) Output() (*Output, error) {
	op, err := s.OutPoint()
	if err != nil {
		return nil, err
	}
	pkScript, err := s.PkScript()
	if err != nil {
		return nil, fmt.Errorf("invalid script of %v: %w", op, err)
	}
	return &Output{
		OutPoint: op,
		Value:    s.Amount(),
		PkScript: pkScript,
		Address:  s.OwnerAddress,
	}, nil
}

// serializeTxIn returns the wire encoding of a single input.
func serializeTxIn(txIn *wire.TxIn) ([]byte, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(txIn)

	// A single-input transaction without outputs encodes as version,
	// input count, the input, output count and lock time.  Only the input
	// bytes are kept.
	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, err
	}
	const (
		prefixLen = 4 + 1
		suffixLen = 1 + 4
	)
	full := buf.Bytes()
	return full[prefixLen : len(full)-suffixLen], nil
}
