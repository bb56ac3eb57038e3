// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockstream delivers the committed blocks of the ledger to a
// notary, in order and at least once.  A block is acknowledged by its
// consumer once it is fully processed; unacknowledged blocks are delivered
// again.
package blockstream

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcnotary/ledger"
)

// Transaction is a committed batch of ledger commands.
type Transaction struct {
	Hash              string           `json:"hash"`
	CreatedTimeMillis int64            `json:"createdTime"`
	Creator           string           `json:"creator"`
	Commands          []ledger.Command `json:"-"`
}

// Block is an ordered list of committed transactions.
type Block struct {
	Height       uint64        `json:"height"`
	Transactions []Transaction `json:"transactions"`
}

// commandEnvelope is the wire form of a ledger command.
type commandEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Wire names of the ledger commands.
const (
	typeCreateAccount       = "CreateAccount"
	typeSetDetail           = "SetDetail"
	typeCompareAndSetDetail = "CompareAndSetDetail"
	typeSetQuorum           = "SetQuorum"
	typeAddAsset            = "AddAsset"
	typeSubtractAsset       = "SubtractAsset"
	typeTransferAsset       = "TransferAsset"
)

func commandType(cmd ledger.Command) (string, error) {
	switch cmd.(type) {
	case ledger.CreateAccount:
		return typeCreateAccount, nil
	case ledger.SetDetail:
		return typeSetDetail, nil
	case ledger.CompareAndSetDetail:
		return typeCompareAndSetDetail, nil
	case ledger.SetQuorum:
		return typeSetQuorum, nil
	case ledger.AddAsset:
		return typeAddAsset, nil
	case ledger.SubtractAsset:
		return typeSubtractAsset, nil
	case ledger.TransferAsset:
		return typeTransferAsset, nil
	default:
		return "", fmt.Errorf("unknown command %T", cmd)
	}
}

// decodeCommand decodes payload as the command named typ.
func decodeCommand(typ string, payload []byte) (ledger.Command, error) {
	var (
		cmd ledger.Command
		err error
	)
	switch typ {
	case typeCreateAccount:
		var c ledger.CreateAccount
		err = json.Unmarshal(payload, &c)
		cmd = c
	case typeSetDetail:
		var c ledger.SetDetail
		err = json.Unmarshal(payload, &c)
		cmd = c
	case typeCompareAndSetDetail:
		var c ledger.CompareAndSetDetail
		err = json.Unmarshal(payload, &c)
		cmd = c
	case typeSetQuorum:
		var c ledger.SetQuorum
		err = json.Unmarshal(payload, &c)
		cmd = c
	case typeAddAsset:
		var c ledger.AddAsset
		err = json.Unmarshal(payload, &c)
		cmd = c
	case typeSubtractAsset:
		var c ledger.SubtractAsset
		err = json.Unmarshal(payload, &c)
		cmd = c
	case typeTransferAsset:
		var c ledger.TransferAsset
		err = json.Unmarshal(payload, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return cmd, nil
}

// transactionJSON is the wire form of a Transaction.
type transactionJSON struct {
	Hash              string            `json:"hash"`
	CreatedTimeMillis int64             `json:"createdTime"`
	Creator           string            `json:"creator"`
	Commands          []commandEnvelope `json:"commands"`
}

// MarshalJSON encodes the transaction with tagged commands.
func (t Transaction) MarshalJSON() ([]byte, error) {
	out := transactionJSON{
		Hash:              t.Hash,
		CreatedTimeMillis: t.CreatedTimeMillis,
		Creator:           t.Creator,
		Commands:          make([]commandEnvelope, 0, len(t.Commands)),
	}
	for _, cmd := range t.Commands {
		typ, err := commandType(cmd)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		out.Commands = append(out.Commands, commandEnvelope{
			Type:    typ,
			Payload: payload,
		})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a transaction encoded by MarshalJSON.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var in transactionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	cmds := make([]ledger.Command, 0, len(in.Commands))
	for i, env := range in.Commands {
		cmd, err := decodeCommand(env.Type, env.Payload)
		if err != nil {
			return fmt.Errorf("command %d of tx %s: %w", i, in.Hash,
				err)
		}
		cmds = append(cmds, cmd)
	}

	*t = Transaction{
		Hash:              in.Hash,
		CreatedTimeMillis: in.CreatedTimeMillis,
		Creator:           in.Creator,
		Commands:          cmds,
	}
	return nil
}

// DecodeBlock decodes a JSON encoded block.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
