// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signing produces and aggregates the notary signatures of
// withdrawal transactions.  Every input spends a P2SH multisig output whose
// redeem script commits to the notary keys recorded for its address.  Each
// notary signs the inputs it holds keys for and publishes the signatures in
// the ledger; once every input has enough valid signatures the transaction
// is completed and verified.
package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/txbuilder"
	"github.com/btcsuite/btcnotary/utxo"
	"github.com/btcsuite/btcnotary/withdrawal"
)

// SignCollectDomain is the ledger domain of the signature accounts.
const SignCollectDomain = "btc_sign_collect"

// ThresholdFunc returns the number of signatures an input locked to n
// notary keys requires.
type ThresholdFunc = withdrawal.ThresholdFunc

// SignCollectAccount returns the account collecting the signatures of the
// transaction whose unsigned hash is originalHash.  Signing changes the
// hash, so the unsigned one identifies the transaction.
func SignCollectAccount(originalHash chainhash.Hash) string {
	return txbuilder.ShortHash(originalHash) + "@" + SignCollectDomain
}

// SignatureRecord is a signature of one input by one key.
type SignatureRecord struct {
	InputIndex   int    `json:"index"`
	SignatureHex string `json:"signatureHex"`
	PubKeyHex    string `json:"pubKey"`
}

// Signatures groups the collected signature records by input index.
type Signatures map[int][]SignatureRecord

// KeyLookup returns the notary public keys of a multisig address.
type KeyLookup interface {
	NotaryKeys(ctx context.Context, address string) ([]string, error)
}

// RedeemScript returns the multisig redeem script over pubKeysHex, requiring
// threshold(len(pubKeysHex)) signatures, and the keys in script order.
// Keys are sorted ascending by their compressed encoding.
func RedeemScript(pubKeysHex []string, threshold ThresholdFunc,
	params *chaincfg.Params) ([]byte, []*btcec.PublicKey, error) {

	if len(pubKeysHex) == 0 {
		return nil, nil, errors.New("no public keys")
	}

	keys := make([]*btcec.PublicKey, 0, len(pubKeysHex))
	for _, h := range pubKeysHex {
		pub, err := parsePubKey(h)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid public key %s: %w",
				h, err)
		}
		keys = append(keys, pub)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].SerializeCompressed(),
			keys[j].SerializeCompressed()) < 0
	})

	addrs := make([]*btcutil.AddressPubKey, 0, len(keys))
	for _, k := range keys {
		addr, err := btcutil.NewAddressPubKey(k.SerializeCompressed(),
			params)
		if err != nil {
			return nil, nil, err
		}
		addrs = append(addrs, addr)
	}

	script, err := txscript.MultiSigScript(addrs, threshold(len(keys)))
	if err != nil {
		return nil, nil, err
	}
	return script, keys, nil
}

// inputScript describes how an input is unlocked.
type inputScript struct {
	redeemScript []byte
	keys         []*btcec.PublicKey
	required     int
	pkScript     []byte
	value        btcutil.Amount
}

// Config holds the collaborators of a Signer.
type Config struct {
	Store       ledger.Store
	Keys        KeyStore
	KeyLookup   KeyLookup
	NodeID      string
	Threshold   ThresholdFunc
	ChainParams *chaincfg.Params
}

// Signer signs withdrawal transactions and aggregates signatures.
type Signer struct {
	store       ledger.Store
	keys        KeyStore
	lookup      KeyLookup
	nodeID      string
	threshold   ThresholdFunc
	chainParams *chaincfg.Params
}

// New returns a Signer.  A nil threshold selects withdrawal.SignThreshold.
func New(cfg *Config) *Signer {
	threshold := cfg.Threshold
	if threshold == nil {
		threshold = withdrawal.SignThreshold
	}
	return &Signer{
		store:       cfg.Store,
		keys:        cfg.Keys,
		lookup:      cfg.KeyLookup,
		nodeID:      cfg.NodeID,
		threshold:   threshold,
		chainParams: cfg.ChainParams,
	}
}

// inputScript resolves the redeem script of an input and checks that the
// spent output commits to it.
func (s *Signer) inputScript(ctx context.Context,
	in *utxo.SerializableUTXO) (*inputScript, error) {

	pubKeys, err := s.lookup.NotaryKeys(ctx, in.OwnerAddress)
	if err != nil {
		return nil, withdrawal.NewError(withdrawal.ErrTxSigning,
			"cannot get notary keys of "+in.OwnerAddress, err)
	}
	redeemScript, keys, err := RedeemScript(pubKeys, s.threshold,
		s.chainParams)
	if err != nil {
		return nil, withdrawal.NewError(withdrawal.ErrTxSigning,
			"cannot build redeem script of "+in.OwnerAddress, err)
	}

	pkScript, err := in.PkScript()
	if err != nil {
		return nil, withdrawal.NewError(withdrawal.ErrTxSigning,
			"invalid output script", err)
	}
	p2sh, err := btcutil.NewAddressScriptHash(redeemScript, s.chainParams)
	if err != nil {
		return nil, err
	}
	expected, err := txscript.PayToAddrScript(p2sh)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(expected, pkScript) {
		return nil, withdrawal.NewError(withdrawal.ErrTxSigning,
			fmt.Sprintf("output %s:%d is not locked to the redeem "+
				"script of %s", in.TxID, in.Index,
				in.OwnerAddress), nil)
	}

	return &inputScript{
		redeemScript: redeemScript,
		keys:         keys,
		required:     s.threshold(len(keys)),
		pkScript:     pkScript,
		value:        in.Amount(),
	}, nil
}

// inputScripts resolves the scripts of every input of tx.
func (s *Signer) inputScripts(ctx context.Context, tx *wire.MsgTx,
	inputs []utxo.SerializableUTXO) ([]*inputScript, error) {

	if len(inputs) != len(tx.TxIn) {
		return nil, withdrawal.NewError(withdrawal.ErrTxSigning,
			fmt.Sprintf("%d spent outputs for %d inputs",
				len(inputs), len(tx.TxIn)), nil)
	}

	scripts := make([]*inputScript, len(inputs))
	for i := range inputs {
		op, err := inputs[i].OutPoint()
		if err != nil {
			return nil, err
		}
		if op != tx.TxIn[i].PreviousOutPoint {
			return nil, withdrawal.NewError(withdrawal.ErrTxSigning,
				fmt.Sprintf("input %d spends %v, not %v", i,
					tx.TxIn[i].PreviousOutPoint, op), nil)
		}
		if scripts[i], err = s.inputScript(ctx, &inputs[i]); err != nil {
			return nil, err
		}
	}
	return scripts, nil
}

// Sign signs every input of tx this notary holds a key for.  Inputs without
// a local key are skipped.
func (s *Signer) Sign(ctx context.Context, tx *wire.MsgTx,
	inputs []utxo.SerializableUTXO) ([]SignatureRecord, error) {

	scripts, err := s.inputScripts(ctx, tx, inputs)
	if err != nil {
		return nil, err
	}

	var sigs []SignatureRecord
	for i, script := range scripts {
		for _, pub := range script.keys {
			pubHex := hex.EncodeToString(pub.SerializeCompressed())
			priv, ok := s.keys.PrivKey(pubHex)
			if !ok {
				continue
			}

			log.Debugf("Generating raw sig for input %d of tx %v "+
				"with privkey of %s", i, tx.TxHash(), pubHex)

			sig, err := txscript.RawTxInSignature(tx, i,
				script.redeemScript, txscript.SigHashAll, priv)
			if err != nil {
				return nil, withdrawal.NewError(
					withdrawal.ErrTxSigning,
					"failed to generate raw signature", err)
			}
			sigs = append(sigs, SignatureRecord{
				InputIndex:   i,
				SignatureHex: hex.EncodeToString(sig),
				PubKeyHex:    pubHex,
			})
		}
	}

	if len(sigs) == 0 {
		log.Warnf("No keys to sign tx %v; this notary does not hold "+
			"any of its keys", tx.TxHash())
	}

	return sigs, nil
}

// Publish stores the signatures of this notary for the transaction whose
// unsigned hash is originalHash.  Publishing nothing is a no-op.
func (s *Signer) Publish(ctx context.Context, originalHash chainhash.Hash,
	sigs []SignatureRecord) error {

	if len(sigs) == 0 {
		return nil
	}

	account := SignCollectAccount(originalHash)
	err := s.store.Execute(ctx, ledger.CreateAccount{AccountID: account})
	if err := ledger.IgnoreAccountExists(err); err != nil {
		return withdrawal.NewError(withdrawal.ErrDatabase,
			"cannot create account "+account, err)
	}

	raw, err := json.Marshal(sigs)
	if err != nil {
		return err
	}
	err = s.store.Execute(ctx, ledger.SetDetail{
		AccountID: account,
		Key:       s.nodeID,
		Value:     string(raw),
	})
	if err != nil {
		return withdrawal.NewError(withdrawal.ErrDatabase,
			"cannot publish signatures in "+account, err)
	}

	log.Infof("Published %d signatures of tx %v", len(sigs), originalHash)

	return nil
}

// Collect returns the union of the signatures published for the
// transaction whose unsigned hash is originalHash.
func (s *Signer) Collect(ctx context.Context,
	originalHash chainhash.Hash) (Signatures, error) {

	account := SignCollectAccount(originalHash)
	details, err := s.store.GetDetails(ctx, account)
	if err != nil {
		return nil, withdrawal.NewError(withdrawal.ErrDatabase,
			"cannot read signatures in "+account, err)
	}

	nodes := make([]string, 0, len(details))
	for node := range details {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	sigs := make(Signatures)
	for _, node := range nodes {
		var records []SignatureRecord
		err := json.Unmarshal([]byte(details[node]), &records)
		if err != nil {
			log.Warnf("Skipping malformed signatures of %s in %s: %v",
				node, account, err)
			continue
		}
		for _, r := range records {
			sigs[r.InputIndex] = append(sigs[r.InputIndex], r)
		}
	}
	return sigs, nil
}

// validSignatures returns the valid signatures of input idx in redeem
// script key order, at most one per key.
func validSignatures(tx *wire.MsgTx, idx int, script *inputScript,
	records []SignatureRecord) ([][]byte, error) {

	hash, err := txscript.CalcSignatureHash(script.redeemScript,
		txscript.SigHashAll, tx, idx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]byte, len(records))
	for _, r := range records {
		pubHex, err := canonicalPubKey(r.PubKeyHex)
		if err != nil {
			continue
		}
		raw, err := hex.DecodeString(r.SignatureHex)
		if err != nil || len(raw) < 2 {
			continue
		}
		if txscript.SigHashType(raw[len(raw)-1]) != txscript.SigHashAll {
			continue
		}
		byKey[pubHex] = raw
	}

	var valid [][]byte
	for _, pub := range script.keys {
		raw, ok := byKey[hex.EncodeToString(pub.SerializeCompressed())]
		if !ok {
			continue
		}
		sig, err := ecdsa.ParseDERSignature(raw[:len(raw)-1])
		if err != nil || !sig.Verify(hash, pub) {
			log.Debugf("Ignoring invalid signature of input %d of "+
				"tx %v", idx, tx.TxHash())
			continue
		}
		valid = append(valid, raw)
	}
	return valid, nil
}

// IsEnoughSignatures reports whether every input of tx has as many valid
// signatures as its own redeem script requires.
func (s *Signer) IsEnoughSignatures(ctx context.Context, tx *wire.MsgTx,
	sigs Signatures, inputs []utxo.SerializableUTXO) (bool, error) {

	scripts, err := s.inputScripts(ctx, tx, inputs)
	if err != nil {
		return false, err
	}

	for i, script := range scripts {
		valid, err := validSignatures(tx, i, script, sigs[i])
		if err != nil {
			return false, err
		}
		if len(valid) < script.required {
			log.Debugf("Tx %v input %d has %d signatures out of %d "+
				"required", tx.TxHash(), i, len(valid),
				script.required)
			return false, nil
		}
	}
	return true, nil
}

// FillWithSignatures returns a copy of tx whose inputs are unlocked by the
// collected signatures.  Every input is verified against the output it
// spends.
func (s *Signer) FillWithSignatures(ctx context.Context, tx *wire.MsgTx,
	sigs Signatures, inputs []utxo.SerializableUTXO) (*wire.MsgTx, error) {

	scripts, err := s.inputScripts(ctx, tx, inputs)
	if err != nil {
		return nil, err
	}

	signed := tx.Copy()
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for i, script := range scripts {
		valid, err := validSignatures(tx, i, script, sigs[i])
		if err != nil {
			return nil, err
		}
		if len(valid) < script.required {
			return nil, withdrawal.NewError(withdrawal.ErrTxSigning,
				fmt.Sprintf("not enough signatures for input "+
					"%d; need %d but got only %d", i,
					script.required, len(valid)), nil)
		}

		// Start with an OP_0 because of the bug in bitcoind, then add
		// the required signatures and the redeem script.
		builder := txscript.NewScriptBuilder().AddOp(txscript.OP_FALSE)
		for _, sig := range valid[:script.required] {
			builder.AddData(sig)
		}
		sigScript, err := builder.AddData(script.redeemScript).Script()
		if err != nil {
			return nil, withdrawal.NewError(withdrawal.ErrTxSigning,
				"error building sigscript", err)
		}
		signed.TxIn[i].SignatureScript = sigScript

		prevOuts.AddPrevOut(signed.TxIn[i].PreviousOutPoint,
			wire.NewTxOut(int64(script.value), script.pkScript))
	}

	sigHashes := txscript.NewTxSigHashes(signed, prevOuts)
	for i, script := range scripts {
		err := validateSigScript(signed, i, script, sigHashes, prevOuts)
		if err != nil {
			return nil, err
		}
	}

	return signed, nil
}

// validateSigScript executes the signature script of the input with the
// given index, returning an error if it fails.
func validateSigScript(tx *wire.MsgTx, idx int, script *inputScript,
	sigHashes *txscript.TxSigHashes,
	prevOuts txscript.PrevOutputFetcher) error {

	vm, err := txscript.NewEngine(script.pkScript, tx, idx,
		txscript.StandardVerifyFlags, nil, sigHashes,
		int64(script.value), prevOuts)
	if err != nil {
		return withdrawal.NewError(withdrawal.ErrTxSigning,
			"cannot create script engine", err)
	}
	if err := vm.Execute(); err != nil {
		return withdrawal.NewError(withdrawal.ErrTxSigning,
			fmt.Sprintf("cannot validate signature of input %d", idx),
			err)
	}
	return nil
}
