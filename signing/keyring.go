// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// KeyStore returns the private key matching a public key, if this notary
// holds it.
type KeyStore interface {
	PrivKey(pubKeyHex string) (*btcec.PrivateKey, bool)
}

// KeyRing is an in-memory KeyStore.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*btcec.PrivateKey
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*btcec.PrivateKey)}
}

// Add stores a private key and returns the hex encoded compressed public
// key it answers to.
func (k *KeyRing) Add(priv *btcec.PrivateKey) string {
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	k.mu.Lock()
	k.keys[pubHex] = priv
	k.mu.Unlock()

	return pubHex
}

// AddWIF decodes and stores a WIF encoded private key.
func (k *KeyRing) AddWIF(encoded string) (string, error) {
	wif, err := btcutil.DecodeWIF(encoded)
	if err != nil {
		return "", err
	}
	return k.Add(wif.PrivKey), nil
}

// LoadWIFFile adds every WIF key of a file, one per line.  Blank lines and
// lines starting with '#' are ignored.
func (k *KeyRing) LoadWIFFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		n       int
		scanner = bufio.NewScanner(f)
	)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if _, err := k.AddWIF(text); err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		n++
	}
	return n, scanner.Err()
}

// PrivKey returns the private key for a hex encoded public key.  Both
// compressed and uncompressed encodings are accepted.
func (k *KeyRing) PrivKey(pubKeyHex string) (*btcec.PrivateKey, bool) {
	canonical, err := canonicalPubKey(pubKeyHex)
	if err != nil {
		return nil, false
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	priv, ok := k.keys[canonical]
	return priv, ok
}

// canonicalPubKey returns the hex of the compressed form of a public key.
func canonicalPubKey(pubKeyHex string) (string, error) {
	pub, err := parsePubKey(pubKeyHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

func parsePubKey(pubKeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}
