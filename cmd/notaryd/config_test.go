// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(*config)
		valid  bool
		check  func(*testing.T, *config)
	}{
		{
			name:  "defaults",
			valid: true,
			check: func(t *testing.T, c *config) {
				require.Equal(t, "localhost:8332", c.RPCConnect)
				require.Equal(t, "mainnet", c.activeNet.Name)
			},
		},
		{
			name: "regtest port",
			modify: func(c *config) {
				c.Network = "regtest"
				c.RPCConnect = "10.0.0.2"
			},
			valid: true,
			check: func(t *testing.T, c *config) {
				require.Equal(t, "10.0.0.2:18443", c.RPCConnect)
			},
		},
		{
			name:   "missing node id",
			modify: func(c *config) { c.NodeID = "" },
		},
		{
			name:   "unknown network",
			modify: func(c *config) { c.Network = "fakenet" },
		},
		{
			name:   "zero confirmations",
			modify: func(c *config) { c.MinConfirmations = 0 },
		},
		{
			name:   "unknown ledger",
			modify: func(c *config) { c.Ledger = "etcd" },
		},
		{
			name:   "postgres without dsn",
			modify: func(c *config) { c.Ledger = ledgerPostgres },
		},
		{
			name: "remote node without tls",
			modify: func(c *config) {
				c.RPCConnect = "192.168.1.1"
				c.DisableClientTLS = true
			},
		},
		{
			name: "local node without tls",
			modify: func(c *config) {
				c.RPCConnect = "127.0.0.1"
				c.DisableClientTLS = true
			},
			valid: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := defaultConfig()
			cfg.NodeID = "notary1"
			if tc.modify != nil {
				tc.modify(&cfg)
			}

			err := cfg.validate()
			if !tc.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.check != nil {
				tc.check(t, &cfg)
			}
		})
	}
}

func TestConfigFees(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	require.NoError(t, cfg.FlatFee.UnmarshalFlag("7500sat"))

	fees := cfg.fees()
	require.EqualValues(t, 7500, fees.FlatFee)
	require.True(t, fees.IsDust(7499))
	require.Equal(t, "btc_withdrawal_service@notary",
		cfg.accounts().Withdrawal)
}

func TestParseDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.NoError(t, parseAndSetDebugLevels("NTRY=trace,SIGN=warn"))
	require.Error(t, parseAndSetDebugLevels("verbose"))
	require.Error(t, parseAndSetDebugLevels("NOPE=info"))
	require.Error(t, parseAndSetDebugLevels("NTRY"))
	require.Error(t, parseAndSetDebugLevels("NTRY=loud"))
}
