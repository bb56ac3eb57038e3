// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package withdrawal

import (
	"context"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

// TestErrorCodeStringer tests that all error codes have a text
// representation that matches their name.
func TestErrorCodeStringer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   ErrorCode
		want string
	}{
		{ErrInvalidAddress, "ErrInvalidAddress"},
		{ErrDustAmount, "ErrDustAmount"},
		{ErrMalformedTransfer, "ErrMalformedTransfer"},
		{ErrMissingConsensus, "ErrMissingConsensus"},
		{ErrTxCreation, "ErrTxCreation"},
		{ErrPersist, "ErrPersist"},
		{ErrTxSigning, "ErrTxSigning"},
		{ErrBroadcast, "ErrBroadcast"},
		{ErrInvalidTransition, "ErrInvalidTransition"},
		{ErrStateConflict, "ErrStateConflict"},
		{ErrDatabase, "ErrDatabase"},
		{0xffff, "Unknown ErrorCode (65535)"},
	}

	require.Equal(t, len(tests)-1, int(lastErr))
	for _, test := range tests {
		require.Equal(t, test.want, test.in.String())
	}
}

func testDetails(t *testing.T) *Details {
	t.Helper()

	dest, err := btcutil.NewAddressScriptHash([]byte("dest"), testParams)
	require.NoError(t, err)

	return &Details{
		SourceAccount:        "alice@d3",
		DestinationAddress:   dest.EncodeAddress(),
		AmountSat:            10_000,
		WithdrawalTimeMillis: 1_550_000_000_000,
		FeeSat:               6_000,
	}
}

func TestDetailsID(t *testing.T) {
	t.Parallel()

	d := testDetails(t)
	id := d.ID()
	require.Len(t, id, idLength)
	require.Equal(t, id, d.ID())

	other := *d
	other.FeeSat++
	require.NotEqual(t, id, other.ID())

	raw, err := d.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalDetails(raw)
	require.NoError(t, err)
	require.Equal(t, id, back.ID())

	require.Equal(t, id+"@btc_consensus", AccountID(id))
	require.Equal(t, btcutil.Amount(16_000), d.Total())
}

func TestDetailsValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(d *Details)
		code   ErrorCode
		valid  bool
	}{
		{
			name:   "valid",
			modify: func(*Details) {},
			valid:  true,
		},
		{
			name: "not base58",
			modify: func(d *Details) {
				d.DestinationAddress = "not-an-address"
			},
			code: ErrInvalidAddress,
		},
		{
			name: "wrong network",
			modify: func(d *Details) {
				d.DestinationAddress = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"
			},
			code: ErrInvalidAddress,
		},
		{
			name: "dust",
			modify: func(d *Details) {
				d.AmountSat = 5_999
			},
			code: ErrDustAmount,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := testDetails(t)
			tc.modify(d)

			err := d.Validate(testParams, 6_000)
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.True(t, IsError(err, tc.code), "got %v", err)
		})
	}
}

func TestStateMachine(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		from  State
		event string
		to    State
		ok    bool
	}{
		{StatePending, EventStartConsensus, StateConsensusPending, true},
		{StateConsensusPending, EventEstablish, StateConsensusEstablished, true},
		{StateConsensusEstablished, EventSign, StateSigning, true},
		{StateSigning, EventBroadcast, StateBroadcasting, true},
		{StateBroadcasting, EventComplete, StateDone, true},
		{StateSigning, EventRollback, StateRolledBack, true},
		{StateBroadcasting, EventRollback, StateRolledBack, true},
		{StatePending, EventSign, StatePending, false},
		{StateDone, EventRollback, StateDone, false},
		{StateRolledBack, EventRollback, StateRolledBack, false},
		{StateSigning, EventComplete, StateSigning, false},
	}

	for _, tc := range testCases {
		next, err := Next(tc.from, tc.event)
		if !tc.ok {
			require.True(t, IsError(err, ErrInvalidTransition),
				"%v --%s--> should fail", tc.from, tc.event)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.to, next)
	}

	for s := StatePending; s <= StateRolledBack; s++ {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	_, err := ParseState("Bogus")
	require.Error(t, err)
}

func TestStateStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	states := NewStateStore(store)
	d := testDetails(t)
	id := d.ID()

	_, known, err := states.Current(ctx, id)
	require.NoError(t, err)
	require.False(t, known)

	created, err := states.Init(ctx, d)
	require.NoError(t, err)
	require.True(t, created)

	// A second notary seeing the same transfer changes nothing.
	created, err = states.Init(ctx, d)
	require.NoError(t, err)
	require.False(t, created)

	got, err := states.Details(ctx, id)
	require.NoError(t, err)
	require.Equal(t, d, got)

	next, err := states.Transition(ctx, id, EventStartConsensus)
	require.NoError(t, err)
	require.Equal(t, StateConsensusPending, next)

	_, err = states.Transition(ctx, id, EventStartConsensus)
	require.True(t, IsError(err, ErrInvalidTransition))

	_, err = states.Transition(ctx, "unknown", EventRollback)
	require.True(t, IsError(err, ErrInvalidTransition))
}

// TestStateStoreSingleWinner checks that of many notaries applying the same
// transition concurrently exactly one succeeds.
func TestStateStoreSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	states := NewStateStore(store)
	d := testDetails(t)

	_, err := states.Init(ctx, d)
	require.NoError(t, err)

	cmd, next, err := TransitionCommand(d.ID(), StatePending,
		EventRollback)
	require.NoError(t, err)
	require.Equal(t, StateRolledBack, next)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Execute(ctx, cmd) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)

	cur, _, err := states.Current(ctx, d.ID())
	require.NoError(t, err)
	require.Equal(t, StateRolledBack, cur)
}

func TestSignThreshold(t *testing.T) {
	t.Parallel()

	for n, want := range map[int]int{1: 1, 2: 2, 3: 3, 4: 3, 5: 4, 7: 5} {
		require.Equal(t, want, SignThreshold(n), "n=%d", n)
	}
}
