// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package consensus lets the notaries agree on the outputs a withdrawal may
// spend.  Each notary publishes its local view, the height of the most
// recent output it could spend, under the withdrawal account.  Once a
// quorum of views exists the lowest published height is the common value,
// so every notary selects from outputs all of them can see.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/withdrawal"
)

// State is the progress of consensus for a withdrawal.
type State int

const (
	// NotStarted means no view was published yet.
	NotStarted State = iota

	// AwaitingQuorum means fewer views than the threshold were published.
	AwaitingQuorum

	// Established means a quorum of views exists.
	Established
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case AwaitingQuorum:
		return "AwaitingQuorum"
	case Established:
		return "Established"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Record is the view a single notary publishes.
type Record struct {
	AvailableHeight int32 `json:"availableHeight"`
	PeerCount       int   `json:"peers"`
}

// Consensus is the agreed view of a withdrawal.
type Consensus struct {
	Details *withdrawal.Details

	// AvailableHeight is the minimum published height.
	AvailableHeight int32

	// PeerCount is the number of notaries reported by the records.
	PeerCount int

	// Records maps notary ids to their published views.
	Records map[string]Record
}

// HeightSource computes the local available output height of a withdrawal.
type HeightSource interface {
	AvailableHeight(ctx context.Context, d *withdrawal.Details) (int32,
		error)
}

// PeerCounter returns the number of notaries.
type PeerCounter interface {
	PeerCount(ctx context.Context) (int, error)
}

// StaticPeers is a fixed number of notaries.
type StaticPeers int

// PeerCount returns n.
func (n StaticPeers) PeerCount(context.Context) (int, error) {
	return int(n), nil
}

// LedgerPeers reads the number of notaries from the quorum of the notary
// account.
type LedgerPeers struct {
	Store     ledger.Store
	AccountID string
}

// PeerCount returns the quorum of the notary account.
func (p *LedgerPeers) PeerCount(ctx context.Context) (int, error) {
	return p.Store.Quorum(ctx, p.AccountID)
}

// Config holds the collaborators of a Provider.
type Config struct {
	Store     ledger.Store
	NodeID    string
	Heights   HeightSource
	Peers     PeerCounter
	Threshold withdrawal.ThresholdFunc
}

// Provider publishes and reads consensus records.
type Provider struct {
	store     ledger.Store
	states    *withdrawal.StateStore
	nodeID    string
	heights   HeightSource
	peers     PeerCounter
	threshold withdrawal.ThresholdFunc
}

// New returns a Provider.  A nil threshold selects
// withdrawal.SignThreshold.
func New(cfg *Config) *Provider {
	threshold := cfg.Threshold
	if threshold == nil {
		threshold = withdrawal.SignThreshold
	}
	return &Provider{
		store:     cfg.Store,
		states:    withdrawal.NewStateStore(cfg.Store),
		nodeID:    cfg.NodeID,
		heights:   cfg.Heights,
		peers:     cfg.Peers,
		threshold: threshold,
	}
}

// CreateConsensusData computes and publishes the local view of this notary.
// Publishing again overwrites the previous view of the same notary, which
// lets a withdrawal that found no funds try again later.
func (p *Provider) CreateConsensusData(ctx context.Context,
	d *withdrawal.Details) error {

	id := d.ID()

	// Creating the withdrawal account races with the other notaries; the
	// first one wins and the others see it initialized.
	if _, err := p.states.Init(ctx, d); err != nil {
		return err
	}

	height, err := p.heights.AvailableHeight(ctx, d)
	if err != nil {
		return fmt.Errorf("available height of %s: %w", id, err)
	}
	peers, err := p.peers.PeerCount(ctx)
	if err != nil {
		return fmt.Errorf("peer count: %w", err)
	}

	raw, err := json.Marshal(Record{
		AvailableHeight: height,
		PeerCount:       peers,
	})
	if err != nil {
		return err
	}
	err = p.store.Execute(ctx, ledger.SetDetail{
		AccountID: withdrawal.AccountID(id),
		Key:       p.nodeID,
		Value:     string(raw),
	})
	if err != nil {
		return withdrawal.NewError(withdrawal.ErrDatabase,
			"cannot publish consensus data of "+id, err)
	}

	log.Infof("Published consensus data of withdrawal %s: height %d, "+
		"%d peers", id, height, peers)

	_, err = p.states.Transition(ctx, id, withdrawal.EventStartConsensus)
	return ignoreRace(err)
}

// ignoreRace drops the errors of a transition another notary already made.
func ignoreRace(err error) error {
	if withdrawal.IsError(err, withdrawal.ErrStateConflict) ||
		withdrawal.IsError(err, withdrawal.ErrInvalidTransition) {

		return nil
	}
	return err
}

// records reads the published views of a withdrawal.
func (p *Provider) records(ctx context.Context,
	withdrawalID string) (map[string]Record, error) {

	details, err := p.store.GetDetails(ctx, withdrawal.AccountID(withdrawalID))
	if err != nil {
		return nil, withdrawal.NewError(withdrawal.ErrDatabase,
			"cannot read consensus data of "+withdrawalID, err)
	}

	records := make(map[string]Record, len(details))
	for key, raw := range details {
		if withdrawal.IsReservedKey(key) {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			log.Warnf("Skipping malformed consensus record of %s "+
				"by %s: %v", withdrawalID, key, err)
			continue
		}
		records[key] = r
	}
	return records, nil
}

// GetConsensus reads the views published for a withdrawal and derives the
// common value once a quorum exists.  The consensus is returned even when
// not established, with the values derived from the records seen so far.
func (p *Provider) GetConsensus(ctx context.Context,
	withdrawalID string) (*Consensus, State, error) {

	records, err := p.records(ctx, withdrawalID)
	if err != nil {
		return nil, NotStarted, err
	}
	if len(records) == 0 {
		return nil, NotStarted, nil
	}

	d, err := p.states.Details(ctx, withdrawalID)
	if err != nil {
		return nil, NotStarted, err
	}

	nodes := make([]string, 0, len(records))
	for node := range records {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	c := &Consensus{
		Details:         d,
		AvailableHeight: records[nodes[0]].AvailableHeight,
		PeerCount:       records[nodes[0]].PeerCount,
		Records:         records,
	}
	for _, node := range nodes[1:] {
		if h := records[node].AvailableHeight; h < c.AvailableHeight {
			c.AvailableHeight = h
		}
	}

	if len(records) < p.threshold(c.PeerCount) {
		return c, AwaitingQuorum, nil
	}
	return c, Established, nil
}

// Establish records that a withdrawal reached consensus.
func (p *Provider) Establish(ctx context.Context, withdrawalID string) error {
	_, err := p.states.Transition(ctx, withdrawalID, withdrawal.EventEstablish)
	return ignoreRace(err)
}

// HasBeenEstablished reports whether the withdrawal moved past consensus,
// that is its transaction was created or it already ended.  Redelivered
// events for such withdrawals need no processing.
func (p *Provider) HasBeenEstablished(ctx context.Context,
	withdrawalID string) (bool, error) {

	state, ok, err := p.states.Current(ctx, withdrawalID)
	if err != nil || !ok {
		return false, err
	}
	return state >= withdrawal.StateSigning, nil
}

// ErrNoConsensus is returned by Agreed when consensus is not established.
var ErrNoConsensus = errors.New("consensus not established")

// Agreed returns the consensus of an established withdrawal.
func (p *Provider) Agreed(ctx context.Context,
	withdrawalID string) (*Consensus, error) {

	c, state, err := p.GetConsensus(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if state != Established {
		return nil, fmt.Errorf("%w: %s is %v", ErrNoConsensus,
			withdrawalID, state)
	}
	return c, nil
}
