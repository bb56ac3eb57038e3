// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcnotary/ledger"
)

// Journal is a ledger.Store that commits every successful batch as a block
// of its own.  It lets a single process run the ledger and its notaries
// without an external block producer.
type Journal struct {
	ledger.Store

	mu     sync.Mutex
	blocks []*Block
	notify chan struct{}
}

// A compile-time check to ensure Journal satisfies the ledger.Store
// interface.
var _ ledger.Store = (*Journal)(nil)

// NewJournal returns a Journal recording the batches executed on store.
func NewJournal(store ledger.Store) *Journal {
	return &Journal{
		Store:  store,
		notify: make(chan struct{}),
	}
}

// Execute applies cmds to the underlying store and records them as a block
// created by nobody in particular.
func (j *Journal) Execute(ctx context.Context, cmds ...ledger.Command) error {
	return j.execute(ctx, "", cmds)
}

// As returns a view of the journal recording creator as the author of the
// batches it executes.
func (j *Journal) As(creator string) ledger.Store {
	return &session{Journal: j, creator: creator}
}

// execute applies cmds and appends the block while holding the journal
// lock, so block order is commit order.
func (j *Journal) execute(ctx context.Context, creator string,
	cmds []ledger.Command) error {

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.Store.Execute(ctx, cmds...); err != nil {
		return err
	}

	tx := Transaction{
		CreatedTimeMillis: time.Now().UnixMilli(),
		Creator:           creator,
		Commands:          cmds,
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		// The batch is committed; only its hash is lost.
		log.Errorf("Unable to encode committed batch: %v", err)
	}
	tx.Hash = chainhash.HashH(raw).String()

	j.blocks = append(j.blocks, &Block{
		Height:       uint64(len(j.blocks) + 1),
		Transactions: []Transaction{tx},
	})

	close(j.notify)
	j.notify = make(chan struct{})

	return nil
}

// Height returns the height of the last block.
func (j *Journal) Height() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return uint64(len(j.blocks))
}

// Block returns the block at height.
func (j *Journal) Block(height uint64) (*Block, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if height == 0 || height > uint64(len(j.blocks)) {
		return nil, false
	}
	return j.blocks[height-1], true
}

// Subscribe returns a stream of the blocks above height.
func (j *Journal) Subscribe(height uint64) Stream {
	return &journalStream{journal: j, next: height}
}

// session attributes the batches it executes to creator.
type session struct {
	*Journal
	creator string
}

func (s *session) Execute(ctx context.Context, cmds ...ledger.Command) error {
	return s.execute(ctx, s.creator, cmds)
}

// journalStream delivers the blocks of a journal starting at index next.
type journalStream struct {
	journal *Journal
	next    uint64
}

// block returns the block at index i, or a channel closed once a new block
// is appended.
func (j *Journal) block(i uint64) (*Block, <-chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if i < uint64(len(j.blocks)) {
		return j.blocks[i], nil
	}
	return nil, j.notify
}

func (s *journalStream) Blocks(ctx context.Context) <-chan Delivery {
	out := make(chan Delivery)
	go func() {
		defer close(out)

		for {
			b, wait := s.journal.block(s.next)
			if b == nil {
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return
				}
			}

			acked := make(chan struct{})
			var once sync.Once
			d := Delivery{
				Block: b,
				Ack: func() error {
					once.Do(func() { close(acked) })
					return nil
				},
			}

			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
			select {
			case <-acked:
				s.next++
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
