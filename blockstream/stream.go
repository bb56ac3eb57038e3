// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockstream

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned when pushing to a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// Delivery is a block handed to a consumer.  Ack must be called once the
// block is processed; the next block is not delivered before.
type Delivery struct {
	Block *Block
	Ack   func() error
}

// Stream is a source of ledger blocks.
type Stream interface {
	// Blocks returns the channel blocks are delivered on.  The channel
	// is closed once ctx is done or the stream ends.
	Blocks(ctx context.Context) <-chan Delivery
}

// ChanStream is a Stream fed by the caller.
type ChanStream struct {
	deliveries chan Delivery

	closeOnce sync.Once
	quit      chan struct{}
}

// A compile-time check to ensure ChanStream satisfies the Stream interface.
var _ Stream = (*ChanStream)(nil)

// NewChanStream returns an empty ChanStream.
func NewChanStream() *ChanStream {
	return &ChanStream{
		deliveries: make(chan Delivery),
		quit:       make(chan struct{}),
	}
}

// Push delivers b and waits until the consumer acknowledges it.
func (s *ChanStream) Push(ctx context.Context, b *Block) error {
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
	case s.deliveries <- d:
	case <-s.quit:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-acked:
		return nil
	case <-s.quit:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream.
func (s *ChanStream) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

// Blocks returns the delivery channel.
func (s *ChanStream) Blocks(ctx context.Context) <-chan Delivery {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d := <-s.deliveries:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				case <-s.quit:
					return
				}
			case <-ctx.Done():
				return
			case <-s.quit:
				return
			}
		}
	}()
	return out
}
