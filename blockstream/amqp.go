// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig describes the queue an AMQPStream consumes.
type AMQPConfig struct {
	URL   string
	Queue string

	// ConsumerTag identifies the consumer to the broker.
	ConsumerTag string
}

// AMQPStream consumes JSON encoded blocks from a durable RabbitMQ queue.
// Messages are acknowledged manually and one at a time, so a block is
// redelivered unless its processing completed.
type AMQPStream struct {
	cfg  AMQPConfig
	conn *amqp.Connection
	ch   *amqp.Channel

	mu  sync.Mutex
	err error
}

// A compile-time check to ensure AMQPStream satisfies the Stream interface.
var _ Stream = (*AMQPStream)(nil)

// DialAMQP connects to the broker and declares the block queue.
func DialAMQP(cfg AMQPConfig) (*AMQPStream, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Blocks are processed strictly in order, so never hold more than
	// one unacknowledged block.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	_, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w",
			cfg.Queue, err)
	}

	return &AMQPStream{cfg: cfg, conn: conn, ch: ch}, nil
}

// Blocks consumes the queue.  Undecodable messages are rejected without
// requeueing.  The channel is closed when ctx is done or the connection is
// lost; Err tells which.
func (s *AMQPStream) Blocks(ctx context.Context) <-chan Delivery {
	out := make(chan Delivery)

	msgs, err := s.ch.Consume(s.cfg.Queue, s.cfg.ConsumerTag, false,
		false, false, false, nil)
	if err != nil {
		s.setErr(fmt.Errorf("failed to consume %s: %w", s.cfg.Queue, err))
		close(out)
		return out
	}

	go func() {
		defer close(out)

		for {
			var msg amqp.Delivery
			select {
			case m, ok := <-msgs:
				if !ok {
					s.setErr(fmt.Errorf("consumer of %s "+
						"closed", s.cfg.Queue))
					return
				}
				msg = m
			case <-ctx.Done():
				return
			}

			b, err := DecodeBlock(msg.Body)
			if err != nil {
				log.Errorf("Rejecting undecodable block "+
					"message %d: %v", msg.DeliveryTag, err)
				if err := msg.Reject(false); err != nil {
					log.Errorf("Unable to reject message: %v",
						err)
				}
				continue
			}

			d := Delivery{
				Block: b,
				Ack: func() error {
					return msg.Ack(false)
				},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Publish sends b to the queue.  It is used by block producers and tools
// replaying the ledger.
func (s *AMQPStream) Publish(ctx context.Context, b *Block) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, "", s.cfg.Queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// Err returns the error that ended the stream, if any.
func (s *AMQPStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *AMQPStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	log.Errorf("Block stream failed: %v", err)
}

// Close closes the channel and the connection.
func (s *AMQPStream) Close() error {
	if err := s.ch.Close(); err != nil {
		log.Warnf("Unable to close channel: %v", err)
	}
	return s.conn.Close()
}
