// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// signals defines the signals that are handled to do a clean shutdown.
// Conditional compilation is used to also include SIGTERM on Unix.
var signals = []os.Signal{os.Interrupt}

// shutdown cancels the daemon context on the first shutdown signal or
// request, after running the registered handlers in LIFO order.
type shutdown struct {
	mu       sync.Mutex
	handlers []func()
	once     sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	requests chan struct{}
}

// listenShutdown starts listening for shutdown signals and returns a context
// cancelled once shutdown begins.
func listenShutdown(parent context.Context) (context.Context, *shutdown) {
	ctx, cancel := context.WithCancel(parent)
	s := &shutdown{
		cancel:   cancel,
		done:     make(chan struct{}),
		requests: make(chan struct{}, 1),
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, signals...)

	go func() {
		defer signal.Stop(interrupts)

		select {
		case sig := <-interrupts:
			log.Infof("Received signal (%s).  Shutting down...", sig)
		case <-s.requests:
			log.Info("Received shutdown request.  Shutting down...")
		case <-parent.Done():
		}
		s.run()
	}()

	return ctx, s
}

// addHandler registers a function to call when shutdown begins.
func (s *shutdown) addHandler(handler func()) {
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// request begins the shutdown from within the daemon.
func (s *shutdown) request() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// run invokes the handlers and cancels the context, once.
func (s *shutdown) run() {
	s.once.Do(func() {
		s.cancel()

		s.mu.Lock()
		handlers := s.handlers
		s.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
		close(s.done)
	})
}

// wait blocks until every handler returned.
func (s *shutdown) wait() {
	<-s.done
}
