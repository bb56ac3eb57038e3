// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the default size of the listener pool.
const DefaultWorkers = 4

// Listener runs the completion of a transaction once its signatures are
// collected.  Each transaction fires at most once successfully; work runs
// on a bounded pool.
type Listener struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	fired map[string]struct{}
}

// NewListener returns a Listener running at most workers completions at a
// time.  A non-positive workers selects DefaultWorkers.
func NewListener(workers int64) *Listener {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Listener{
		sem:   semaphore.NewWeighted(workers),
		fired: make(map[string]struct{}),
	}
}

// Fire runs fn for key on the pool unless it already succeeded for key.
// The returned channel yields the result of fn, or nil when fn was not run.
// A failed fn does not count as fired, so a later event may run it again.
func (l *Listener) Fire(ctx context.Context, key string,
	fn func(ctx context.Context) error) <-chan error {

	done := make(chan error, 1)

	l.mu.Lock()
	if _, ok := l.fired[key]; ok {
		l.mu.Unlock()
		done <- nil
		return done
	}
	l.fired[key] = struct{}{}
	l.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.forget(key)
		done <- err
		return done
	}

	go func() {
		defer l.sem.Release(1)

		err := fn(ctx)
		if err != nil {
			l.forget(key)
		}
		done <- err
	}()

	return done
}

// Fired reports whether key fired successfully or is running.
func (l *Listener) Fired(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.fired[key]
	return ok
}

func (l *Listener) forget(key string) {
	l.mu.Lock()
	delete(l.fired, key)
	l.mu.Unlock()
}
