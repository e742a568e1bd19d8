// Package lock serializes work per account inside one process.
//
// Each account gets a one-slot channel, the same semaphore shape the
// resilience bulkhead uses. Multi-account work acquires its locks in sorted
// order, so two transfers touching the same pair of accounts in opposite
// directions can never wait on each other in a cycle.
package lock

import (
	"context"
	"slices"
	"sync"
	"time"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Coordinator hands out per-account locks. Entries are reference counted and
// removed once nobody holds or waits for them.
type Coordinator struct {
	mu      sync.Mutex
	entries map[string]*entry

	// observeWait, when set, receives how long each WithLocks call waited.
	observeWait func(time.Duration)
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithWaitObserver reports lock wait durations, e.g. into a histogram.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(c *Coordinator) { c.observeWait = fn }
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLocks runs fn while holding the locks of every listed account.
// Duplicates and empty names are ignored. If ctx ends while waiting, the
// locks already taken are released and ctx.Err() is returned without
// calling fn. Locks are released even if fn panics.
func (c *Coordinator) WithLocks(ctx context.Context, accountNumbers []string, fn func(ctx context.Context) error) error {
	keys := normalize(accountNumbers)

	start := time.Now()
	held := make([]*entry, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].sem
		}
		c.unref(keys)
	}

	refs := c.ref(keys)
	for _, e := range refs {
		select {
		case e.sem <- struct{}{}:
			held = append(held, e)
		case <-ctx.Done():
			release()
			return ctx.Err()
		}
	}
	if c.observeWait != nil {
		c.observeWait(time.Since(start))
	}

	defer release()
	return fn(ctx)
}

// Held reports how many accounts currently have a lock entry. Used in tests
// to check entries are cleaned up.
func (c *Coordinator) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Coordinator) ref(keys []string) []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*entry, len(keys))
	for i, k := range keys {
		e, ok := c.entries[k]
		if !ok {
			e = &entry{sem: make(chan struct{}, 1)}
			c.entries[k] = e
		}
		e.refs++
		out[i] = e
	}
	return out
}

func (c *Coordinator) unref(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		e.refs--
		if e.refs <= 0 {
			delete(c.entries, k)
		}
	}
}

func normalize(accountNumbers []string) []string {
	keys := make([]string, 0, len(accountNumbers))
	for _, n := range accountNumbers {
		if n != "" {
			keys = append(keys, n)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}
