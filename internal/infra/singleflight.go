// Package infra holds small concurrency primitives shared across the server.
package infra

import (
	"sync"
	"sync/atomic"
)

// Group coalesces concurrent calls for the same key onto one execution whose
// result every caller shares. Like golang.org/x/sync/singleflight, with
// typed keys and values.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]

	hits   atomic.Uint64
	misses atomic.Uint64
}

type call[V any] struct {
	wg     sync.WaitGroup
	val    V
	err    error
	shared bool
}

// Do executes fn, ensuring at most one execution is in flight for key at a
// time. Duplicate callers wait for the original and receive the same result.
// The third return reports whether the result was shared with other callers.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		c.shared = true
		g.mu.Unlock()
		g.hits.Add(1)
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := new(call[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()
	g.misses.Add(1)

	func() {
		defer func() {
			g.mu.Lock()
			delete(g.calls, key)
			g.mu.Unlock()
			c.wg.Done()
		}()
		c.val, c.err = fn()
	}()

	return c.val, c.err, c.shared
}

// Forget drops any in-flight record for key so the next Do executes fresh.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

// Stats reports how many calls executed versus how many shared a result.
func (g *Group[K, V]) Stats() (executed, shared uint64) {
	return g.misses.Load(), g.hits.Load()
}
