package exchange

import (
	"container/list"
	"hash/maphash"
	"sync"
	"time"
)

// shardCount is the number of lock stripes per table.
const shardCount = 32

// shardedMap is a map striped over shardCount mutexes. Operations on one
// key are serialized; unrelated keys proceed in parallel.
type shardedMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards [shardCount]struct {
		mu sync.Mutex
		m  map[K]V
	}
}

func newShardedMap[K comparable, V any]() *shardedMap[K, V] {
	s := &shardedMap[K, V]{seed: maphash.MakeSeed()}
	for i := range s.shards {
		s.shards[i].m = make(map[K]V)
	}
	return s
}

func (s *shardedMap[K, V]) index(key K) int {
	return int(maphash.Comparable(s.seed, key) % shardCount)
}

// With runs fn with the shard map holding key, under the shard lock.
// fn may read and write m but must not call back into s.
func (s *shardedMap[K, V]) With(key K, fn func(m map[K]V)) {
	sh := &s.shards[s.index(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn(sh.m)
}

func (s *shardedMap[K, V]) Load(key K) (V, bool) {
	var (
		v  V
		ok bool
	)
	s.With(key, func(m map[K]V) { v, ok = m[key] })
	return v, ok
}

func (s *shardedMap[K, V]) Store(key K, v V) {
	s.With(key, func(m map[K]V) { m[key] = v })
}

// StoreIfAbsent stores v unless key is present and reports whether it did.
func (s *shardedMap[K, V]) StoreIfAbsent(key K, v V) bool {
	stored := false
	s.With(key, func(m map[K]V) {
		if _, ok := m[key]; !ok {
			m[key] = v
			stored = true
		}
	})
	return stored
}

func (s *shardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	var (
		v  V
		ok bool
	)
	s.With(key, func(m map[K]V) {
		v, ok = m[key]
		delete(m, key)
	})
	return v, ok
}

func (s *shardedMap[K, V]) Delete(key K) {
	s.With(key, func(m map[K]V) { delete(m, key) })
}

// Range calls fn for every entry, one shard at a time. fn must not call
// back into s. Iteration stops when fn returns false.
func (s *shardedMap[K, V]) Range(fn func(key K, v V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

func (s *shardedMap[K, V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// expiringOp tells expiringMap.Update what to do with an entry.
type expiringOp int

const (
	// opKeep leaves the map unchanged.
	opKeep expiringOp = iota
	// opStore stores the value without refreshing its age.
	opStore
	// opTouch stores the value and marks it as used now.
	opTouch
	// opDelete removes the entry.
	opDelete
)

type expiringEntry[K comparable, V any] struct {
	key     K
	value   V
	touched time.Time
}

type expiringShard[K comparable, V any] struct {
	mu    sync.Mutex
	limit int
	items map[K]*list.Element
	order *list.List // least recently touched at the front
}

// expiringMap is a sharded map with a per-entry lifetime and a capacity.
// Entries untouched for lifetime are dropped. The capacity is split over
// the shards in use, and a shard over its share evicts its least recently
// touched entry, so the total never exceeds the capacity but eviction order
// is only per shard. Insertion never fails.
type expiringMap[K comparable, V any] struct {
	seed     maphash.Seed
	shards   [shardCount]expiringShard[K, V]
	used     uint64
	lifetime time.Duration
}

// newExpiringMap bounds the map to capacity entries, at least one. Below
// shardCount only capacity shards are used so each holds one entry or more.
func newExpiringMap[K comparable, V any](lifetime time.Duration, capacity int) *expiringMap[K, V] {
	capacity = max(capacity, 1)
	used := min(capacity, shardCount)
	e := &expiringMap[K, V]{
		seed:     maphash.MakeSeed(),
		used:     uint64(used),
		lifetime: lifetime,
	}
	for i := range e.shards {
		sh := &e.shards[i]
		if i < used {
			sh.limit = capacity / used
			if i < capacity%used {
				sh.limit++
			}
		}
		sh.items = make(map[K]*list.Element)
		sh.order = list.New()
	}
	return e
}

// Update runs fn under the lock of key's shard. fn receives the live value
// (ok is false if absent or expired) and returns the value to keep and the
// operation to apply.
func (e *expiringMap[K, V]) Update(key K, now time.Time, fn func(v V, ok bool) (V, expiringOp)) {
	sh := &e.shards[maphash.Comparable(e.seed, key)%e.used]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e.pruneLocked(sh, now)

	var (
		cur V
		ok  bool
	)
	el, found := sh.items[key]
	if found {
		cur, ok = el.Value.(*expiringEntry[K, V]).value, true
	}

	next, op := fn(cur, ok)
	switch op {
	case opStore, opTouch:
		if found {
			entry := el.Value.(*expiringEntry[K, V])
			entry.value = next
			if op == opTouch {
				entry.touched = now
				sh.order.MoveToBack(el)
			}
			return
		}
		sh.items[key] = sh.order.PushBack(&expiringEntry[K, V]{key: key, value: next, touched: now})
		for len(sh.items) > sh.limit {
			e.removeLocked(sh, sh.order.Front())
		}
	case opDelete:
		if found {
			e.removeLocked(sh, el)
		}
	}
}

// Load returns the live value for key without refreshing it.
func (e *expiringMap[K, V]) Load(key K, now time.Time) (V, bool) {
	var (
		v  V
		ok bool
	)
	e.Update(key, now, func(cur V, found bool) (V, expiringOp) {
		v, ok = cur, found
		return cur, opKeep
	})
	return v, ok
}

// Delete removes key.
func (e *expiringMap[K, V]) Delete(key K) {
	e.Update(key, time.Time{}, func(cur V, _ bool) (V, expiringOp) {
		return cur, opDelete
	})
}

// Sweep drops every entry older than the lifetime and returns how many
// were removed.
func (e *expiringMap[K, V]) Sweep(now time.Time) int {
	n := 0
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		n += e.pruneLocked(sh, now)
		sh.mu.Unlock()
	}
	return n
}

// Len returns the number of entries, including expired ones not yet swept.
func (e *expiringMap[K, V]) Len() int {
	n := 0
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

func (e *expiringMap[K, V]) pruneLocked(sh *expiringShard[K, V], now time.Time) int {
	if now.IsZero() {
		return 0
	}
	n := 0
	for el := sh.order.Front(); el != nil; el = sh.order.Front() {
		if now.Sub(el.Value.(*expiringEntry[K, V]).touched) < e.lifetime {
			break
		}
		e.removeLocked(sh, el)
		n++
	}
	return n
}

func (e *expiringMap[K, V]) removeLocked(sh *expiringShard[K, V], el *list.Element) {
	entry := sh.order.Remove(el).(*expiringEntry[K, V])
	delete(sh.items, entry.key)
}
