// Package syncutil provides keyed locking primitives used by the
// settlement path to serialize per-account balance mutations.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 512

// KeyMutex provides a fixed-size pool of channel-based mutexes keyed by
// string, with context-aware acquisition. Bounded memory regardless of
// how many keys are seen, at the cost of occasional false sharing
// between keys that hash to the same shard.
type KeyMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel so acquisition
// can select{} against context cancellation.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyMutex creates a new keyed mutex pool.
func NewKeyMutex() *KeyMutex {
	m := &KeyMutex{}
	m.init()
	return m
}

func (m *KeyMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // start unlocked
		}
	})
}

// Lock acquires the mutex for the given key, respecting context
// cancellation. On success it returns an unlock function the caller MUST
// invoke; on cancellation it returns nil and the context error.
func (m *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
