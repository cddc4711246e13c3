// Package syncutil provides in-process locking keyed by string.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex.
const DefaultShards = 256

// KeyedMutex serializes work per key using a fixed pool of channel-based
// mutexes. Distinct keys may share a shard, so holders must not take a
// second key while holding one.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex pool with DefaultShards shards.
func NewKeyedMutex() *KeyedMutex {
	return NewKeyedMutexShards(DefaultShards)
}

// NewKeyedMutexShards creates a mutex pool with n shards.
func NewKeyedMutexShards(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key or returns ctx.Err() if ctx ends first.
// The returned unlock func must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	shard := m.shards[m.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
