// Package syncutil provides keyed mutual exclusion for per-actor and
// per-transaction critical sections.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock when shards <= 0.
const DefaultShards = 256

// KeyLock is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded regardless of how many keys are seen; two keys that
// hash to the same shard serialize against each other, which is safe but
// slower. Acquisition can be abandoned through context cancellation.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with the given number of shards.
func NewKeyLock(shards int) *KeyLock {
	if shards <= 0 {
		shards = DefaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, shards)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{} // start unlocked
	}
	return k
}

// Lock blocks until the shard for key is held and returns its release func.
func (k *KeyLock) Lock(key string) func() {
	ch := k.shard(key)
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext acquires the shard for key unless ctx ends first.
// On success the caller MUST call the returned unlock func.
func (k *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	ch := k.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the shard for key only if it is free right now.
func (k *KeyLock) TryLock(key string) (func(), bool) {
	ch := k.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (k *KeyLock) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return k.shards[h.Sum32()%uint32(len(k.shards))]
}
