// Package seq issues durable, strictly increasing sequence numbers per
// recipient identity. A value once issued is never reissued or decreased,
// even across process restarts.
package seq

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/murmurchat/murmur/event"
)

const (
	// lockShards bounds lock memory; identities hash onto shards, so
	// allocation for independent identities proceeds in parallel while
	// a single identity's allocations serialize.
	lockShards = 1024

	// defaultCacheSize limits cached counter values. Misses reload from
	// Pebble, so eviction is a performance concern, not a correctness one.
	defaultCacheSize = 16384

	counterPrefix = "/seq/"
)

// Allocator provides thread-safe, write-through cached per-identity counters
// backed by Pebble. Counters are loaded on first access and cached in memory.
type Allocator struct {
	db    *pebble.DB
	locks [lockShards]sync.Mutex
	cache *lru.Cache[event.Identity, uint64]
}

// NewAllocator creates an allocator over an open Pebble database.
// maxCached limits cached counters (0 = default).
func NewAllocator(db *pebble.DB, maxCached int) (*Allocator, error) {
	if maxCached <= 0 {
		maxCached = defaultCacheSize
	}
	cache, err := lru.New[event.Identity, uint64](maxCached)
	if err != nil {
		return nil, err
	}
	return &Allocator{db: db, cache: cache}, nil
}

// lockFor returns the shard lock guarding an identity's counter.
func (a *Allocator) lockFor(id event.Identity) *sync.Mutex {
	return &a.locks[xxhash.Sum64String(string(id))%lockShards]
}

func counterKey(id event.Identity) []byte {
	return []byte(counterPrefix + string(id))
}

// loadLocked reads the current counter value, cache first then Pebble.
// Caller must hold the identity's shard lock.
func (a *Allocator) loadLocked(id event.Identity) (uint64, error) {
	if v, ok := a.cache.Get(id); ok {
		return v, nil
	}

	var value uint64
	val, closer, err := a.db.Get(counterKey(id))
	if err == nil {
		if len(val) >= 8 {
			value = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return 0, err
	}
	// ErrNotFound is fine - counter starts at 0

	a.cache.Add(id, value)
	return value, nil
}

// Current returns the highest sequence number issued to an identity
// (0 if none was ever issued).
func (a *Allocator) Current(id event.Identity) (uint64, error) {
	mu := a.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return a.loadLocked(id)
}

// Next atomically allocates and persists the next sequence number for an
// identity. Use Reserve instead when the seq must commit together with an
// event append.
func (a *Allocator) Next(id event.Identity) (uint64, error) {
	mu := a.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := a.loadLocked(id)
	if err != nil {
		return 0, err
	}

	next := cur + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := a.db.Set(counterKey(id), buf, pebble.Sync); err != nil {
		return 0, err
	}

	a.cache.Add(id, next)
	return next, nil
}

// Reservation holds an allocated-but-uncommitted sequence number. The
// identity's shard lock is held for the reservation's lifetime, so the
// caller must finish with Commit or Abort promptly. A seq only counts as
// issued once Commit runs; Abort makes the value available again, which
// keeps a failed append from leaving a permanent gap.
type Reservation struct {
	alloc *Allocator
	id    event.Identity
	mu    *sync.Mutex
	seq   uint64
	done  bool
}

// Reserve allocates the next sequence number for an identity without
// persisting it. Stage writes the counter update into a caller-owned batch
// so the seq and its event commit as one failure-atomic unit.
func (a *Allocator) Reserve(id event.Identity) (*Reservation, error) {
	mu := a.lockFor(id)
	mu.Lock()

	cur, err := a.loadLocked(id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}

	return &Reservation{alloc: a, id: id, mu: mu, seq: cur + 1}, nil
}

// Seq returns the reserved sequence number.
func (r *Reservation) Seq() uint64 {
	return r.seq
}

// Stage writes the reserved counter value into the batch. The caller
// commits the batch, then calls Commit or Abort depending on the outcome.
func (r *Reservation) Stage(batch *pebble.Batch) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, r.seq)
	return batch.Set(counterKey(r.id), buf, nil)
}

// Commit marks the reservation durable and releases the identity lock.
// Call only after the staged batch committed successfully.
func (r *Reservation) Commit() {
	if r.done {
		return
	}
	r.done = true
	r.alloc.cache.Add(r.id, r.seq)
	r.mu.Unlock()
}

// Abort releases the identity lock without advancing the counter.
func (r *Reservation) Abort() {
	if r.done {
		return
	}
	r.done = true
	r.mu.Unlock()
}
