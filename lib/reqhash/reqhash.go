// Package reqhash implements the request hash: at most one in-flight
// transaction per (namespace, digest) key, with a timeout sweeper racing
// natural completion. Grounded on rpc/server/server.go's
// xsync.NewMapOf[uint64, serverShard]() shard table, generalized to N
// independent shards each owning their own xsync.MapOf[Key, *entry] so the
// sweeper can walk shards independently (spec.md §5: "the request hash is
// sharded; each shard has its own lock").
package reqhash

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/asnode/txcore/lib/fault"
	"github.com/asnode/txcore/lib/txn"
	"github.com/asnode/txcore/lib/wire"
)

var log = fault.Get("reqhash")

// State is the outcome of inserting into the hash.
type State int

const (
	InProgress State = iota
	Waiting
	DoneSuccess
	DoneError
)

// Key identifies an in-flight transaction by (namespace, digest).
type Key struct {
	Namespace string
	Digest    wire.Digest
}

type entry struct {
	tx      *txn.Transaction
	counter txn.ErrorCounter
	endTime int64 // unix nanoseconds; sweeper timeout deadline
}

// Hash is the sharded request hash.
type Hash struct {
	shards    []*xsync.MapOf[Key, *entry]
	numShards int
	stop      chan struct{}
}

// New creates a Hash with numShards independent shards.
func New(numShards int) *Hash {
	if numShards < 1 {
		numShards = 1
	}
	h := &Hash{numShards: numShards, stop: make(chan struct{})}
	for i := 0; i < numShards; i++ {
		h.shards = append(h.shards, xsync.NewMapOf[Key, *entry]())
	}
	return h
}

func (h *Hash) shardFor(k Key) *xsync.MapOf[Key, *entry] {
	sum := fnv32(k.Namespace) ^ fnv32(string(k.Digest[:]))
	return h.shards[int(sum)%h.numShards]
}

func fnv32(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	hash := uint32(offset32)
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= prime32
	}
	return hash
}

// Insert attempts to register tx as the in-flight transaction for key. If no
// transaction is currently registered for key, it is inserted and
// InProgress is returned. If one is already in flight, Waiting is returned
// and tx is NOT inserted (the caller's policy decides whether to chain or
// reject — this hash only enforces at-most-one-in-flight, per spec.md §4.6
// and invariant 1).
func (h *Hash) Insert(key Key, tx *txn.Transaction, counter txn.ErrorCounter, timeout time.Duration) State {
	shard := h.shardFor(key)
	e := &entry{tx: tx, counter: counter, endTime: time.Now().Add(timeout).UnixNano()}
	_, loaded := shard.LoadOrStore(key, e)
	if loaded {
		return Waiting
	}
	return InProgress
}

// Lookup returns the in-flight transaction for key, if any.
func (h *Hash) Lookup(key Key) (*txn.Transaction, bool) {
	e, ok := h.shardFor(key).Load(key)
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// Complete removes key from the hash. Called by the natural-completion
// path after a transaction has responded (winning or losing the race
// against the timeout sweeper is txn.From's concern, not this hash's).
func (h *Hash) Complete(key Key) {
	h.shardFor(key).Delete(key)
}

// Run drives the timeout sweeper: it walks every shard independently,
// looking for entries whose endTime has passed, invokes RespondTimeout
// (which races the natural completion path via txn.From.Clear), and
// removes the entry regardless of which side won the race.
func (h *Hash) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

func (h *Hash) Stop() { close(h.stop) }

func (h *Hash) sweepOnce() {
	now := time.Now().UnixNano()
	for _, shard := range h.shards {
		var expired []Key
		shard.Range(func(key Key, e *entry) bool {
			if e.endTime <= now {
				expired = append(expired, key)
			}
			return true
		})
		for _, key := range expired {
			e, ok := shard.Load(key)
			if !ok {
				continue
			}
			log.Debugf("sweeping expired transaction namespace=%s digest=%s", key.Namespace, key.Digest)
			e.tx.RespondTimeout(e.counter)
			shard.Delete(key)
		}
	}
}

// Len returns the total number of in-flight entries across all shards, for
// the ticker's queue-depth snapshot.
func (h *Hash) Len() int {
	total := 0
	for _, shard := range h.shards {
		total += shard.Size()
	}
	return total
}
