package storage

import (
	"context"
	"sync"
)

// MemEngine is an in-memory reference Engine for tests. It is not a
// production namespace storage engine (spec.md §1 scopes that out) — it
// exists only so lib/udf and lib/batch have something concrete to drive in
// their own tests.
type MemEngine struct {
	mu      sync.Mutex
	records map[string]map[Digest]*Record
}

func NewMemEngine() *MemEngine {
	return &MemEngine{records: make(map[string]map[Digest]*Record)}
}

// Put seeds a record directly, bypassing Apply, for test setup.
func (m *MemEngine) Put(namespace string, rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.records[namespace]
	if !ok {
		ns = make(map[Digest]*Record)
		m.records[namespace] = ns
	}
	cp := *rec
	cp.Bins = make(map[string]interface{}, len(rec.Bins))
	for k, v := range rec.Bins {
		cp.Bins[k] = v
	}
	ns[rec.Digest] = &cp
}

type memReservation struct {
	namespace string
	partition uint32
	dups      []string
	released  bool
	mu        *sync.Mutex
}

func (r *memReservation) Namespace() string     { return r.namespace }
func (r *memReservation) PartitionID() uint32   { return r.partition }
func (r *memReservation) Duplicates() []string  { return r.dups }
func (r *memReservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		panic("storage: reservation released twice")
	}
	r.released = true
}

func (m *MemEngine) Reserve(_ context.Context, namespace string, digest Digest) (Reservation, error) {
	return &memReservation{
		namespace: namespace,
		partition: partitionOf(digest),
		mu:        &sync.Mutex{},
	}, nil
}

// partitionOf derives a partition id from the leading bytes of the digest,
// standing in for the real hash-to-partition-table lookup.
func partitionOf(d Digest) uint32 {
	return uint32(d[0])<<8 | uint32(d[1])
}

func (m *MemEngine) Open(_ context.Context, namespace string, digest Digest) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.records[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := ns[digest]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Bins = make(map[string]interface{}, len(rec.Bins))
	for k, v := range rec.Bins {
		cp.Bins[k] = v
	}
	cp.Existed = true
	return &cp, nil
}

func (m *MemEngine) Apply(_ context.Context, namespace string, rec *Record, op RecordOp) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.records[namespace]
	if !ok {
		ns = make(map[Digest]*Record)
		m.records[namespace] = ns
	}
	switch op {
	case OpDelete:
		delete(ns, rec.Digest)
		return []byte("pickle:delete:" + string(rec.Digest[:])), nil
	case OpWrite:
		cp := *rec
		cp.Bins = make(map[string]interface{}, len(rec.Bins))
		for k, v := range rec.Bins {
			cp.Bins[k] = v
		}
		ns[rec.Digest] = &cp
		return []byte("pickle:write:" + string(rec.Digest[:])), nil
	default:
		return nil, nil
	}
}
