// Package storage defines the contracts this module calls into but does not
// implement: the namespace storage engine, partition reservations, and the
// duplicate-holding peer list. spec.md §1 places the storage engine itself
// out of scope ("referenced only by their contracts"); this package models
// exactly that boundary as Go interfaces, plus an in-memory reference engine
// used only by tests.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Engine.Open when no record exists for a digest.
var ErrNotFound = errors.New("storage: record not found")

// Digest identifies a record; see wire.Digest for the wire representation.
// Declared independently here so this package has no dependency on the wire
// codec, matching the "referenced only by contract" boundary.
type Digest [20]byte

// Reservation names a namespace, a partition, and the peers that may hold a
// duplicate copy of the record for the reservation's key. Its lifetime
// covers one transaction; Release must be called exactly once.
type Reservation interface {
	Namespace() string
	PartitionID() uint32
	// Duplicates lists node identifiers that may hold a newer copy of the
	// record and must be consulted during duplicate resolution.
	Duplicates() []string
	// Release gives up the reservation. The storage layer owns the actual
	// mechanics; the caller's only obligation is calling it exactly once.
	Release()
}

// RecordOp classifies what a master-apply pass did to a record, per
// spec.md §4.8's classification rules.
type RecordOp int

const (
	OpRead RecordOp = iota
	OpWrite
	OpDelete
	OpNone
)

// Record is the façade a UDF apply phase reads and mutates; it stands in for
// the storage layer's "as-rec" façade backed by a read-descriptor.
type Record struct {
	Digest       Digest
	Generation   uint32
	VoidTime     uint32
	LastUpdateTm uint32
	Bins         map[string]interface{}
	Existed      bool // whether a record existed before this apply
}

// BinCount reports how many bins remain, used for the zero-bins-left
// promotion to DELETE (spec.md §4.8).
func (r *Record) BinCount() int { return len(r.Bins) }

// Engine is the namespace storage engine's contract: open a record by
// digest for read or apply, reserve a partition, and produce a
// replication pickle. No production implementation lives in this module;
// see MemEngine for the test double.
type Engine interface {
	// Reserve takes a partition reservation covering digest's partition.
	Reserve(ctx context.Context, namespace string, digest Digest) (Reservation, error)
	// Open reads the current record for digest, or ErrNotFound.
	Open(ctx context.Context, namespace string, digest Digest) (*Record, error)
	// Apply commits mutate's result for op against the namespace, returning
	// the pickle bytes to ship to replicas (nil for OpRead/OpNone).
	Apply(ctx context.Context, namespace string, rec *Record, op RecordOp) (pickle []byte, err error)
}
