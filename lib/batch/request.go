package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/asnode/txcore/lib/metrics"
	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/txn"
	"github.com/asnode/txcore/lib/wire"
)

// runSubTransaction executes one batch row's read against the storage
// engine and dispatches its result through tx (OriginBatchSub), exactly
// like any other transaction's pipeline stage would, per spec.md §4.7 ("a
// batch sub-transaction runs the normal read pipeline, only its origin and
// response path differ").
func (e *Engine) runSubTransaction(ctx context.Context, tx *txn.Transaction, row wire.BatchRow) {
	digest := storage.Digest(row.Digest)

	reservation, err := e.storage.Reserve(ctx, tx.Namespace, digest)
	if err != nil {
		tx.RespondError(txn.Unknown, e.errorCounter())
		return
	}
	tx.Reservation = reservation
	defer tx.ReleaseReservation()

	rec, err := e.storage.Open(ctx, tx.Namespace, digest)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			tx.ResultCode = txn.NotFound
			tx.Respond(nil)
			return
		}
		tx.RespondError(txn.Unknown, e.errorCounter())
		return
	}

	ops := readReplyOps(row, rec)
	tx.Generation = rec.Generation
	tx.VoidTime = rec.VoidTime
	tx.ResultCode = txn.OK
	tx.Respond(ops)

	if e.metrics != nil {
		e.metrics.RecordOp(tx.Namespace, metrics.OpKindRead, true)
	}
}

// readReplyOps builds the reply op list for a successful read: if the row
// requested specific bin names, only those are returned (in request order,
// missing bins silently omitted as the real protocol does); an empty op
// list on the request means "return every bin".
func readReplyOps(row wire.BatchRow, rec *storage.Record) []wire.Op {
	if len(row.Ops) == 0 {
		ops := make([]wire.Op, 0, len(rec.Bins))
		for name, val := range rec.Bins {
			ops = append(ops, wire.Op{Op: wire.OpRead, Name: name, Value: encodeBinValue(val)})
		}
		return ops
	}

	ops := make([]wire.Op, 0, len(row.Ops))
	for _, reqOp := range row.Ops {
		val, ok := rec.Bins[reqOp.Name]
		if !ok {
			continue
		}
		ops = append(ops, wire.Op{Op: wire.OpRead, Name: reqOp.Name, Value: encodeBinValue(val)})
	}
	return ops
}

// errorCounter adapts e.metrics to txn.ErrorCounter, returning a true nil
// interface when no registry is configured. Passing e.metrics directly
// would wrap a nil *metrics.Registry in a non-nil interface value, and
// RespondError's nil check would then call through to a nil receiver.
func (e *Engine) errorCounter() txn.ErrorCounter {
	if e.metrics == nil {
		return nil
	}
	return e.metrics
}

// encodeBinValue renders a bin's in-memory value as wire bytes. Real bin
// particle encoding (integer/string/blob/list/map typed formats) is out of
// scope (spec.md §1 places record storage behind the storage.Engine
// contract); this is a minimal stand-in sufficient to round-trip []byte and
// string bins, falling back to a textual representation for anything else.
func encodeBinValue(v interface{}) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return []byte(fmt.Sprintf("%v", t))
	}
}
