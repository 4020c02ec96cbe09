package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/asnode/txcore/lib/batch"
	"github.com/asnode/txcore/lib/handle"
	"github.com/asnode/txcore/lib/metrics"
	"github.com/asnode/txcore/lib/reqhash"
	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/txn"
	"github.com/asnode/txcore/lib/udf"
	"github.com/asnode/txcore/lib/wire"
)

// DefaultDispatcherConfig bundles the collaborators a production reactor
// hands frames off to: the plain read/write pipeline's storage engine, the
// batch engine, and the UDF pipeline's script/replication collaborators.
// Script, DupRes, and Repl may be nil, in which case UDF requests are
// rejected with txn.Unknown rather than panicking — the script engine and
// replica transport are both out of scope (spec.md §1).
type DefaultDispatcherConfig struct {
	Storage storage.Engine
	Batch   *batch.Engine
	Metrics *metrics.Registry

	Script udf.ScriptEngine
	DupRes udf.DupResolver
	Repl   udf.ReplWriter
	UDF    udf.Config

	// ReqHash enforces spec.md invariant 1/2 (at most one in-flight
	// transaction per namespace/digest key) across both the plain and UDF
	// pipelines. Nil disables the check, which single-key unit tests rely on
	// to exercise dispatchPlain/dispatchUDF without a request hash wired up.
	ReqHash *reqhash.Hash
	// RequestTimeout bounds how long an entry may sit in ReqHash before the
	// sweeper times it out. Defaults to 1s if zero and ReqHash is non-nil.
	RequestTimeout time.Duration
}

// DefaultDispatcher is the production Dispatcher: it classifies a parsed
// data frame as plain single-key, batch, or UDF, and drives each through
// the matching pipeline. Grounded on rpc/transport/base/server.go's
// handleRequest/handleResponse closures, generalized from one fixed
// handler function to this module's three pipeline shapes.
type DefaultDispatcher struct {
	cfg DefaultDispatcherConfig
}

func NewDefaultDispatcher(cfg DefaultDispatcherConfig) *DefaultDispatcher {
	return &DefaultDispatcher{cfg: cfg}
}

func (d *DefaultDispatcher) Dispatch(ctx context.Context, h *handle.Handle, hdr wire.Header, body []byte) {
	msg, err := wire.ParseDataMessage(body)
	if err != nil {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.IncDemarshalError()
		}
		log.Debugf("handle %d: demarshal error: %v", h.ID, err)
		d.sendMinimalError(h, txn.Parameter)
		return
	}

	switch {
	case msg.HasField(wire.FieldBatch):
		d.dispatchBatch(ctx, h, msg)
	case msg.HasField(wire.FieldUDFFilename):
		d.dispatchUDF(ctx, h, msg)
	default:
		d.dispatchPlain(ctx, h, msg)
	}
}

// sendMinimalError writes a bare error reply carrying only a result code,
// for parse failures that happen before a transaction exists to dispatch
// a response through (spec.md §7: "Parse failures before a transaction is
// created are emitted as a minimal error reply carrying the code; the
// connection is kept open when possible, closed when not").
func (d *DefaultDispatcher) sendMinimalError(h *handle.Handle, code txn.ResultCode) {
	frame := wire.MakeReply(uint8(code), 0, 0, nil, wire.ReplyOptions{})
	if _, err := h.Conn.Write(frame); err != nil {
		log.Debugf("handle %d: minimal error reply write failed: %v", h.ID, err)
	}
}

// dispatchBatch decodes the batch envelope (a FieldBatch field carrying the
// big-endian row count, followed by the raw row payload in msg.Trailer per
// spec.md §4.7) and hands it to the batch engine.
func (d *DefaultDispatcher) dispatchBatch(ctx context.Context, h *handle.Handle, msg *wire.DataMessage) {
	if d.cfg.Batch == nil {
		log.Debugf("handle %d: batch request received with no batch engine configured", h.ID)
		return
	}
	countField := msg.Fields[wire.FieldBatch].Value
	if len(countField) != 4 {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.IncDemarshalError()
		}
		log.Debugf("handle %d: malformed batch count field (%d bytes)", h.ID, len(countField))
		d.sendMinimalError(h, txn.Parameter)
		return
	}
	count := binary.BigEndian.Uint32(countField)

	namespace := ""
	if f, ok := msg.Fields[wire.FieldNamespace]; ok {
		namespace = string(f.Value)
	}

	rows, err := wire.ParseBatchRows(msg.Trailer, count)
	if err != nil {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.IncDemarshalError()
		}
		log.Debugf("handle %d: malformed batch rows: %v", h.ID, err)
		d.sendMinimalError(h, txn.Parameter)
		return
	}

	if err := d.cfg.Batch.Submit(ctx, h, namespace, rows); err != nil {
		var batchErr *txn.Error
		code := txn.Unknown
		if errors.As(err, &batchErr) {
			code = batchErr.Code
		}
		_, _ = h.Conn.Write(wire.MakeReply(uint8(code), 0, 0, nil, wire.ReplyOptions{}))
	}
}

// dispatchUDF decodes a UDF invocation's fields and drives it through the
// UDF pipeline, with the transaction responding to this connection directly
// (OriginClient), exactly like any other single-key client transaction.
func (d *DefaultDispatcher) dispatchUDF(ctx context.Context, h *handle.Handle, msg *wire.DataMessage) {
	namespace := fieldString(msg, wire.FieldNamespace)
	digest, ok := fieldDigest(msg)
	if !ok {
		log.Debugf("handle %d: UDF request missing digest field", h.ID)
		return
	}

	req := udf.Request{
		Filename: fieldString(msg, wire.FieldUDFFilename),
		Function: fieldString(msg, wire.FieldUDFFunction),
	}
	if f, ok := msg.Fields[wire.FieldUDFArgList]; ok {
		req.Args = f.Value
	}

	tx := txn.New(namespace, digest, txn.OriginClient, txn.NewClientFrom(h))
	tx.Flags |= txn.FlagUDFRequest

	key := reqhash.Key{Namespace: namespace, Digest: digest}
	if !d.reqHashInsert(key, tx) {
		return
	}

	if d.cfg.Script == nil || d.cfg.DupRes == nil || d.cfg.Repl == nil {
		tx.RespondError(txn.Unknown, d.errorCounter())
		d.reqHashComplete(key)
		return
	}

	p := udf.NewPipeline(tx, req, d.cfg.Storage, d.cfg.Script, d.cfg.DupRes, d.cfg.Repl, d.cfg.Metrics, d.cfg.UDF)
	p.SetOnDone(func() { d.reqHashComplete(key) })
	p.Start(ctx)
}

// reqHashInsert registers key in the request hash, if one is configured. It
// returns false and responds txn.Unknown when key already has an in-flight
// transaction (spec.md invariant 1/2) — chaining onto the in-flight
// transaction's eventual response is a possible refinement, but responding
// immediately is the simpler, documented behavior (DESIGN.md).
func (d *DefaultDispatcher) reqHashInsert(key reqhash.Key, tx *txn.Transaction) bool {
	if d.cfg.ReqHash == nil {
		return true
	}
	timeout := d.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if d.cfg.ReqHash.Insert(key, tx, d.errorCounter(), timeout) == reqhash.Waiting {
		tx.RespondError(txn.Unknown, d.errorCounter())
		return false
	}
	return true
}

func (d *DefaultDispatcher) reqHashComplete(key reqhash.Key) {
	if d.cfg.ReqHash != nil {
		d.cfg.ReqHash.Complete(key)
	}
}

// dispatchPlain runs spec.md §4.5/§4.6's generic single-key transaction: a
// reservation, an open, and an op-by-op apply, dispatched back to the
// client exactly once. Grounded on lib/batch.runSubTransaction's read path,
// generalized here to also cover write and delete ops.
func (d *DefaultDispatcher) dispatchPlain(ctx context.Context, h *handle.Handle, msg *wire.DataMessage) {
	namespace := fieldString(msg, wire.FieldNamespace)
	digest, ok := fieldDigest(msg)
	if !ok {
		log.Debugf("handle %d: transaction missing digest field", h.ID)
		return
	}

	tx := txn.New(namespace, digest, txn.OriginClient, txn.NewClientFrom(h))
	storageDigest := storage.Digest(digest)

	key := reqhash.Key{Namespace: namespace, Digest: digest}
	if !d.reqHashInsert(key, tx) {
		return
	}
	defer d.reqHashComplete(key)

	if d.cfg.Storage == nil {
		tx.RespondError(txn.Unknown, d.errorCounter())
		return
	}

	reservation, err := d.cfg.Storage.Reserve(ctx, namespace, storageDigest)
	if err != nil {
		tx.RespondError(txn.Unknown, d.errorCounter())
		return
	}
	tx.Reservation = reservation

	op, writeOps := classifyPlainOps(msg.Ops)

	rec, err := d.cfg.Storage.Open(ctx, namespace, storageDigest)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			tx.RespondError(txn.Unknown, d.errorCounter())
			tx.ReleaseReservation()
			return
		}
		if op != storage.OpWrite {
			tx.ResultCode = txn.NotFound
			tx.Respond(nil)
			tx.ReleaseReservation()
			return
		}
		rec = &storage.Record{Digest: storageDigest, Bins: make(map[string]interface{})}
	}

	var replyOps []wire.Op
	if op == storage.OpWrite {
		applyWriteOps(rec, writeOps)
	} else if op == storage.OpRead {
		replyOps = readAllOrNamed(rec, msg.Ops)
	}

	if _, err := d.cfg.Storage.Apply(ctx, namespace, rec, op); err != nil {
		d.recordStats(namespace, op, false)
		tx.RespondError(txn.Unknown, d.errorCounter())
		tx.ReleaseReservation()
		return
	}
	d.recordStats(namespace, op, true)

	tx.Generation = rec.Generation
	tx.VoidTime = rec.VoidTime
	tx.ResultCode = txn.OK
	tx.Respond(replyOps)
	tx.ReleaseReservation()
}

func (d *DefaultDispatcher) recordStats(namespace string, op storage.RecordOp, success bool) {
	if d.cfg.Metrics == nil {
		return
	}
	switch op {
	case storage.OpRead:
		d.cfg.Metrics.RecordOp(namespace, metrics.OpKindRead, success)
	case storage.OpWrite:
		d.cfg.Metrics.RecordOp(namespace, metrics.OpKindWrite, success)
	case storage.OpDelete:
		d.cfg.Metrics.RecordOp(namespace, metrics.OpKindDelete, success)
	}
}

func (d *DefaultDispatcher) errorCounter() txn.ErrorCounter {
	if d.cfg.Metrics == nil {
		return nil
	}
	return d.cfg.Metrics
}

// classifyPlainOps picks the dominant RecordOp for a single-key request's
// op list: a delete op anywhere makes it a delete, a write op anywhere
// (with no delete) makes it a write, otherwise it is a read.
func classifyPlainOps(ops []wire.Op) (storage.RecordOp, []wire.Op) {
	op := storage.OpRead
	var writeOps []wire.Op
	for _, o := range ops {
		switch o.Op {
		case wire.OpDelete:
			return storage.OpDelete, nil
		case wire.OpWrite, wire.OpIncrement, wire.OpAppend, wire.OpPrepend, wire.OpTouch:
			op = storage.OpWrite
			writeOps = append(writeOps, o)
		}
	}
	return op, writeOps
}

func applyWriteOps(rec *storage.Record, ops []wire.Op) {
	for _, o := range ops {
		switch o.Op {
		case wire.OpIncrement:
			rec.Bins[o.Name] = incrementBin(rec.Bins[o.Name], o.Value)
		case wire.OpAppend:
			rec.Bins[o.Name] = appendBin(rec.Bins[o.Name], o.Value)
		case wire.OpPrepend:
			rec.Bins[o.Name] = append(append([]byte{}, o.Value...), toBytes(rec.Bins[o.Name])...)
		case wire.OpTouch:
			// touch has no bin payload; only the record's generation/TTL move,
			// which storage.Engine.Apply already handles.
		default:
			rec.Bins[o.Name] = append([]byte{}, o.Value...)
		}
	}
}

func incrementBin(existing interface{}, delta []byte) interface{} {
	var cur int64
	if b, ok := existing.([]byte); ok && len(b) == 8 {
		cur = int64(binary.BigEndian.Uint64(b))
	}
	var d int64
	if len(delta) == 8 {
		d = int64(binary.BigEndian.Uint64(delta))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(cur+d))
	return buf[:]
}

func appendBin(existing interface{}, suffix []byte) interface{} {
	return append(toBytes(existing), suffix...)
}

func toBytes(v interface{}) []byte {
	if b, ok := v.([]byte); ok {
		return append([]byte{}, b...)
	}
	if s, ok := v.(string); ok {
		return []byte(s)
	}
	return nil
}

func readAllOrNamed(rec *storage.Record, requested []wire.Op) []wire.Op {
	if len(requested) == 0 {
		ops := make([]wire.Op, 0, len(rec.Bins))
		for name, val := range rec.Bins {
			ops = append(ops, wire.Op{Op: wire.OpRead, Name: name, Value: encodeBinValue(val)})
		}
		return ops
	}
	ops := make([]wire.Op, 0, len(requested))
	for _, reqOp := range requested {
		val, ok := rec.Bins[reqOp.Name]
		if !ok {
			continue
		}
		ops = append(ops, wire.Op{Op: wire.OpRead, Name: reqOp.Name, Value: encodeBinValue(val)})
	}
	return ops
}

// encodeBinValue mirrors lib/batch's minimal stand-in for real particle
// encoding (spec.md §1 excludes the on-disk record format).
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

func fieldString(msg *wire.DataMessage, t wire.FieldType) string {
	if f, ok := msg.Fields[t]; ok {
		return string(f.Value)
	}
	return ""
}

func fieldDigest(msg *wire.DataMessage) (wire.Digest, bool) {
	f, ok := msg.Fields[wire.FieldDigest]
	if !ok || len(f.Value) != wire.DigestSize {
		return wire.Digest{}, false
	}
	var d wire.Digest
	copy(d[:], f.Value)
	return d, true
}
