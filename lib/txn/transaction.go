package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/asnode/txcore/lib/fault"
	"github.com/asnode/txcore/lib/handle"
	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/wire"
)

var log = fault.Get("txn")

// Origin is the tagged kind of a transaction's requester. Every pipeline
// stage that emits a response dispatches on Origin exactly once
// (spec.md §4.5).
type Origin int

const (
	OriginClient Origin = iota
	OriginProxy
	OriginBatchSub
	OriginInternalUDF
	OriginInternalNsup
)

func (o Origin) String() string {
	switch o {
	case OriginClient:
		return "client"
	case OriginProxy:
		return "proxy"
	case OriginBatchSub:
		return "batch-sub"
	case OriginInternalUDF:
		return "internal-udf"
	case OriginInternalNsup:
		return "internal-nsup"
	default:
		return "unknown-origin"
	}
}

// Flags on a Transaction, a bitmask per spec.md §3.
const (
	FlagUDFRequest uint32 = 1 << iota
	FlagBatchSubRequest
	FlagRespondOnMasterComplete
)

// ProxyResponder is the external collaborator a proxy-origin transaction
// replies through; modeled as an interface since fabric transport internals
// are out of scope (spec.md §1).
type ProxyResponder interface {
	RespondProxy(proxyNodeID string, fromData uint64, frame []byte)
}

// BatchResponder is the batch engine's contract for absorbing one
// sub-transaction's result, implemented by lib/batch's shared state. Kept
// here (rather than imported from lib/batch) so lib/batch can depend on
// lib/txn without a cycle.
type BatchResponder interface {
	SubmitSubResult(rowIndex uint32, code ResultCode, ops []wire.Op, generation, voidTime uint32)
}

// InternalResponder is an internal-UDF or internal-nsup job's completion
// callback, invoked exactly once regardless of success or error.
type InternalResponder interface {
	Complete(code ResultCode, pickle []byte)
}

// From is the polymorphic "from" union described in spec.md §9: exactly one
// of its variants is live at a time, and pipeline stages race to Clear it
// (the request-hash timeout sweeper vs. natural completion, or the
// respond-on-master-complete optimization vs. the repl-write callback).
// Clear reports whether the caller is the one who performed the clearing —
// the winner of that race — so losers can no-op instead of double-responding.
type From struct {
	mu sync.Mutex
	// present reports whether a variant is currently set; false once
	// cleared by whichever stage wins the completion race.
	present bool

	Client *handle.Handle
	Proxy  ProxyResponder
	Batch  BatchResponder
	UDF    InternalResponder
}

func NewClientFrom(h *handle.Handle) *From  { return &From{present: true, Client: h} }
func NewProxyFrom(p ProxyResponder) *From   { return &From{present: true, Proxy: p} }
func NewBatchFrom(b BatchResponder) *From   { return &From{present: true, Batch: b} }
func NewInternalFrom(u InternalResponder) *From { return &From{present: true, UDF: u} }

// Clear nulls the union under lock and reports whether THIS call performed
// the clearing. A defensive guard: the respond-on-master-complete race and
// the timeout-vs-completion race both call Clear and must respond only if
// they win.
func (f *From) Clear() (won bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present {
		return false
	}
	f.present = false
	return true
}

// Present reports whether the union is still live, without clearing it.
func (f *From) Present() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present
}

// Transaction is the request-scoped state carried through the pipeline.
type Transaction struct {
	Namespace string
	Digest    wire.Digest

	MsgFields uint32 // bitmask of which recognized wire fields were present

	Origin   Origin
	From     *From
	FromData uint64 // proxy transaction id, or batch row index

	// ProxyNodeID is set when Origin is OriginProxy; the proxy fabric
	// transport itself is out of scope (spec.md §1), so this is carried
	// purely as an opaque routing key for the ProxyResponder.
	ProxyNodeID string

	Reservation storage.Reservation
	reservationReleased atomic.Bool

	StartTime     int64 // unix nanoseconds
	EndTime       int64
	BenchmarkTime int64

	ResultCode ResultCode

	Generation     uint32
	VoidTime       uint32
	LastUpdateTime uint32

	Flags uint32
}

// New creates a Transaction stamped with the current time as StartTime.
func New(namespace string, digest wire.Digest, origin Origin, from *From) *Transaction {
	return &Transaction{
		Namespace: namespace,
		Digest:    digest,
		Origin:    origin,
		From:      from,
		StartTime: time.Now().UnixNano(),
	}
}

// ReleaseReservation releases t.Reservation exactly once, regardless of
// origin or error path (spec.md invariant 7). A second call is a critical
// failure, matching the "releasing twice is a critical failure, not a
// no-op" rule for ref-counted resources (spec.md §8).
func (t *Transaction) ReleaseReservation() {
	if t.Reservation == nil {
		return
	}
	if !t.reservationReleased.CompareAndSwap(false, true) {
		log.Critical("reservation for digest %s released twice", t.Digest)
		return
	}
	t.Reservation.Release()
}

// Respond dispatches a success reply to t's origin exactly once. ops is the
// bin operation list to include in the reply (empty for a pure write ack).
func (t *Transaction) Respond(ops []wire.Op) {
	if !t.From.Clear() {
		// Lost the race against a timeout or an earlier respond; no-op.
		return
	}
	t.dispatch(t.ResultCode, ops, nil)
}

// RespondError dispatches an error reply to t's origin exactly once, and
// increments the per-namespace and global error counters (spec.md §4.5).
func (t *Transaction) RespondError(code ResultCode, counter ErrorCounter) {
	if !t.From.Clear() {
		return
	}
	t.ResultCode = code
	if counter != nil {
		counter.IncClientError(t.Namespace)
	}
	t.dispatch(code, nil, nil)
}

// RespondTimeout is invoked by the request-hash sweeper; it wins or loses
// the race against natural completion via the same From.Clear mechanism.
// Client-originating timeouts additionally force-close the client
// connection so the client does not wait on stale state (spec.md §5).
func (t *Transaction) RespondTimeout(counter ErrorCounter) {
	if !t.From.Clear() {
		return
	}
	if counter != nil {
		counter.IncTimeout(t.Namespace)
	}
	t.dispatch(Timeout, nil, nil)
	if t.Origin == OriginClient && t.From.Client != nil {
		t.From.Client.ForceClose()
	}
}

// ErrorCounter decouples txn from lib/metrics (a leaf package txn could
// import directly, but the interface keeps the error-emit path testable
// without constructing a full metrics.Registry).
type ErrorCounter interface {
	IncClientError(namespace string)
	IncTimeout(namespace string)
}

func (t *Transaction) dispatch(code ResultCode, ops []wire.Op, pickle []byte) {
	switch t.Origin {
	case OriginClient:
		if t.From.Client == nil {
			log.Critical("client-origin transaction dispatched with nil handle")
			return
		}
		frame := wire.MakeReply(uint8(code), t.Generation, t.VoidTime, ops, wire.ReplyOptions{})
		_, _ = t.From.Client.Conn.Write(frame)
	case OriginProxy:
		if t.From.Proxy == nil {
			log.Critical("proxy-origin transaction dispatched with nil responder")
			return
		}
		frame := wire.MakeReply(uint8(code), t.Generation, t.VoidTime, ops, wire.ReplyOptions{})
		t.From.Proxy.RespondProxy(t.ProxyNodeID, t.FromData, frame)
	case OriginBatchSub:
		if t.From.Batch == nil {
			log.Critical("batch-sub transaction dispatched with nil responder")
			return
		}
		rowIndex := uint32(t.FromData)
		t.From.Batch.SubmitSubResult(rowIndex, code, ops, t.Generation, t.VoidTime)
	case OriginInternalUDF, OriginInternalNsup:
		if t.From.UDF == nil {
			log.Critical("internal-origin transaction dispatched with nil responder")
			return
		}
		t.From.UDF.Complete(code, pickle)
	default:
		log.Critical("unknown transaction origin %d reached the response dispatcher", t.Origin)
	}
}
