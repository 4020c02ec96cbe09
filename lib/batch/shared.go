package batch

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/asnode/txcore/lib/fault"
	"github.com/asnode/txcore/lib/txn"
	"github.com/asnode/txcore/lib/wire"
)

var log = fault.Get("batch")

// Conn is the batch pipeline's view of a client connection: writable like
// any io.Writer, and force-closeable so a send failure can drop the peer
// rather than retry against a dead socket (spec.md §4.7: "On any send
// failure, the handle is force-closed and further buffers for that batch
// are dropped").
type Conn interface {
	io.Writer
	ForceClose()
}

// sendTarget wraps a batch's Conn with a force-close guard shared by every
// response buffer the batch produces, so concurrent send failures across
// more than one response worker force-close the connection at most once
// (lib/handle.Handle.ForceClose drops a reference through Release, whose
// doc treats a second release as a critical failure, not a no-op).
type sendTarget struct {
	conn           Conn
	forceCloseOnce sync.Once
}

func (t *sendTarget) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *sendTarget) forceClose()                 { t.forceCloseOnce.Do(t.conn.ForceClose) }

// shared is the per-batch-request state every sub-transaction's response
// lands in. It implements txn.BatchResponder, so a batch sub-transaction's
// origin dispatch (lib/txn's Transaction.dispatch, OriginBatchSub case)
// calls straight into SubmitSubResult with no knowledge of buffer packing.
//
// Grounded on original_source/as/src/base/batch.c's as_batch_shared: a
// single sticky result code shared by every row, and a "current" response
// buffer rows are packed into until it's full, at which point a fresh one
// takes over.
type shared struct {
	mu      sync.Mutex
	current *responseBuffer

	namespace string
	target    *sendTarget
	bufferCap int
	totalRows int32

	rowsCommitted atomic.Int32
	resultCode    atomic.Uint32 // sticky; txn.OK until a non-OK, non-NotFound code lands

	worker *worker
	engine *Engine
}

func newShared(engine *Engine, w *worker, namespace string, conn Conn, totalRows int, bufferCap int) *shared {
	return &shared{
		engine:    engine,
		worker:    w,
		namespace: namespace,
		target:    &sendTarget{conn: conn},
		bufferCap: bufferCap,
		totalRows: int32(totalRows),
	}
}

// SubmitSubResult implements txn.BatchResponder. It packs the row's reply
// bytes into the batch's current response buffer (opening a new one if the
// current buffer has no room), updates the sticky result code, and — once
// every row has reported in — seals the final buffer with the batch
// trailer.
func (s *shared) SubmitSubResult(rowIndex uint32, code txn.ResultCode, ops []wire.Op, generation, voidTime uint32) {
	if code.Sticky() {
		s.stickResultCode(code)
	}

	payload := composeRowReply(uint8(code), generation, voidTime, rowIndex, ops)

	if len(payload) > s.engine.maxRecordSize {
		// The reply itself would exceed the per-row cap: stick RECORD_TOO_BIG
		// into this row rather than growing a buffer without bound (spec.md
		// §4.7/§8's RECORD_TOO_BIG taxonomy entry).
		s.stickResultCode(txn.RecordTooBig)
		payload = composeRowReply(uint8(txn.RecordTooBig), generation, voidTime, rowIndex, nil)
	}

	buf, offset := s.reserveSlot(len(payload))
	buf.writeAt(offset, payload)
	buf.incTranCount()

	isLastRow := s.rowsCommitted.Add(1) == s.totalRows

	// Every commit releases one writer credit, whether it was the implicit
	// credit from the reservation that created the buffer or an explicit
	// one from reserveWriter — both are tracked in the same counter.
	credits := int32(1)
	var last *responseBuffer
	if isLastRow {
		// The trailer goes on the batch's current buffer, which is not
		// necessarily buf: this row may have reserved into a buffer that a
		// later reservation has since superseded.
		s.mu.Lock()
		last = s.current
		last.isLast.Store(true)
		last.trailer = wire.MakeBatchTrailer(uint8(txn.ResultCode(s.resultCode.Load())))
		s.mu.Unlock()
		if last == buf {
			credits++ // also release the "is current" credit: nothing will ever supersede this buffer
			last = nil
		}
	}

	if buf.release(credits) {
		s.engine.submitBuffer(s.worker, buf)
	}
	if last != nil && last.release(1) {
		s.engine.submitBuffer(s.worker, last)
	}
}

// reserveSlot finds room for an n-byte row reply, opening a fresh buffer
// (and sealing the previous one) if the current buffer is full. The first
// reservation against a freshly created buffer consumes that buffer's
// pre-granted "first reservation" writer credit (see newResponseBuffer);
// every later reservation against an already-open buffer bumps the writer
// count explicitly via reserveWriter.
func (s *shared) reserveSlot(n int) (buf *responseBuffer, offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		s.current = s.newBuffer(n)
		off, _ := s.current.reserve(n)
		return s.current, off
	}

	if off, ok := s.current.reserve(n); ok {
		s.current.reserveWriter()
		return s.current, off
	}

	// Current buffer is full: it loses its "is current" credit, which may
	// seal it immediately if every writer already committed.
	old := s.current
	if old.release(1) {
		s.engine.submitBuffer(s.worker, old)
	}

	fresh := s.newBuffer(n)
	s.current = fresh
	off, _ := fresh.reserve(n)
	return fresh, off
}

// newBuffer provisions a buffer able to hold an n-byte reservation: a
// pooled, default-capacity buffer when n fits, or a dedicated non-pooled
// allocation sized exactly to n otherwise (spec.md §4.7: "Oversize results
// take a dedicated larger heap allocation, not pooled").
func (s *shared) newBuffer(n int) *responseBuffer {
	var buf *responseBuffer
	if n > s.bufferCap {
		buf = newResponseBuffer(n)
	} else {
		buf = s.engine.pool.get()
	}
	buf.target = s.target
	return buf
}

func (s *shared) stickResultCode(code txn.ResultCode) {
	for {
		cur := s.resultCode.Load()
		if txn.ResultCode(cur).Sticky() {
			return // already stuck on an earlier non-OK code; first one wins
		}
		if s.resultCode.CompareAndSwap(cur, uint32(code)) {
			return
		}
	}
}
