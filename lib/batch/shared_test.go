package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/txn"
	"github.com/asnode/txcore/lib/wire"
)

// failingConn is a Conn whose every Write fails, so the batch pipeline's
// send-failure path (force-close, buffer drop) can be exercised directly.
type failingConn struct {
	closes atomic.Int32
}

func (c *failingConn) Write(p []byte) (int, error) { return 0, errors.New("connection reset") }
func (c *failingConn) ForceClose()                 { c.closes.Add(1) }

// TestSendBufferForceClosesOnWriteFailure proves a failed write to a batch's
// connection force-closes it (spec.md §4.7) rather than just logging and
// moving on.
func TestSendBufferForceClosesOnWriteFailure(t *testing.T) {
	store := storage.NewMemEngine()
	var digest wire.Digest
	digest[0] = 9
	seedRecord(store, "test", digest, "x")

	engine := NewEngine(store, nil, Config{Workers: 1, BufferCapacity: DefaultBufferCapacity, MaxBuffersPerQueue: 4})
	conn := &failingConn{}

	if err := engine.Submit(context.Background(), conn, "test", []wire.BatchRow{{Index: 0, Digest: digest}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.closes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.closes.Load() != 1 {
		t.Fatalf("expected ForceClose called exactly once, got %d", conn.closes.Load())
	}
}

// TestSendBufferForceCloseIsIdempotentAcrossBuffers proves that when a
// single batch produces more than one sealed buffer and every send to the
// same connection fails, ForceClose is still only invoked once — the
// sendTarget's sync.Once guard, not the underlying Conn, enforces this.
func TestSendBufferForceCloseIsIdempotentAcrossBuffers(t *testing.T) {
	store := storage.NewMemEngine()
	var rows []wire.BatchRow
	for i := uint32(0); i < 4; i++ {
		var digest wire.Digest
		digest[0] = byte(i + 1)
		seedRecord(store, "test", digest, "same-length-value")
		rows = append(rows, wire.BatchRow{Index: i, Digest: digest, Ops: []wire.Op{{Op: wire.OpRead, Name: "v"}}})
	}

	// A tiny buffer capacity forces each row into its own buffer, so the
	// batch produces several sealed buffers destined for the same conn.
	engine := NewEngine(store, nil, Config{Workers: 2, BufferCapacity: 1, MaxBuffersPerQueue: 16})
	conn := &failingConn{}

	if err := engine.Submit(context.Background(), conn, "test", rows); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.closes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let any remaining in-flight sends land
	if got := conn.closes.Load(); got != 1 {
		t.Fatalf("expected ForceClose called exactly once across the whole batch, got %d", got)
	}
}

// TestBufferPoolReusesPooledBuffers proves a default-capacity buffer handed
// back via put is the one returned by a later get, rather than a fresh
// allocation every time (spec.md §4.7/§8).
func TestBufferPoolReusesPooledBuffers(t *testing.T) {
	pool := newBufferPool(4, DefaultBufferCapacity)

	b := pool.get()
	if !b.pooled {
		t.Fatalf("expected a freshly allocated pool buffer to be marked pooled")
	}
	b.bodySize.Store(123)
	pool.put(b)

	b2 := pool.get()
	if b2 != b {
		t.Fatalf("expected get() to return the buffer just released to the pool")
	}
	if b2.bodySize.Load() != 0 {
		t.Fatalf("expected reset() to have cleared bodySize, got %d", b2.bodySize.Load())
	}
}

// TestBufferPoolDropsOversizeBuffers proves a dedicated oversize buffer
// (pooled == false) is never accepted back into the free list.
func TestBufferPoolDropsOversizeBuffers(t *testing.T) {
	pool := newBufferPool(4, DefaultBufferCapacity)
	oversize := newResponseBuffer(DefaultBufferCapacity * 4)

	pool.put(oversize)

	select {
	case got := <-pool.free:
		t.Fatalf("expected no buffer in the free list, got %v", got)
	default:
	}
}

// TestSubmitSubResultStickRecordTooBigOnOversizeReply proves a reply that
// would exceed the engine's per-record cap is replaced with a RECORD_TOO_BIG
// row instead of growing a buffer without bound (spec.md §4.7/§8).
func TestSubmitSubResultStickRecordTooBigOnOversizeReply(t *testing.T) {
	engine := &Engine{bufferCap: DefaultBufferCapacity, maxRecordSize: 8, pool: newBufferPool(4, DefaultBufferCapacity)}
	w := &worker{id: 0}
	conn := &syncWriter{}

	sh := newShared(engine, w, "test", conn, 1, engine.bufferCap)
	sh.SubmitSubResult(0, txn.OK, []wire.Op{{Op: wire.OpRead, Name: "v", Value: []byte("a value definitely longer than eight bytes")}}, 1, 0)

	if code := txn.ResultCode(sh.resultCode.Load()); code != txn.RecordTooBig {
		t.Fatalf("expected sticky result code RECORD_TOO_BIG, got %v", code)
	}
}
