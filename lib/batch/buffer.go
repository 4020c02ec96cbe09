// Package batch implements the batch read pipeline: request row parsing,
// sub-transaction fan-out, the shared response-buffer protocol, and the
// per-worker send pipeline, per spec.md §4.7. Response buffer and worker
// queue design is grounded on lib/db/util/lockfreempsc.go (now lib/queue,
// each worker's queue) and rpc/server/server.go's shard-dispatch-by-modulo
// pattern; the writer-refcount and phantom-writer accounting is grounded
// on original_source/as/src/base/batch.c.
package batch

import (
	"sync/atomic"

	"github.com/asnode/txcore/lib/wire"
)

// DefaultBufferCapacity is the default packed response buffer size
// (spec.md §4.7/§8: "Results are packed into fixed-size buffers (default
// 128 KiB)").
const DefaultBufferCapacity = 128 * 1024

// responseBuffer packs multiple sub-transaction replies back-to-back into
// one wire frame. Its `writers` reference count follows spec.md §4.7/§9:
// created with writers=2 — one held by "this buffer is current", released
// only when a new buffer supersedes it; one held by the first reservation,
// consumed without a separate increment by whichever writer triggers the
// buffer's creation.
type responseBuffer struct {
	capacity  int
	body      []byte
	bodySize  atomic.Int64
	tranCount atomic.Int32
	writers   atomic.Int32
	isLast    atomic.Bool // set when this buffer holds the batch's final sub-transaction

	pooled   bool        // eligible to return to engine.pool once fully sent
	released atomic.Bool // guards against returning the same buffer to the pool twice

	target  *sendTarget // set once, before the buffer is ever shared across goroutines
	trailer []byte      // non-nil only on the batch's final buffer
}

func newResponseBuffer(capacity int) *responseBuffer {
	b := &responseBuffer{capacity: capacity, body: make([]byte, capacity)}
	b.writers.Store(2)
	return b
}

// reset restores a pooled buffer to its just-allocated state for reuse by a
// new batch; called only while the buffer sits outside any batch's reach
// (i.e. between bufferPool.put and the next bufferPool.get).
func (b *responseBuffer) reset() {
	b.bodySize.Store(0)
	b.tranCount.Store(0)
	b.writers.Store(2)
	b.isLast.Store(false)
	b.released.Store(false)
	b.target = nil
	b.trailer = nil
}

// bufferPool is a capped free list of default-capacity response buffers,
// reused across batches rather than allocated fresh per buffer (spec.md
// §4.7/§8: "allocated from a capped free pool ... returned to the pool on
// success, freed otherwise"). Oversize buffers (responseBuffer.pooled ==
// false) are never placed in it.
type bufferPool struct {
	capacity int
	free     chan *responseBuffer
}

func newBufferPool(maxUnused, capacity int) *bufferPool {
	if maxUnused < 1 {
		maxUnused = 1
	}
	if capacity < 1 {
		capacity = DefaultBufferCapacity
	}
	return &bufferPool{capacity: capacity, free: make(chan *responseBuffer, maxUnused)}
}

// get returns a pooled buffer ready for reuse, allocating a fresh one if
// the free list is currently empty.
func (p *bufferPool) get() *responseBuffer {
	select {
	case b := <-p.free:
		return b
	default:
		b := newResponseBuffer(p.capacity)
		b.pooled = true
		return b
	}
}

// put returns b to the free list on success, or drops it (for the GC to
// reclaim) if the list is already at capacity or b was never pooled to
// begin with. Putting the same buffer back twice is a critical failure
// (spec.md §8: "Releasing a buffer pool entry twice is a critical
// failure"), matching lib/handle.Handle's release-exactly-once invariant.
func (p *bufferPool) put(b *responseBuffer) {
	if !b.pooled {
		return
	}
	if !b.released.CompareAndSwap(false, true) {
		log.Critical("response buffer pool entry released twice")
		return
	}
	b.reset()
	select {
	case p.free <- b:
	default:
	}
}

// reserve claims space for a row's reply bytes. Returns the byte offset to
// write at, or ok=false if the buffer doesn't have room (caller must open a
// new buffer and retry there).
func (b *responseBuffer) reserve(n int) (offset int, ok bool) {
	newSize := b.bodySize.Add(int64(n))
	if int(newSize) > b.capacity {
		b.bodySize.Add(-int64(n))
		return 0, false
	}
	return int(newSize) - n, true
}

// writeAt copies payload into the buffer at offset, outside any lock — the
// offset from reserve already guarantees no two writers' ranges overlap.
func (b *responseBuffer) writeAt(offset int, payload []byte) {
	copy(b.body[offset:offset+len(payload)], payload)
}

// release drops n writer credits at once (1 for an ordinary commit, 2 for a
// commit that is simultaneously the batch's last row, since that row's
// buffer will never be superseded by a successor and so also gives up its
// "is current" credit). Returns true if this brought writers to zero,
// meaning the buffer is sealed and ready to hand to a send worker.
func (b *responseBuffer) release(n int32) (sealed bool) {
	return b.writers.Add(-n) == 0
}

// reserveWriter bumps the writer count for a writer joining an
// already-current buffer (i.e. not the one whose reservation created it).
func (b *responseBuffer) reserveWriter() {
	b.writers.Add(1)
}

func (b *responseBuffer) incTranCount() { b.tranCount.Add(1) }

// frame renders the buffer's contents as a single wire frame: a frame
// header sized to the bytes actually written, followed by the packed body.
func (b *responseBuffer) frame() []byte {
	size := b.bodySize.Load()
	header := wire.ComposeFrameHeader(wire.Header{Version: wire.Version, Type: wire.FrameData, Size: uint64(size)})
	out := make([]byte, 0, len(header)+int(size))
	out = append(out, header...)
	out = append(out, b.body[:size]...)
	return out
}

// composeRowReply renders one sub-transaction's result as raw data-message
// bytes (no frame header of its own — multiple rows share one frame),
// overloading transaction_ttl with the row's batch index per spec.md §9.
func composeRowReply(code uint8, generation, voidTime uint32, rowIndex uint32, ops []wire.Op) []byte {
	h := wire.DataHeader{
		HeaderSz:       wire.DataHeaderSize,
		ResultCode:     code,
		Generation:     generation,
		RecordTTL:      voidTime,
		TransactionTTL: rowIndex,
	}
	return wire.ComposeDataMessage(h, nil, ops)
}
