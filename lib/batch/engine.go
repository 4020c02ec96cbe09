package batch

import (
	"context"
	"sync"
	"time"

	"github.com/asnode/txcore/lib/metrics"
	"github.com/asnode/txcore/lib/storage"
	"github.com/asnode/txcore/lib/txn"
	"github.com/asnode/txcore/lib/wire"
)

// Config bundles the batch engine's tunables, per spec.md §6's
// batch-index-threads / batch-max-buffers-per-queue / batch-max-requests
// config surface.
type Config struct {
	Workers            int
	BufferCapacity     int
	MaxUnusedBuffers   int
	MaxRecordSize      int
	MaxBuffersPerQueue int32
	MaxRequests        int
	Disabled           bool
}

// Engine is the batch read pipeline: it fans a parsed batch request out
// into one OriginBatchSub sub-transaction per row, and owns the fixed pool
// of response workers those sub-transactions' replies are packed through.
// Grounded on original_source/as/src/base/batch.c's worker-pool dispatch
// and rpc/server/server.go's shard-modulo connection routing.
type Engine struct {
	storage storage.Engine
	metrics *metrics.Registry

	mu         sync.Mutex
	workers    []*worker
	nextWorker int

	pool          *bufferPool
	bufferCap     int
	maxRecordSize int
	maxPerQueue   int32
	maxRequests   int
	disabled      bool
}

// DefaultMaxRecordSize bounds a single row's packed reply; a reply larger
// than this has RECORD_TOO_BIG stuck into that row rather than growing a
// buffer without bound (spec.md §4.7/§8).
const DefaultMaxRecordSize = 1024 * 1024

func NewEngine(store storage.Engine, m *metrics.Registry, cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BufferCapacity < 1 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}
	if cfg.MaxUnusedBuffers < 1 {
		cfg.MaxUnusedBuffers = 256
	}
	if cfg.MaxRecordSize < 1 {
		cfg.MaxRecordSize = DefaultMaxRecordSize
	}
	if cfg.MaxBuffersPerQueue < 1 {
		cfg.MaxBuffersPerQueue = 8
	}
	e := &Engine{
		storage:       store,
		metrics:       m,
		pool:          newBufferPool(cfg.MaxUnusedBuffers, cfg.BufferCapacity),
		bufferCap:     cfg.BufferCapacity,
		maxRecordSize: cfg.MaxRecordSize,
		maxPerQueue:   cfg.MaxBuffersPerQueue,
		maxRequests:   cfg.MaxRequests,
		disabled:      cfg.Disabled,
	}
	e.workers = make([]*worker, cfg.Workers)
	for i := range e.workers {
		e.workers[i] = newWorker(e, i, cfg.MaxBuffersPerQueue)
	}
	return e
}

// Submit parses and fans out one batch request. It returns a ResultCode
// error for request-level rejections (disabled, too many rows) that never
// reach a per-row sub-transaction; per-row failures are reported through
// the wire protocol itself, not this return value.
func (e *Engine) Submit(ctx context.Context, conn Conn, namespace string, rows []wire.BatchRow) error {
	if e.disabled {
		return txn.NewError(txn.BatchDisabled, "batch requests are disabled")
	}
	if len(rows) == 0 {
		return txn.NewError(txn.Parameter, "batch request has zero rows")
	}
	if e.maxRequests > 0 && len(rows) > e.maxRequests {
		return txn.NewError(txn.BatchMaxRequests, "batch of %d rows exceeds max %d", len(rows), e.maxRequests)
	}

	w := e.pickWorker()
	sh := newShared(e, w, namespace, conn, len(rows), e.bufferCap)

	for _, row := range rows {
		row := row
		tx := txn.New(namespace, row.Digest, txn.OriginBatchSub, txn.NewBatchFrom(sh))
		tx.FromData = uint64(row.Index)
		go e.runSubTransaction(ctx, tx, row)
	}
	return nil
}

// pickWorker assigns a batch's buffers to a worker by round robin, skipping
// any worker a Resize has marked inactive; actual per-buffer placement
// still falls through submitBuffer's saturation search if that worker is
// backed up when a given buffer seals.
func (e *Engine) pickWorker() *worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.workers)
	for i := 0; i < n; i++ {
		idx := e.nextWorker
		e.nextWorker = (e.nextWorker + 1) % n
		if e.workers[idx].isActive() {
			return e.workers[idx]
		}
	}
	return e.workers[e.nextWorker]
}

// submitBuffer hands a sealed buffer to preferred's queue, or — if that
// queue is at its configured depth — searches the rest of the pool
// alternating backward and forward from preferred's position (preferred-1,
// preferred+1, preferred-2, ...)
// (SUPPLEMENTED FEATURES item 2: "backward/forward worker reassignment on
// saturation"). If every worker is saturated the buffer is still written,
// synchronously on the calling goroutine, rather than dropped: a batch
// reply is never silently lost, but the overload is counted.
func (e *Engine) submitBuffer(preferred *worker, buf *responseBuffer) {
	e.mu.Lock()
	workers := e.workers
	e.mu.Unlock()

	n := len(workers)
	for step := 0; step < n; step++ {
		var idx int
		if step%2 == 0 {
			idx = (preferred.id + step/2) % n
		} else {
			idx = ((preferred.id-step/2-1)%n + n) % n
		}
		if workers[idx].trySubmit(buf) {
			return
		}
	}

	if e.metrics != nil {
		e.metrics.IncBatchQueuesFull()
	}
	if sendBuffer(buf) {
		e.pool.put(buf)
	}
}

// Resize changes the worker pool size. Growing adds fresh workers upward;
// shrinking hands off to shrinkTo, which may abort rather than discard an
// in-flight batch's buffers (spec.md §4.7).
func (e *Engine) Resize(newCount int) {
	if newCount < 1 {
		newCount = 1
	}

	e.mu.Lock()
	old := e.workers
	e.mu.Unlock()
	if newCount == len(old) {
		return
	}

	if newCount > len(old) {
		e.growTo(newCount, old)
		return
	}
	e.shrinkTo(newCount, old)
}

// growTo appends fresh workers without disturbing any batch in flight on
// the existing ones.
func (e *Engine) growTo(newCount int, old []*worker) {
	next := make([]*worker, newCount)
	copy(next, old)
	for i := len(old); i < newCount; i++ {
		next[i] = newWorker(e, i, e.maxPerQueue)
	}

	e.mu.Lock()
	e.workers = next
	e.mu.Unlock()
}

// shrinkTo marks the surplus workers inactive so new batches stop being
// assigned there, then waits up to 30s (polling every 500ms) for their
// queues to drain naturally before removing them from the active set. If
// the drain doesn't finish in time, the resize is aborted and the surplus
// queues are re-activated rather than discarding whatever they were still
// draining (spec.md §4.7: "if the drain times out, the resize is aborted
// and the queues are re-activated").
func (e *Engine) shrinkTo(newCount int, old []*worker) {
	e.shrinkToWithDeadline(newCount, old, 30*time.Second, 500*time.Millisecond)
}

// shrinkToWithDeadline is shrinkTo with the drain timeout and poll interval
// as parameters, so tests can exercise the abort path without a real 30s
// wait.
func (e *Engine) shrinkToWithDeadline(newCount int, old []*worker, timeout, pollInterval time.Duration) {
	keep := old[:newCount]
	surplus := old[newCount:]
	for _, w := range surplus {
		w.setActive(false)
	}

	deadline := time.Now().Add(timeout)
	drained := make([]bool, len(surplus))
	var wg sync.WaitGroup
	for i, w := range surplus {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			drained[i] = w.waitDrained(deadline, pollInterval)
		}()
	}
	wg.Wait()

	for _, ok := range drained {
		if ok {
			continue
		}
		for _, w := range surplus {
			w.setActive(true)
		}
		log.Warningf("batch pool resize to %d aborted: surplus queue drain timed out", newCount)
		return
	}

	for _, w := range surplus {
		w.retire()
	}

	e.mu.Lock()
	e.workers = keep
	e.nextWorker = 0
	e.mu.Unlock()
}
