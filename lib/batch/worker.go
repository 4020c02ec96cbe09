package batch

import (
	"sync/atomic"
	"time"

	"github.com/asnode/txcore/lib/queue"
)

// worker owns one response queue and the goroutine draining it. A fixed
// pool of workers is shared across every batch request on the node, per
// spec.md §4.7 ("a fixed pool of response workers; each owns a response
// queue"); sealed response buffers are handed to a worker rather than
// written inline so one slow client connection cannot stall another
// request's sub-transaction dispatch.
type worker struct {
	id       int
	engine   *Engine
	queue    *queue.MPSC[responseBuffer]
	depth    atomic.Int32 // approximate queued-buffer count, for maxDepth checks
	maxDepth int32
	active   atomic.Bool
}

func newWorker(e *Engine, id int, maxDepth int32) *worker {
	w := &worker{id: id, engine: e, queue: queue.NewMPSC[responseBuffer](), maxDepth: maxDepth}
	w.active.Store(true)
	go w.run()
	return w
}

// setActive flips whether the worker accepts new submissions; Engine.Resize
// uses this to take a worker out of rotation before draining it.
func (w *worker) setActive(v bool) { w.active.Store(v) }

func (w *worker) isActive() bool { return w.active.Load() }

// trySubmit enqueues buf if the worker is active and its queue has room.
// Returns false if either check fails, letting the caller try a different
// worker (SUPPLEMENTED FEATURES item 2).
func (w *worker) trySubmit(buf *responseBuffer) bool {
	if !w.isActive() {
		return false
	}
	if w.depth.Load() >= w.maxDepth {
		return false
	}
	if !w.queue.Push(buf) {
		return false
	}
	w.depth.Add(1)
	return true
}

func (w *worker) run() {
	for buf := range w.queue.Recv() {
		w.depth.Add(-1)
		if sendBuffer(buf) && w.engine != nil {
			w.engine.pool.put(buf)
		}
	}
}

// sendBuffer writes a sealed buffer's packed frame to its connection,
// followed by the batch trailer if this was the batch's last buffer. On any
// write failure the connection is force-closed and no further buffers for
// that batch are attempted (spec.md §4.7: "On any send failure, the handle
// is force-closed and further buffers for that batch are dropped"). Returns
// true only when both writes (or the single frame write, if there is no
// trailer) succeeded, so the caller knows whether buf is safe to recycle.
func sendBuffer(buf *responseBuffer) bool {
	if buf.target == nil {
		return false
	}
	if _, err := buf.target.Write(buf.frame()); err != nil {
		log.Debugf("batch response write failed: %v", err)
		buf.target.forceClose()
		return false
	}
	if buf.trailer != nil {
		if _, err := buf.target.Write(buf.trailer); err != nil {
			log.Debugf("batch trailer write failed: %v", err)
			buf.target.forceClose()
			return false
		}
	}
	return true
}

// waitDrained polls the worker's queued-buffer count until it reaches zero
// or deadline passes, without closing the input queue — a caller that sees
// false back out (e.g. reactivate the worker) still has a live queue to
// keep draining into. Assumes the caller has already called setActive(false)
// so no new submissions can arrive to race the drain.
func (w *worker) waitDrained(deadline time.Time, pollInterval time.Duration) bool {
	for {
		if w.depth.Load() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// retire permanently closes the worker's queue once its drain has been
// confirmed complete and it is no longer accepting submissions; its
// consumer goroutine exits once the (now-empty) queue reports closed.
func (w *worker) retire() { w.queue.Close() }
