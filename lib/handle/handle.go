// Package handle implements the reference-counted connection handle
// registry: acquire/release semantics that guarantee each handle closes
// exactly once, an idle reaper, and a periodic authentication-cache refresh
// hook, per spec.md §4.4. Grounded on
// rpc/transport/base/server.go's serverTransport.handleConnection
// ref/sync.WaitGroup bookkeeping and lib/db/util/mapheap.go's heap+map
// priority queue, repurposed here as the idle-timestamp reaper.
package handle

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asnode/txcore/lib/fault"
)

var log = fault.Get("handle")

// AuthRefresher refreshes a handle's authentication state on a schedule;
// the production implementation lives outside this module's scope (spec.md
// §1 excludes cryptography) — Registry only calls it on a timer.
type AuthRefresher interface {
	Refresh(id uint64)
}

// Handle is one ref-counted connection handle. The last Release closes the
// socket, drops any partial-frame buffer and auth filter, and notifies the
// registry so the open-connection statistic and idle tracking stay
// consistent.
type Handle struct {
	ID     uint64
	Conn   net.Conn
	refs   atomic.Int32
	closed atomic.Bool

	doNotReap atomic.Bool

	mu           sync.Mutex
	partialFrame []byte // set by the reactor while reassembling a frame
	authFilter   interface{}

	registry *Registry
}

// SetPartialFrame stashes the reactor's in-progress frame buffer so it is
// released if the handle closes mid-read.
func (h *Handle) SetPartialFrame(buf []byte) {
	h.mu.Lock()
	h.partialFrame = buf
	h.mu.Unlock()
}

func (h *Handle) PartialFrame() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.partialFrame
}

// SetDoNotReap marks h as exempt from the idle reaper, e.g. while a
// transaction is actively in flight on it.
func (h *Handle) SetDoNotReap(v bool) { h.doNotReap.Store(v) }

// Acquire takes an additional reference on h. Must be balanced by Release.
func (h *Handle) Acquire() {
	h.refs.Add(1)
}

// Release drops a reference; the last one closes the underlying socket.
// Releasing an already-closed handle is a critical failure (idempotence is
// explicitly NOT a no-op per spec.md §8).
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		log.Critical("handle %d released with ref count already at zero", h.ID)
		return
	}
	h.close()
}

// ForceClose shuts the socket (guaranteeing the peer observes EOF) before
// the normal ref-counted teardown.
func (h *Handle) ForceClose() {
	if h.Conn != nil {
		_ = h.Conn.Close()
	}
	h.Release()
}

// Write satisfies io.Writer (and so batch.Conn) by writing directly to the
// underlying connection, letting a *Handle be passed anywhere a send target
// is needed without exposing the raw net.Conn.
func (h *Handle) Write(p []byte) (int, error) {
	return h.Conn.Write(p)
}

func (h *Handle) close() {
	if !h.closed.CompareAndSwap(false, true) {
		log.Critical("handle %d closed twice", h.ID)
		return
	}
	if h.Conn != nil {
		_ = h.Conn.Close()
	}
	h.mu.Lock()
	h.partialFrame = nil
	h.authFilter = nil
	h.mu.Unlock()

	if h.registry != nil {
		h.registry.forget(h.ID)
	}
}

// Registry is the process-wide table of live handles. In the C source this
// is a slot table sized to the process fd limit with a free-slot queue; Go's
// GC and map make that indirection unnecessary, so Registry keeps a plain
// map guarded by a table-level mutex (per spec.md §5: "the table slot is
// guarded by a table-level mutex for insertion/removal, not per-access").
type Registry struct {
	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
	idle    *idleHeap
	open    atomic.Int64

	idleThreshold time.Duration
	refresher     AuthRefresher
	authPeriod    time.Duration

	stop chan struct{}
}

func NewRegistry(idleThreshold time.Duration) *Registry {
	return &Registry{
		handles:       make(map[uint64]*Handle),
		idle:          newIdleHeap(),
		idleThreshold: idleThreshold,
		stop:          make(chan struct{}),
	}
}

// SetAuthRefresher configures the periodic auth-cache refresh hook.
func (r *Registry) SetAuthRefresher(refresher AuthRefresher, period time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresher = refresher
	r.authPeriod = period
}

// New registers a fresh handle for conn with an initial reference count of
// one (held by the caller, typically the reactor's accept loop).
func (r *Registry) New(conn net.Conn) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	h := &Handle{ID: id, Conn: conn, registry: r}
	h.refs.Store(1)
	r.handles[id] = h
	r.idle.touch(id, time.Now().UnixNano())
	r.open.Add(1)
	return h
}

// Touch refreshes a handle's last-used timestamp, e.g. on every successful
// read or write.
func (r *Registry) Touch(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[id]; ok {
		r.idle.touch(id, time.Now().UnixNano())
	}
}

func (r *Registry) forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[id]; !ok {
		return
	}
	delete(r.handles, id)
	r.idle.remove(id)
	r.open.Add(-1)
}

// OpenCount returns the current open-connection count.
func (r *Registry) OpenCount() int64 { return r.open.Load() }

func (r *Registry) get(id uint64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Run drives the once-per-second reaper loop until Stop is called. It
// closes handles idle longer than idleThreshold (unless marked
// do-not-reap) and, on its own authPeriod cadence, invokes the configured
// AuthRefresher for every live handle.
func (r *Registry) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var sinceAuth time.Duration
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapOnce()
			sinceAuth += time.Second
			r.mu.Lock()
			refresher, period := r.refresher, r.authPeriod
			r.mu.Unlock()
			if refresher != nil && period > 0 && sinceAuth >= period {
				sinceAuth = 0
				r.refreshAuth(refresher)
			}
		}
	}
}

func (r *Registry) Stop() { close(r.stop) }

func (r *Registry) reapOnce() {
	now := time.Now().UnixNano()
	threshold := r.idleThreshold.Nanoseconds()

	for {
		r.mu.Lock()
		id, lastUsed, ok := r.idle.oldest()
		if !ok || now-lastUsed < threshold {
			r.mu.Unlock()
			return
		}
		h, ok := r.handles[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if h.doNotReap.Load() {
			// Re-touch so we don't spin on the same head-of-heap entry;
			// a later natural touch will reorder it regardless.
			r.Touch(id)
			continue
		}
		log.Debugf("reaping idle handle %d (idle %dms)", id, (now-lastUsed)/1e6)
		h.ForceClose()
	}
}

func (r *Registry) refreshAuth(refresher AuthRefresher) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		refresher.Refresh(id)
	}
}
