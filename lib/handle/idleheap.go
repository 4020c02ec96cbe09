package handle

import "container/heap"

// idleItem is one tracked handle in the idle-reaper priority queue, keyed by
// handle id and prioritized by last-used timestamp (nanoseconds since
// epoch) — oldest (smallest) first.
type idleItem struct {
	id       uint64
	lastUsed int64
	index    int
}

// idleHeap combines a binary heap with a map for O(1) key lookup, adapted
// from lib/db/util/mapheap.go's garbage-collection MapHeap for the
// connection idle reaper: touch(id, lastUsedNanos) records or refreshes a
// handle's last-use time, and the reaper repeatedly reads the oldest entry
// (oldest) to decide whether it has crossed the idle threshold.
type idleHeap struct {
	items []*idleItem
	byID  map[uint64]*idleItem
}

func newIdleHeap() *idleHeap {
	return &idleHeap{byID: make(map[uint64]*idleItem)}
}

func (h *idleHeap) Len() int { return len(h.items) }

func (h *idleHeap) Less(i, j int) bool {
	return h.items[i].lastUsed < h.items[j].lastUsed
}

func (h *idleHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *idleHeap) Push(x interface{}) {
	it := x.(*idleItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.byID[it.id] = it
}

func (h *idleHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.byID, it.id)
	return it
}

// touch records id as last used at lastUsed, inserting or updating in place.
func (h *idleHeap) touch(id uint64, lastUsed int64) {
	if it, ok := h.byID[id]; ok {
		it.lastUsed = lastUsed
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &idleItem{id: id, lastUsed: lastUsed})
}

// remove drops id from tracking, e.g. when its handle closes.
func (h *idleHeap) remove(id uint64) {
	it, ok := h.byID[id]
	if !ok {
		return
	}
	heap.Remove(h, it.index)
}

// oldest returns the least-recently-used tracked id without removing it.
func (h *idleHeap) oldest() (uint64, int64, bool) {
	if len(h.items) == 0 {
		return 0, 0, false
	}
	return h.items[0].id, h.items[0].lastUsed, true
}
