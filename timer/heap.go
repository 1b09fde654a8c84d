// Package timer provides the idle-timeout manager: a binary min-heap of
// deadlines keyed by connection descriptor, with an index map so any entry
// can be refreshed or cancelled in O(log n).
package timer

import (
	"sync"
	"time"
)

// Callback is invoked once when an entry expires.
type Callback func()

type node struct {
	id      int
	expires time.Time
	cb      Callback
}

// Heap is an indexed min-heap of expiry instants. It is safe for
// concurrent use. Callbacks are always run without the heap lock held, so
// they may call back into the Heap (typically Remove).
type Heap struct {
	mu   sync.Mutex
	heap []node
	ref  map[int]int
	now  func() time.Time
}

// Option configures a Heap.
type Option func(*Heap)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Heap) { h.now = now }
}

// New creates an empty Heap.
func New(opts ...Option) *Heap {
	h := &Heap{
		heap: make([]node, 0, 64),
		ref:  make(map[int]int),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Len returns the number of tracked entries.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.heap)
}

// Add starts tracking id with a deadline timeout from now, or refreshes
// the deadline and callback if id is already tracked.
func (h *Heap) Add(id int, timeout time.Duration, cb Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()

	expires := h.now().Add(timeout)
	if i, ok := h.ref[id]; ok {
		h.heap[i].expires = expires
		h.heap[i].cb = cb
		if !h.siftDown(i, len(h.heap)) {
			h.siftUp(i)
		}
		return
	}

	i := len(h.heap)
	h.ref[id] = i
	h.heap = append(h.heap, node{id: id, expires: expires, cb: cb})
	h.siftUp(i)
}

// Adjust pushes the deadline of an existing entry to timeout from now.
// Unknown ids are ignored.
func (h *Heap) Adjust(id int, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i, ok := h.ref[id]
	if !ok {
		return
	}
	h.heap[i].expires = h.now().Add(timeout)
	if !h.siftDown(i, len(h.heap)) {
		h.siftUp(i)
	}
}

// Remove cancels id without running its callback. It reports whether the
// entry was present.
func (h *Heap) Remove(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	i, ok := h.ref[id]
	if !ok {
		return false
	}
	h.del(i)
	return true
}

// Pop removes the entry with the earliest deadline without running its
// callback.
func (h *Heap) Pop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.heap) > 0 {
		h.del(0)
	}
}

// Clear drops every entry.
func (h *Heap) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heap = h.heap[:0]
	clear(h.ref)
}

// Tick removes every expired entry and then runs their callbacks in
// deadline order. Each callback runs exactly once.
func (h *Heap) Tick() {
	var expired []Callback

	h.mu.Lock()
	now := h.now()
	for len(h.heap) > 0 {
		root := h.heap[0]
		if root.expires.After(now) {
			break
		}
		expired = append(expired, root.cb)
		h.del(0)
	}
	h.mu.Unlock()

	for _, cb := range expired {
		if cb != nil {
			cb()
		}
	}
}

// NextDeadline runs Tick and returns the time until the earliest remaining
// deadline, or -1 when nothing is tracked. The result is never negative
// otherwise.
func (h *Heap) NextDeadline() time.Duration {
	h.Tick()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.heap) == 0 {
		return -1
	}
	d := h.heap[0].expires.Sub(h.now())
	if d < 0 {
		d = 0
	}
	return d
}

func (h *Heap) less(i, j int) bool {
	return h.heap[i].expires.Before(h.heap[j].expires)
}

func (h *Heap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.ref[h.heap[i].id] = i
	h.ref[h.heap[j].id] = j
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

// siftDown restores the heap below index within the first n slots and
// reports whether the node moved.
func (h *Heap) siftDown(index, n int) bool {
	i := index
	child := 2*i + 1
	for child < n {
		if child+1 < n && h.less(child+1, child) {
			child++
		}
		if !h.less(child, i) {
			break
		}
		h.swap(i, child)
		i = child
		child = 2*i + 1
	}
	return i > index
}

func (h *Heap) del(i int) {
	last := len(h.heap) - 1
	if i < last {
		h.swap(i, last)
		if !h.siftDown(i, last) {
			h.siftUp(i)
		}
	}
	delete(h.ref, h.heap[last].id)
	h.heap[last] = node{}
	h.heap = h.heap[:last]
}
