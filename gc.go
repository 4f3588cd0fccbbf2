package thmap

import (
	"sync/atomic"
	"unsafe"
)

// Retirement queue.
//
// Nodes and leaves unlinked from the tree cannot be freed immediately --
// a concurrent reader may still be mid-descent through one. Retired
// allocations are pushed onto a lock-free LIFO instead, and handed back
// to the allocator only when the caller, who alone knows when it is
// quiescent with respect to all prior readers, calls Drain.
//
// gcNode is bookkeeping only: it is never written into the arena, so it
// is allocated with plain new rather than through the bound Ops.

type gcNode struct {
	next   unsafe.Pointer
	offset uint64
	length uint32
}

// stageGC pushes a retired allocation onto the queue. Safe to call from
// inside a locked region or outside one.
func (m *Map) stageGC(offset uint64, length uint32) {
	n := &gcNode{offset: offset, length: length}

	for {
		head := atomic.LoadPointer(&m.gcHead)
		n.next = head
		if atomic.CompareAndSwapPointer(&m.gcHead, head, unsafe.Pointer(n)) {
			return
		}
	}
}

// Drain atomically detaches the current retirement queue and frees every
// allocation on it via the bound Ops.Free. The caller must not call
// Drain until it has established, by whatever quiescence mechanism it
// uses, that no reader could still be referencing a retired node.
func (m *Map) Drain() int {
	head := atomic.SwapPointer(&m.gcHead, nil)

	freed := 0
	for head != nil {
		n := (*gcNode)(head)
		m.ops.Free(n.offset, n.length)
		head = n.next
		freed++
	}
	return freed
}
