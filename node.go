package thmap

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Intermediate node operations.
//
// A node is a raw byte region: a 16-byte header (state uint32, 4 bytes
// of padding, parent uint64) followed immediately by a slot array of
// uint64 offsets, 64 slots at the root and 16 everywhere else. Nodes are
// reached purely by unsafe.Pointer arithmetic over the arena the bound
// allocator hands out -- there is no separate Go object per node, so a
// concurrent reader's slot load is always a load straight from the
// shared arena, with no private Go-object copy to go stale.

func stateAddr(node unsafe.Pointer) *uint32 {
	return (*uint32)(node)
}

func parentAddr(node unsafe.Pointer) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(node) + 8))
}

func slotAddr(node unsafe.Pointer, slot int) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(node) + inodeHeaderSize + uintptr(slot)*8))
}

func loadState(node unsafe.Pointer) uint32 {
	return atomic.LoadUint32(stateAddr(node))
}

func occupancy(state uint32) uint32 {
	return state & nodeCountMask
}

func nodeLockedP(node unsafe.Pointer) bool {
	return loadState(node)&nodeLocked != 0
}

func nodeDeletedP(node unsafe.Pointer) bool {
	return loadState(node)&nodeDeleted != 0
}

// lockNode spins with bounded exponential backoff until it wins the
// LOCKED bit via CAS. The successful CAS provides the full memory fence
// lock acquisition needs: every write made under the previous holder is
// visible to this one.
func lockNode(node unsafe.Pointer) {
	sp := stateAddr(node)
	backoff := 1

	for {
		s := atomic.LoadUint32(sp)
		if s&nodeLocked == 0 {
			if atomic.CompareAndSwapUint32(sp, s, s|nodeLocked) {
				return
			}
			backoff = 1
			continue
		}
		spinBackoff(&backoff)
	}
}

// unlockNode issues a release fence (via the atomic store) before
// clearing the LOCKED bit, publishing every prior write made while the
// node was held.
func unlockNode(node unsafe.Pointer) {
	sp := stateAddr(node)
	s := atomic.LoadUint32(sp)
	atomic.StoreUint32(sp, s&^nodeLocked)
}

const maxBackoff = 1 << 10

func spinBackoff(backoff *int) {
	for i := 0; i < *backoff; i++ {
		runtime.Gosched()
	}
	if *backoff < maxBackoff {
		*backoff *= 2
	}
}

// markDeleted sets the DELETED bit. Precondition: node locked, occupancy
// zero. The caller is responsible for the subsequent unlockNode that
// publishes this change.
func markDeleted(node unsafe.Pointer) {
	sp := stateAddr(node)
	s := atomic.LoadUint32(sp)
	atomic.StoreUint32(sp, s|nodeDeleted)
}

// addCount adjusts the occupancy count by delta. Precondition: node
// locked -- the lock already serializes writers, so this need not be a
// CAS loop.
func addCount(node unsafe.Pointer, delta int32) {
	atomic.AddUint32(stateAddr(node), uint32(delta))
}

// nodeInsert publishes child into slot. Precondition: node locked, not
// deleted, slot empty.
func nodeInsert(node unsafe.Pointer, slot int, child uint64) {
	atomic.StoreUint64(slotAddr(node, slot), child)
	addCount(node, 1)
}

// nodeRemove clears slot. Precondition: node locked, not deleted, slot
// non-empty, occupancy > 0.
func nodeRemove(node unsafe.Pointer, slot int) {
	atomic.StoreUint64(slotAddr(node, slot), 0)
	addCount(node, -1)
}

// createNode allocates, zero-initializes, and returns a new, already
// locked intermediate node with the given parent. Every level below the
// root has levelFanout slots.
func (m *Map) createNode(parent unsafe.Pointer) (addr unsafe.Pointer, offset uint64, err error) {
	size := inodeSize(levelFanout)
	off := m.ops.Alloc(size)
	if off == 0 {
		return nil, 0, ErrAllocFailed
	}
	if !aligned4(uintptr(off)) {
		return nil, 0, ErrMisalignedBase
	}

	addr = m.toAddr(off)
	zeroMemory(addr, size)
	atomic.StoreUint32(stateAddr(addr), nodeLocked)
	atomic.StoreUint64(parentAddr(addr), m.toOffset(parent))

	return addr, off, nil
}
