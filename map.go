package thmap

import (
	"sync/atomic"
	"unsafe"
)

// Create builds a map whose arena begins at baseptr, using ops for all
// allocation. This is the literal low-level constructor: the caller owns
// baseptr/ops pairing, which matters when the arena is shared across
// processes and baseptr differs between them even though the underlying
// bytes are the same.
func Create(baseptr uintptr, opts Options) (*Map, error) {
	if !aligned4(baseptr) {
		return nil, ErrMisalignedBase
	}
	if opts.Ops == nil || opts.Ops.Alloc == nil || opts.Ops.Free == nil {
		return nil, errMissingOps
	}

	m := &Map{
		baseptr:  baseptr,
		flags:    opts.Flags,
		ops:      opts.Ops,
		hashSeed: opts.HashSeed,
	}

	size := inodeSize(rootFanout)
	rootOff := m.ops.Alloc(size)
	if rootOff == 0 {
		return nil, ErrAllocFailed
	}
	if !aligned4(uintptr(rootOff)) {
		return nil, ErrMisalignedBase
	}

	root := m.toAddr(rootOff)
	zeroMemory(root, size)
	m.root = root

	return m, nil
}

// New is a convenience constructor for the common single-process case:
// it installs a default in-process HeapArena and derives baseptr from
// it automatically, so callers who don't need cross-process sharing
// never have to think about offsets at all.
func New(opts ...Options) (*Map, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	if o.Ops == nil {
		arena := NewHeapArena(defaultHeapCapacity)
		o.Ops = arena.Ops()
		return Create(arena.BasePtr(), o)
	}

	return Create(0, o)
}

// Attach builds a Map handle over an arena a different call to Create
// already initialized, without re-allocating or re-zeroing the root.
// It assumes the root occupies the arena's very first allocation (offset
// arenaReserved in a HeapArena or SharedArena), which holds for any
// arena that has never freed anything before Create ran -- true of a
// freshly created SharedArena, and the reason thmapdemo's child process
// can use it to attach to the parent's tree.
func Attach(baseptr uintptr, ops *Ops) *Map {
	m := &Map{baseptr: baseptr, ops: ops}
	m.root = m.toAddr(arenaReserved)
	return m
}

// Destroy releases the root node back to the bound allocator. It does
// not walk and free the rest of the tree or drain the retirement queue
// -- callers that need a full teardown should Remove every key (or
// simply discard the whole backing arena) themselves; Destroy only
// undoes what Create allocated.
func (m *Map) Destroy() {
	m.ops.Free(m.toOffset(m.root), inodeSize(rootFanout))
	atomic.StorePointer(&m.gcHead, nil)
	m.root = unsafe.Pointer(nil)
}
