package thmap

import (
	"bytes"
	"sync/atomic"
	"unsafe"
)

// Leaf operations.
//
// A leaf is a fixed 24-byte raw record: keyOffset(8), keyLen(8),
// value(8). Leaves are immutable after publication -- an update to an
// existing key replaces the leaf wholesale, it never mutates one in
// place, which is what lets readers load a leaf's fields without a lock.

func leafKeyOffsetAddr(leaf unsafe.Pointer) *uint64 {
	return (*uint64)(leaf)
}

func leafKeyLenAddr(leaf unsafe.Pointer) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(leaf) + 8))
}

func leafValueAddr(leaf unsafe.Pointer) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(leaf) + 16))
}

// createLeaf allocates and fills in a new leaf for key/value; Insert
// publishes it into the tree. In copy
// mode (the default) the key bytes are copied into a fresh allocation;
// under NoCopy the leaf borrows the caller's buffer, stored as the
// offset of its first byte within this map's address space.
func (m *Map) createLeaf(key []byte, value Value) (uint64, error) {
	leafOff := m.ops.Alloc(leafSize)
	if leafOff == 0 {
		return 0, ErrAllocFailed
	}
	leafAddr := m.toAddr(leafOff)

	var keyOff uint64
	if m.flags&NoCopy != 0 {
		if len(key) > 0 {
			keyOff = m.toOffset(unsafe.Pointer(&key[0]))
		}
	} else {
		off, err := m.copyKey(key)
		if err != nil {
			m.ops.Free(leafOff, leafSize)
			return 0, err
		}
		keyOff = off
	}

	atomic.StoreUint64(leafKeyOffsetAddr(leafAddr), keyOff)
	atomic.StoreUint64(leafKeyLenAddr(leafAddr), uint64(len(key)))
	atomic.StoreUint64(leafValueAddr(leafAddr), value)

	return leafOff, nil
}

func (m *Map) copyKey(key []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, nil
	}
	off := m.ops.Alloc(uint32(len(key)))
	if off == 0 {
		return 0, ErrAllocFailed
	}
	dst := unsafe.Slice((*byte)(m.toAddr(off)), len(key))
	copy(dst, key)
	return off, nil
}

// freeLeaf releases a pre-allocated leaf that was never published into
// the tree (the duplicate-key and allocation-failure paths of Insert).
func (m *Map) freeLeaf(leafOff uint64) {
	leafAddr := m.toAddr(leafOff)
	if m.flags&NoCopy == 0 {
		keyLen := atomic.LoadUint64(leafKeyLenAddr(leafAddr))
		if keyLen > 0 {
			keyOff := atomic.LoadUint64(leafKeyOffsetAddr(leafAddr))
			m.ops.Free(keyOff, uint32(keyLen))
		}
	}
	m.ops.Free(leafOff, leafSize)
}

// leafKeyBytes returns the key bytes backing a published leaf.
func (m *Map) leafKeyBytes(leaf unsafe.Pointer) []byte {
	keyLen := atomic.LoadUint64(leafKeyLenAddr(leaf))
	if keyLen == 0 {
		return nil
	}
	keyOff := atomic.LoadUint64(leafKeyOffsetAddr(leaf))
	// Key offsets carry no tag, and a borrowed (NoCopy) key need not be
	// 4-byte aligned, so the offset is used unmasked.
	return unsafe.Slice((*byte)(unsafe.Pointer(m.baseptr+uintptr(keyOff))), keyLen)
}

func (m *Map) leafKeyEqual(leaf unsafe.Pointer, key []byte) bool {
	return bytes.Equal(m.leafKeyBytes(leaf), key)
}

// leafSlotAtLevel computes the slot a published leaf's key would occupy
// at the given level -- used when expanding a collision to reposition
// the existing leaf alongside the new one.
func (m *Map) leafSlotAtLevel(leaf unsafe.Pointer, level int) int {
	q := newHashQuery(level)
	return q.slot(m.leafKeyBytes(leaf), m.hashSeed)
}
