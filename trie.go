package thmap

import (
	"runtime/debug"
	"sync/atomic"
	"unsafe"
)

// findEdgeNode descends the tree without acquiring any lock, following
// the acquire-ordered slot loads the read path requires, until it
// reaches a node whose slot at the current level is either empty or a
// leaf -- the edge node. It returns that node, the slot index within it,
// and the value already observed there (so callers that only need to
// read, like Lookup, don't need a second load).
//
// This is the one place an untrusted, previously-stored offset gets
// dereferenced before any validation of the node it's supposed to point
// at, so it's the one place a corrupted or misaligned offset turns into
// an unsafe.Pointer panic. The deferred recover converts that into
// ErrCorruptedArena instead of letting it unwind into the caller.
func (m *Map) findEdgeNode(q *hashQuery, key []byte) (node unsafe.Pointer, slot int, target uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			node, slot, target = nil, 0, 0
			err = ErrCorruptedArena
		}
	}()
	// Make a fault on a bad address a recoverable panic for the recover
	// above; the previous setting is restored on return.
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	node = m.root
	slot = q.slot(key, m.hashSeed)
	target = atomic.LoadUint64(slotAddr(node, slot))

	for target != 0 && !isLeaf(target) {
		q.level++
		slot = q.slot(key, m.hashSeed)
		node = m.toAddr(target)
		target = atomic.LoadUint64(slotAddr(node, slot))
	}

	return node, slot, target, nil
}

// findEdgeNodeLocked finds the edge node and locks it, re-checking that
// the tree hasn't changed shape underneath it (another writer deleted
// the node, or expanded the target slot into an intermediate node)
// since it was observed unlocked. On a stale observation it unlocks and
// restarts the descent from the root.
func (m *Map) findEdgeNodeLocked(q *hashQuery, key []byte) (node unsafe.Pointer, slot int, err error) {
	for {
		node, slot, _, err = m.findEdgeNode(q, key)
		if err != nil {
			return nil, 0, err
		}
		lockNode(node)

		if nodeDeletedP(node) {
			unlockNode(node)
			q.level = 0
			continue
		}

		target := atomic.LoadUint64(slotAddr(node, slot))
		if target != 0 && !isLeaf(target) {
			unlockNode(node)
			q.level = 0
			continue
		}

		return node, slot, nil
	}
}

// Lookup traverses the tree lock-free and returns the value stored for
// key, or (defaultValue(), false) on a miss. The linearization point is
// the final slot load that resolves to a leaf or to empty. A corrupted
// arena is reported the same way a miss is -- Lookup never returns an
// error, matching the external interface's "a miss is a zero/false
// return, not an error" contract.
func (m *Map) Lookup(key []byte) (Value, bool) {
	q := newHashQuery(0)
	_, _, target, err := m.findEdgeNode(&q, key)
	if err != nil {
		return defaultValue(), false
	}

	if target == 0 {
		return defaultValue(), false
	}

	leaf := m.toAddr(target)
	if !m.leafKeyEqual(leaf, key) {
		return defaultValue(), false
	}

	return atomic.LoadUint64(leafValueAddr(leaf)), true
}

// Insert stores value under key if key is absent, or leaves the map
// unchanged and returns the value already stored if key is present. A
// non-nil error (ErrAllocFailed, ErrMisalignedBase for a misaligned
// allocator return, or ErrCorruptedArena) means key was not stored and
// the set of stored entries is unchanged. An expansion that fails
// partway does not roll back: intermediate nodes it already published
// stay in the tree, holding the colliding entry one or more levels down.
func (m *Map) Insert(key []byte, value Value) (Value, error) {
	leafOff, err := m.createLeaf(key, value)
	if err != nil {
		return defaultValue(), err
	}

	q := newHashQuery(0)
	node, slot, err := m.findEdgeNodeLocked(&q, key)
	if err != nil {
		m.freeLeaf(leafOff)
		return defaultValue(), err
	}
	target := atomic.LoadUint64(slotAddr(node, slot))

	if target == 0 {
		nodeInsert(node, slot, tagLeaf(leafOff))
		unlockNode(node)
		logf(m.ops.Verbose, "thmap: inserted new leaf at level %d", q.level)
		return value, nil
	}

	other := m.toAddr(target)
	if m.leafKeyEqual(other, key) {
		existing := atomic.LoadUint64(leafValueAddr(other))
		m.freeLeaf(leafOff)
		unlockNode(node)
		return existing, nil
	}

	// Collision: expand the tree one or more levels until the new leaf
	// and the colliding leaf land in different slots.
	for {
		child, childOff, err := m.createNode(node)
		if err != nil {
			m.freeLeaf(leafOff)
			unlockNode(node)
			return defaultValue(), err
		}
		q.level++

		otherSlot := m.leafSlotAtLevel(other, q.level)
		nodeInsert(child, otherSlot, tagLeaf(target))

		// Publish the fully populated child before it becomes reachable
		// from the parent; the slot store below acts as the release
		// fence for everything written to child above.
		atomic.StoreUint64(slotAddr(node, slot), childOff)
		unlockNode(node)

		node = child
		mySlot := q.slot(key, m.hashSeed)
		if mySlot == otherSlot {
			slot = mySlot
			logf(m.ops.Verbose, "thmap: repeat collision at level %d, expanding again", q.level)
			continue
		}

		nodeInsert(node, mySlot, tagLeaf(leafOff))
		break
	}

	unlockNode(node)
	return value, nil
}

// Remove deletes the entry for key, returning its value and true, or
// (defaultValue(), false) if key was absent. On removing a node's last
// entry, the tree is contracted upward: each emptied intermediate node
// is marked DELETED before being unlinked from its own parent and staged
// for reclamation.
func (m *Map) Remove(key []byte) (Value, bool) {
	q := newHashQuery(0)
	node, slot, err := m.findEdgeNodeLocked(&q, key)
	if err != nil {
		return defaultValue(), false
	}
	target := atomic.LoadUint64(slotAddr(node, slot))

	if target == 0 {
		unlockNode(node)
		return defaultValue(), false
	}

	leaf := m.toAddr(target)
	if !m.leafKeyEqual(leaf, key) {
		unlockNode(node)
		return defaultValue(), false
	}

	nodeRemove(node, slot)

	for q.level > 0 && occupancy(loadState(node)) == 0 {
		emptied := node
		q.level--
		parentSlot := q.slot(key, m.hashSeed)

		grandparentOff := atomic.LoadUint64(parentAddr(emptied))
		node = m.toAddr(grandparentOff)

		lockNode(node)
		markDeleted(emptied)
		unlockNode(emptied)

		nodeRemove(node, parentSlot)
		m.stageGC(m.toOffset(emptied), inodeSize(levelFanout))
		logf(m.ops.Verbose, "thmap: contracted empty node at level %d", q.level+1)
	}
	unlockNode(node)

	value := atomic.LoadUint64(leafValueAddr(leaf))
	if m.flags&NoCopy == 0 {
		keyLen := atomic.LoadUint64(leafKeyLenAddr(leaf))
		if keyLen > 0 {
			keyOff := atomic.LoadUint64(leafKeyOffsetAddr(leaf))
			m.stageGC(keyOff, uint32(keyLen))
		}
	}
	m.stageGC(maskOffset(target), leafSize)

	return value, true
}
