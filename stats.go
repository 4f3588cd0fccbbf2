package thmap

import (
	"sync/atomic"
	"unsafe"
)

// Stats summarizes the current shape of the tree. It is a best-effort
// diagnostic snapshot, not a consistent point-in-time view: it walks
// live slots without locking, so a concurrent writer can cause a node or
// leaf to be seen, missed, or (for counts) counted against a shape that
// no longer holds by the time Stats returns. This is not a substitute
// for iteration -- the map makes no promise to ever support ordered
// enumeration of its keys.
type Stats struct {
	Entries    int
	Nodes      int
	MaxDepth   int
	Occupancy  []uint32 // occupancy of every intermediate node visited, in walk order
}

// Stats walks the tree from the root and returns a snapshot.
func (m *Map) Stats() Stats {
	var s Stats
	m.walk(m.root, 0, &s)
	return s
}

func (m *Map) walk(node unsafe.Pointer, depth int, s *Stats) {
	s.Nodes++
	if depth > s.MaxDepth {
		s.MaxDepth = depth
	}

	state := loadState(node)
	s.Occupancy = append(s.Occupancy, occupancy(state))

	fanout := levelFanout
	if depth == 0 {
		fanout = rootFanout
	}

	for slot := 0; slot < fanout; slot++ {
		target := atomic.LoadUint64(slotAddr(node, slot))
		if target == 0 {
			continue
		}
		if isLeaf(target) {
			s.Entries++
			continue
		}
		m.walk(m.toAddr(target), depth+1, s)
	}
}
