package thmap

import "sync/atomic"

// EpochGuard is an optional, caller-driven quiescence tracker. The trie
// itself never calls it -- reclamation safety (knowing when it's safe to
// call Map.Drain) is explicitly the caller's responsibility, same as the
// spec leaves it. EpochGuard is one reasonable way to discharge that
// responsibility: readers bracket a descent with Enter/Exit, and
// Quiesce blocks until every reader that was active when it was called
// has exited.
type EpochGuard struct {
	active int64
	epoch  uint64
}

// Enter marks the calling goroutine as an active reader. Must be paired
// with Exit, typically via defer.
func (e *EpochGuard) Enter() {
	atomic.AddInt64(&e.active, 1)
}

// Exit clears the calling goroutine's active-reader marker.
func (e *EpochGuard) Exit() {
	atomic.AddInt64(&e.active, -1)
}

// Quiesce busy-waits until the active-reader count drops to zero. It
// gives no progress guarantee under a continuous stream of new readers;
// callers that need one should stop admitting new readers before
// calling Quiesce.
func (e *EpochGuard) Quiesce() {
	atomic.AddUint64(&e.epoch, 1)
	backoff := 1
	for atomic.LoadInt64(&e.active) > 0 {
		spinBackoff(&backoff)
	}
}
