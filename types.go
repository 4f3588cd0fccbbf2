package thmap

import (
	"errors"
	"unsafe"
)

// Flags configure map-wide behavior at construction time.
type Flags uint32

const (
	// NoCopy instructs the map to borrow the caller's key buffer instead
	// of copying it. The caller must keep the buffer alive and unmodified
	// for the lifetime of the entry.
	NoCopy Flags = 1 << iota
)

// Value is an opaque 64-bit handle associated with a key. The map never
// interprets or dereferences it; it is returned verbatim from Insert and
// Remove. Go's garbage collector cannot safely trace a pointer embedded
// in a raw byte arena, so handles are caller-defined integers rather than
// live object references -- see DESIGN.md, Open Question 1.
type Value = uint64

// Ops is the allocator vtable every map is bound to. Alloc must return a
// 4-byte-aligned, non-zero offset on success and zero on failure. Free
// releases a prior allocation of exactly the length originally requested.
type Ops struct {
	Alloc func(size uint32) uint64
	Free  func(offset uint64, size uint32)

	// Verbose gates the diagnostic fmt-based logging in logging.go.
	Verbose bool
}

// Options configures Create/New.
type Options struct {
	// Flags recognized at construction; currently only NoCopy.
	Flags Flags

	// Ops is the allocator vtable. If nil, New (not Create) installs a
	// default in-process heap arena.
	Ops *Ops

	// HashSeed personalizes the hash mixer so adversarial callers can't
	// precompute colliding keys against a fixed, published seed. Zero
	// reproduces the reference mixer's behavior.
	HashSeed uint32
}

// Map is a concurrent trie-hash map. baseptr, flags, ops and hashSeed
// are set once at construction; root is set at construction and cleared
// only by Destroy; gcHead, the retirement queue head, is updated only
// through atomic CAS/swap in gc.go. Concurrency safety comes from the
// per-node locking and atomic slot operations in node.go/trie.go, not
// from synchronizing access to the Map struct itself.
type Map struct {
	baseptr  uintptr
	root     unsafe.Pointer
	flags    Flags
	ops      *Ops
	gcHead   unsafe.Pointer
	hashSeed uint32
}

var (
	// ErrMisalignedBase is returned when baseptr (or an allocator return
	// value) is not 4-byte aligned.
	ErrMisalignedBase = errors.New("thmap: base address is not 4-byte aligned")

	// ErrAllocFailed is returned when the bound allocator returns zero.
	ErrAllocFailed = errors.New("thmap: allocator exhausted")

	// errMissingOps is returned by Create when Options.Ops is incomplete.
	errMissingOps = errors.New("thmap: Options.Ops must supply both Alloc and Free")
)

const (
	// rootBits/levelBits are the number of hash bits consumed at the
	// root level and at every subsequent level, respectively.
	rootBits  = 6
	rootSize  = 1 << rootBits
	rootMask  = rootSize - 1
	levelBits = 4
	levelSize = 1 << levelBits
	levelMask = levelSize - 1

	// rootFanout/levelFanout are the slot counts of the root node and of
	// every other intermediate node.
	rootFanout  = rootSize
	levelFanout = levelSize

	// inodeHeaderSize is the byte size of the state+parent header that
	// precedes every node's slot array: state(4) + padding(4) + parent(8).
	inodeHeaderSize = 16

	// leafSize is the byte size of a leaf record: keyOffset(8) + keyLen(8)
	// + value(8).
	leafSize = 24

	// State field layout, mirroring the original C bit assignment.
	nodeLocked  = uint32(1) << 31
	nodeDeleted = uint32(1) << 30
	nodeCountMask = uint32(0x3fffffff)
)

// inodeSize returns the total byte size of an intermediate node with the
// given fanout.
func inodeSize(fanout int) uint32 {
	return inodeHeaderSize + uint32(fanout)*8
}
