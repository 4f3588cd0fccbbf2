package thmap

import (
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedArena backs a map with a file-backed MAP_SHARED mapping: the
// arena itself, rather than a durability layer the map serializes into.
// Two processes that each open the same path get independent BasePtr
// values pointing at the same physical pages, which is the whole reason
// this map addresses everything by offset rather than by pointer.
type SharedArena struct {
	mu       sync.Mutex
	data     []byte
	file     *os.File
	next     uint32
	freeList map[uint32][]uint64
}

// NewSharedArena creates (or truncates) the file at path to capacity
// bytes and maps it MAP_SHARED. The returned arena owns the file
// descriptor; Close unmaps and closes it.
func NewSharedArena(path string, capacity uint32) (*SharedArena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &SharedArena{data: data, file: f, next: arenaReserved, freeList: make(map[uint32][]uint64)}, nil
}

// OpenSharedArena maps an existing arena file created by NewSharedArena,
// for a second process attaching to the same shared memory. capacity
// must match the size the file was created with.
func OpenSharedArena(path string, capacity uint32) (*SharedArena, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &SharedArena{data: data, file: f, next: arenaReserved, freeList: make(map[uint32][]uint64)}, nil
}

// BasePtr returns this process's live address for byte zero of the
// mapping. A second process mapping the same file will observe a
// different BasePtr for the identical underlying bytes -- exactly the
// scenario offset addressing exists to handle.
func (a *SharedArena) BasePtr() uintptr {
	return uintptr(unsafe.Pointer(&a.data[0]))
}

// Ops returns the Alloc/Free vtable bound to this arena.
func (a *SharedArena) Ops() *Ops {
	return &Ops{Alloc: a.alloc, Free: a.free}
}

// Close unmaps the arena and closes the backing file. It does not
// remove the file; a second attachment of the same path reattaches to
// whatever state was last written.
func (a *SharedArena) Close() error {
	if err := unix.Munmap(a.data); err != nil {
		return err
	}
	return a.file.Close()
}

func (a *SharedArena) alloc(size uint32) uint64 {
	class := alignUp(size, 4)

	a.mu.Lock()
	defer a.mu.Unlock()

	if free := a.freeList[class]; len(free) > 0 {
		off := free[len(free)-1]
		a.freeList[class] = free[:len(free)-1]
		zeroMemory(unsafe.Pointer(&a.data[off]), size)
		return off
	}

	if uint32(len(a.data))-a.next < class {
		return 0
	}
	off := a.next
	a.next += class
	return uint64(off)
}

func (a *SharedArena) free(offset uint64, size uint32) {
	class := alignUp(size, 4)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeList[class] = append(a.freeList[class], offset)
}
