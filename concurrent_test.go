package thmap

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	concurrentInputSize   = 4000
	numWriterGoRoutines   = 8
	numReaderGoRoutines   = 8
)

var (
	concurrentMap  *Map
	concurrentKeys [][]byte
)

func setupConcurrentMap() {
	concurrentMap, _ = New()

	concurrentKeys = make([][]byte, concurrentInputSize)
	for i := range concurrentKeys {
		concurrentKeys[i] = []byte(fmt.Sprintf("concurrent-key-%d", i))
	}
}

// TestConcurrentInsertThenLookup seeds the map from many goroutines
// writing disjoint chunks of the key space at once, then reads the
// whole key space back the same way, using chunked goroutines over a
// sync.WaitGroup rather than a single sequential loop.
func TestConcurrentInsertThenLookup(t *testing.T) {
	setupConcurrentMap()

	chunkSize := concurrentInputSize / numWriterGoRoutines
	var insertWG sync.WaitGroup

	for i := 0; i < numWriterGoRoutines; i++ {
		chunk := concurrentKeys[i*chunkSize : (i+1)*chunkSize]
		base := i * chunkSize

		insertWG.Add(1)
		go func(base int, chunk [][]byte) {
			defer insertWG.Done()

			for j, key := range chunk {
				if _, err := concurrentMap.Insert(key, Value(base+j)); err != nil {
					t.Errorf("insert error: %v", err)
				}
			}
		}(base, chunk)
	}
	insertWG.Wait()

	readChunkSize := concurrentInputSize / numReaderGoRoutines
	var readWG sync.WaitGroup

	for i := 0; i < numReaderGoRoutines; i++ {
		chunk := concurrentKeys[i*readChunkSize : (i+1)*readChunkSize]
		base := i * readChunkSize

		readWG.Add(1)
		go func(base int, chunk [][]byte) {
			defer readWG.Done()

			for j, key := range chunk {
				v, ok := concurrentMap.Lookup(key)
				if !ok {
					t.Errorf("expected key %q to be present", key)
					continue
				}
				if v != Value(base+j) {
					t.Errorf("key %q: expected %d, got %d", key, base+j, v)
				}
			}
		}(base, chunk)
	}
	readWG.Wait()

	stats := concurrentMap.Stats()
	assert.Equal(t, concurrentInputSize, stats.Entries)
}

// TestConcurrentReadersDuringWrites starts a block of readers that poll
// an already-seeded key range while a separate block of writers inserts
// a disjoint range, confirming the reader goroutines never observe a
// torn or corrupted value for keys they're not racing on -- the safety
// property the lock-free descent path is responsible for.
func TestConcurrentReadersDuringWrites(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	const stableCount = 1000
	for i := 0; i < stableCount; i++ {
		key := []byte(fmt.Sprintf("stable-%d", i))
		_, err := m.Insert(key, Value(i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < numReaderGoRoutines; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := 0; i < stableCount; i++ {
					key := []byte(fmt.Sprintf("stable-%d", i))
					v, ok := m.Lookup(key)
					if !ok || v != Value(i) {
						t.Errorf("stable key %q corrupted: ok=%v v=%d", key, ok, v)
						return
					}
				}
			}
		}()
	}

	var writeWG sync.WaitGroup
	const newCount = 1000
	writeChunk := newCount / numWriterGoRoutines

	for w := 0; w < numWriterGoRoutines; w++ {
		base := w * writeChunk
		writeWG.Add(1)
		go func(base int) {
			defer writeWG.Done()
			for i := 0; i < writeChunk; i++ {
				key := []byte(fmt.Sprintf("new-%d", base+i))
				if _, err := m.Insert(key, Value(base+i)); err != nil {
					t.Errorf("insert error: %v", err)
				}
			}
		}(base)
	}
	writeWG.Wait()

	close(stop)
	wg.Wait()
}

// TestConcurrentInsertLookupRemoveDrain is the insert/lookup/remove/
// drain stress scenario: 10000 random 16-byte keys spread across 8
// goroutines, concurrent lookups racing the inserts, each goroutine
// removing its own keys once every insert has landed, and a post-drain
// check that the allocator has taken back every allocation it ever
// handed out beyond the root. The removals start only after every
// insert and lookup has finished, so the lock-coupled contraction path
// in Remove races the other goroutines' removals, not Insert or Lookup.
func TestConcurrentInsertLookupRemoveDrain(t *testing.T) {
	c := newCountingOps(8 << 20)
	m, err := Create(c.arena.BasePtr(), Options{Ops: c.ops()})
	require.NoError(t, err)

	const (
		numGoroutines = 8
		perGoroutine  = 1250 // 8 * 1250 = 10000
	)

	keySets := make([][][]byte, numGoroutines)
	for g := range keySets {
		keySets[g] = make([][]byte, perGoroutine)
		for i := range keySets[g] {
			key := make([]byte, 16)
			_, err := rand.Read(key)
			require.NoError(t, err)
			keySets[g][i] = key
		}
	}

	var insertWG sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		insertWG.Add(1)
		go func(g int) {
			defer insertWG.Done()
			for i, key := range keySets[g] {
				if _, err := m.Insert(key, Value(g*perGoroutine+i)); err != nil {
					t.Errorf("insert error: %v", err)
				}
			}
		}(g)
	}

	// Lookups race the inserts above: a miss on a key that hasn't landed
	// yet is expected, but a hit must always report the right value.
	stop := make(chan struct{})
	var lookupWG sync.WaitGroup
	for r := 0; r < numReaderGoRoutines; r++ {
		g := r % numGoroutines
		lookupWG.Add(1)
		go func(g int) {
			defer lookupWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i, key := range keySets[g] {
					if v, ok := m.Lookup(key); ok && v != Value(g*perGoroutine+i) {
						t.Errorf("key %x: expected %d, got %d", key, g*perGoroutine+i, v)
					}
				}
			}
		}(g)
	}

	insertWG.Wait()
	close(stop)
	lookupWG.Wait()

	for g := 0; g < numGoroutines; g++ {
		for i, key := range keySets[g] {
			v, ok := m.Lookup(key)
			require.True(t, ok, "key %x should be present once every insert has landed", key)
			assert.Equal(t, Value(g*perGoroutine+i), v)
		}
	}

	var removeWG sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		removeWG.Add(1)
		go func(g int) {
			defer removeWG.Done()
			for _, key := range keySets[g] {
				if _, ok := m.Remove(key); !ok {
					t.Errorf("key %x: expected to be present on removal", key)
				}
			}
		}(g)
	}
	removeWG.Wait()

	stats := m.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, 1, stats.Nodes, "removing every key should contract the tree back down to the root alone")

	m.Drain()

	assert.Equal(t, atomic.LoadInt64(&c.allocated)-1, atomic.LoadInt64(&c.freed),
		"after drain the allocator should report zero outstanding bytes beyond the root")
}
