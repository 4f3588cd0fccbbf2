package thmap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMap(t *testing.T) *Map {
	t.Helper()
	m, err := New()
	require.NoError(t, err)
	return m
}

func TestInsertLookupRoundTrip(t *testing.T) {
	m := newTestMap(t)

	_, err := m.Insert([]byte("hello"), 42)
	require.NoError(t, err)

	v, ok := m.Lookup([]byte("hello"))
	assert.True(t, ok)
	assert.Equal(t, Value(42), v)
}

func TestLookupMiss(t *testing.T) {
	m := newTestMap(t)

	_, err := m.Insert([]byte("present"), 1)
	require.NoError(t, err)

	v, ok := m.Lookup([]byte("absent"))
	assert.False(t, ok)
	assert.Equal(t, defaultValue(), v)
}

func TestInsertDuplicateKeepsFirstValue(t *testing.T) {
	m := newTestMap(t)

	first, err := m.Insert([]byte("dup"), 7)
	require.NoError(t, err)
	assert.Equal(t, Value(7), first)

	second, err := m.Insert([]byte("dup"), 99)
	require.NoError(t, err)
	assert.Equal(t, Value(7), second, "insert of an existing key must return the value already stored")

	v, ok := m.Lookup([]byte("dup"))
	require.True(t, ok)
	assert.Equal(t, Value(7), v)
}

// TestCollisionExpansion forces many keys through the same root slot by
// using a zero HashSeed and keys chosen to differ only past the first
// few bits would be fragile, so instead this exercises expansion the
// robust way: insert enough distinct keys that multiple expansions are
// all but guaranteed, then confirm every one of them is still reachable.
func TestCollisionExpansion(t *testing.T) {
	m := newTestMap(t)

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("collision-key-%d", i))
		_, err := m.Insert(key, Value(i))
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("collision-key-%d", i))
		v, ok := m.Lookup(key)
		require.True(t, ok, "key %d should be present", i)
		assert.Equal(t, Value(i), v)
	}

	stats := m.Stats()
	assert.Equal(t, n, stats.Entries)
	assert.Greater(t, stats.Nodes, 1, "2000 keys should have forced at least one expansion beyond the root")
}

func TestRemoveRoundTrip(t *testing.T) {
	m := newTestMap(t)

	_, err := m.Insert([]byte("to-delete"), 5)
	require.NoError(t, err)

	v, ok := m.Remove([]byte("to-delete"))
	require.True(t, ok)
	assert.Equal(t, Value(5), v)

	_, ok = m.Lookup([]byte("to-delete"))
	assert.False(t, ok)

	_, ok = m.Remove([]byte("to-delete"))
	assert.False(t, ok, "removing an already-removed key reports a miss")
}

func TestRemoveContractsEmptyNodes(t *testing.T) {
	m := newTestMap(t)

	const n = 500
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("contract-key-%d", i))
		_, err := m.Insert(keys[i], Value(i))
		require.NoError(t, err)
	}

	before := m.Stats()
	assert.Greater(t, before.Nodes, 1)

	for _, k := range keys {
		_, ok := m.Remove(k)
		require.True(t, ok)
	}

	after := m.Stats()
	assert.Equal(t, 0, after.Entries)
	assert.Equal(t, 1, after.Nodes, "removing every key should contract the tree back down to the root alone")
}

func TestNoCopyBorrowsCallerBuffer(t *testing.T) {
	arena := NewHeapArena(defaultHeapCapacity)
	m, err := Create(arena.BasePtr(), Options{Ops: arena.Ops(), Flags: NoCopy})
	require.NoError(t, err)

	key := []byte("borrowed")
	_, err = m.Insert(key, 11)
	require.NoError(t, err)

	v, ok := m.Lookup([]byte("borrowed"))
	require.True(t, ok)
	assert.Equal(t, Value(11), v)
}

func TestDrainFreesRetiredAllocations(t *testing.T) {
	m := newTestMap(t)

	_, err := m.Insert([]byte("gc-me"), 1)
	require.NoError(t, err)

	_, ok := m.Remove([]byte("gc-me"))
	require.True(t, ok)

	freed := m.Drain()
	assert.Equal(t, 2, freed, "removing a single root-level leaf retires its copied key buffer and the leaf itself (no node contraction at the root)")

	assert.Equal(t, 0, m.Drain(), "a second Drain with nothing new retired frees nothing")
}
