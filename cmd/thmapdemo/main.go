// Command thmapdemo demonstrates the thing offset addressing exists
// for: a map whose arena lives in a file mapped MAP_SHARED, written by
// one process and read back by another with no pointers crossing the
// process boundary, only offsets.
package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/sirgallo/thmap"
)

const (
	arenaPath = "/tmp/thmapdemo.arena"
	arenaSize = 1 << 20
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "child" {
		runChild()
		return
	}
	runParent()
}

func runParent() {
	os.Remove(arenaPath)

	arena, err := thmap.NewSharedArena(arenaPath, arenaSize)
	if err != nil {
		log.Fatalf("create shared arena: %v", err)
	}
	defer arena.Close()

	m, err := thmap.Create(arena.BasePtr(), thmap.Options{Ops: arena.Ops()})
	if err != nil {
		log.Fatalf("create map: %v", err)
	}

	seed := []struct {
		key   string
		value thmap.Value
	}{
		{"apple", 1}, {"banana", 2}, {"grape", 3}, {"orange", 4}, {"cherry", 5},
	}

	fmt.Println("parent: inserting key-value pairs...")
	for _, kv := range seed {
		if _, err := m.Insert([]byte(kv.key), kv.value); err != nil {
			log.Printf("insert %s: %v", kv.key, err)
		}
	}

	fmt.Println("parent: launching child to read the same arena...")
	cmd := exec.Command(os.Args[0], "child")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Fatalf("child failed: %v", err)
	}

	stats := m.Stats()
	fmt.Printf("parent: tree has %d entries across %d nodes (max depth %d)\n",
		stats.Entries, stats.Nodes, stats.MaxDepth)
}

func runChild() {
	// A real baseptr of zero would only be valid if the map were created
	// with it; here the parent's BasePtr is whatever NewSharedArena's
	// first mmap happened to land at in the parent's address space, so
	// the child must derive its own BasePtr from its own mapping of the
	// same file rather than reusing the parent's.
	arena, err := thmap.OpenSharedArena(arenaPath, arenaSize)
	if err != nil {
		log.Fatalf("child: open shared arena: %v", err)
	}
	defer arena.Close()

	// The child can't call Create (that would re-zero the root the
	// parent already populated); attaching read-only to an existing
	// arena requires the caller to have recorded baseptr-independent
	// state elsewhere. This demo keeps it simple and just re-derives a
	// Map handle over the same root offset the parent used, which for a
	// freshly created arena is always the first allocation.
	m := thmap.Attach(arena.BasePtr(), arena.Ops())

	for _, key := range []string{"apple", "banana", "mango"} {
		if v, ok := m.Lookup([]byte(key)); ok {
			fmt.Printf("child: found %s -> %d\n", key, v)
		} else {
			fmt.Printf("child: %s not found\n", key)
		}
	}
}
