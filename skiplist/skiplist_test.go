package skiplist

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/emberkv/sortedrecover/blockmanager"
	"github.com/emberkv/sortedrecover/pmem"
)

func newTestAllocator(t *testing.T) *pmem.Allocator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arena.db")
	bm, err := blockmanager.Open(path, os.O_RDWR|os.O_CREATE, 0644, blockmanager.SyncNone)
	if err != nil {
		t.Fatalf("open block manager: %v", err)
	}
	t.Cleanup(func() { _ = bm.Close() })
	return pmem.NewAllocator(bm)
}

func persistLinked(t *testing.T, a *pmem.Allocator, recs []*pmem.DLRecord) {
	t.Helper()
	for _, r := range recs {
		if _, err := a.Persist(r); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}
	n := len(recs)
	for i, r := range recs {
		prev := recs[(i-1+n)%n]
		next := recs[(i+1)%n]
		a.SetPrev(r, prev.Offset())
		a.SetNext(r, next.Offset())
	}
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(id)
		id >>= 8
	}
	return buf
}

func TestEncodeDecodeSortedCollectionValue(t *testing.T) {
	val := EncodeSortedCollectionValue(42, "default", true)
	id, name, hashed, err := DecodeSortedCollectionValue(val)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != 42 || name != "default" || !hashed {
		t.Fatalf("round trip mismatch: id=%d name=%q hashed=%v", id, name, hashed)
	}
}

func TestFetchID(t *testing.T) {
	rec := &pmem.DLRecord{Key: append(encodeID(7), []byte("user-key")...)}
	id, err := FetchID(rec)
	if err != nil {
		t.Fatalf("fetch id: %v", err)
	}
	if id != 7 {
		t.Fatalf("got %d, want 7", id)
	}
}

func TestFetchIDRejectsShortKey(t *testing.T) {
	rec := &pmem.DLRecord{Key: []byte("ab")}
	if _, err := FetchID(rec); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestRandomLevelBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		lvl := randomLevel(8)
		if lvl < 1 || lvl > 8 {
			t.Fatalf("level %d out of bounds [1,8]", lvl)
		}
	}
}

func TestNewNodeBuildHeightWithinMax(t *testing.T) {
	rec := &pmem.DLRecord{Key: encodeID(1)}
	for i := 0; i < 200; i++ {
		n := NewNodeBuild(rec, 6)
		if n == nil {
			t.Fatal("expected NewNodeBuild to never return nil")
		}
		if n.Height() < 1 || n.Height() > 6 {
			t.Fatalf("height %d out of bounds", n.Height())
		}
	}
}

func TestSpliceAllLevelsOrdersNodes(t *testing.T) {
	header := &Node{forward: make([]atomic.Pointer[Node], 4)}
	sl := &Skiplist{maxHeight: 4, headerNode: header}

	splice := sl.NewSplice()
	node := NewNodeBuild(&pmem.DLRecord{Key: encodeID(1)}, 4)

	SpliceAllLevels(splice, node)

	for lvl := 0; lvl < node.Height(); lvl++ {
		if header.Next(lvl) != node {
			t.Fatalf("expected header to point at node at level %d", lvl)
		}
	}
}

func TestRemoveRelinksNeighbors(t *testing.T) {
	a := newTestAllocator(t)

	head := &pmem.DLRecord{Type: pmem.SortedRecord, Key: encodeID(1), OldVersion: pmem.NullOffset}
	elemA := &pmem.DLRecord{Type: pmem.SortedElem, Key: append(encodeID(1), 'a'), OldVersion: pmem.NullOffset}
	elemB := &pmem.DLRecord{Type: pmem.SortedElem, Key: append(encodeID(1), 'b'), OldVersion: pmem.NullOffset}

	persistLinked(t, a, []*pmem.DLRecord{head, elemA, elemB})

	if err := Remove(a, elemA); err != nil {
		t.Fatalf("remove: %v", err)
	}

	head, _ = a.OffsetToRecord(head.Offset())
	elemB, _ = a.OffsetToRecord(elemB.Offset())

	if head.Next != elemB.Offset() {
		t.Fatalf("expected head.Next to skip removed element, got %d want %d", head.Next, elemB.Offset())
	}
	if elemB.Prev != head.Offset() {
		t.Fatalf("expected elemB.Prev to point at head, got %d want %d", elemB.Prev, head.Offset())
	}
}

func TestReplaceSplicesInNewRecord(t *testing.T) {
	a := newTestAllocator(t)

	head := &pmem.DLRecord{Type: pmem.SortedRecord, Key: encodeID(1), OldVersion: pmem.NullOffset}
	v2 := &pmem.DLRecord{Type: pmem.SortedElem, Key: append(encodeID(1), 'k'), Timestamp: 150, OldVersion: pmem.NullOffset}

	persistLinked(t, a, []*pmem.DLRecord{head, v2})

	v1 := &pmem.DLRecord{Type: pmem.SortedElem, Key: append(encodeID(1), 'k'), Timestamp: 50, OldVersion: pmem.NullOffset}
	if _, err := a.Persist(v1); err != nil {
		t.Fatalf("persist v1: %v", err)
	}

	if err := Replace(a, v2, v1); err != nil {
		t.Fatalf("replace: %v", err)
	}

	head, _ = a.OffsetToRecord(head.Offset())
	if head.Next != v1.Offset() {
		t.Fatalf("expected head.Next to point at replacement, got %d want %d", head.Next, v1.Offset())
	}
	if v1.Prev != head.Offset() || v1.Next != head.Offset() {
		t.Fatalf("expected replacement to inherit old record's linkage, got prev=%d next=%d", v1.Prev, v1.Next)
	}
}
