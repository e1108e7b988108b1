package recovery

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/emberkv/sortedrecover/blockmanager"
	"github.com/emberkv/sortedrecover/comparator"
	"github.com/emberkv/sortedrecover/hashindex"
	"github.com/emberkv/sortedrecover/locktable"
	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/skiplist"
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

func newTestDeps(a *pmem.Allocator) *Dependencies {
	return &Dependencies{
		Allocator:   a,
		HashIndex:   hashindex.New(),
		LockTable:   locktable.New(0),
		Comparators: comparator.NewRegistry(),
	}
}

func collKey(collectionID uint64, userKey string) []byte {
	buf := make([]byte, 8+len(userKey))
	binary.BigEndian.PutUint64(buf, collectionID)
	copy(buf[8:], userKey)
	return buf
}

func headerValue(collectionID uint64) []byte {
	return skiplist.EncodeSortedCollectionValue(collectionID, comparator.DefaultName, false)
}

// buildCollection persists a header plus n elements (keys "a", "b", ...)
// via the Harness and returns the header and the elements in list order.
func buildCollection(t *testing.T, h *Harness, collectionID uint64, timestamp uint64, n int) (*pmem.DLRecord, []*pmem.DLRecord) {
	t.Helper()
	header, err := h.PersistHeader(&pmem.DLRecord{
		Key:        collKey(collectionID, ""),
		Value:      headerValue(collectionID),
		Timestamp:  timestamp,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist header: %v", err)
	}

	elems := make([]*pmem.DLRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := h.PersistElement(&pmem.DLRecord{
			Key:        collKey(collectionID, string(rune('a'+i))),
			Value:      []byte("v"),
			Timestamp:  timestamp,
			OldVersion: pmem.NullOffset,
		}, header)
		if err != nil {
			t.Fatalf("persist element %d: %v", i, err)
		}
		elems = append(elems, rec)
		header, err = h.Allocator.OffsetToRecord(header.Offset())
		if err != nil {
			t.Fatalf("reload header: %v", err)
		}
	}
	return header, elems
}

func collectNodeKeys(sl *skiplist.Skiplist) []string {
	var out []string
	node := sl.HeaderNode().Next(0)
	for node != nil {
		out = append(out, string(node.Key()[8:]))
		node = node.Next(0)
	}
	return out
}

func TestRebuildListBasedSingleCollection(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)
	buildCollection(t, h, 1, 100, 3)

	rb, err := NewRebuilder(&Config{}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	result, err := rb.Rebuild(h.Records(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	sl, ok := result.RebuildSkiplists[1]
	if !ok {
		t.Fatal("expected collection 1 to be resolved")
	}
	if sl.Count() != 3 {
		t.Fatalf("expected count 3, got %d", sl.Count())
	}
	got := collectNodeKeys(sl)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRebuildSegmentBasedMatchesListBased(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)
	buildCollection(t, h, 1, 100, 6)

	rb, err := NewRebuilder(&Config{SegmentBasedRebuild: true, RestoreStride: 2, NumRebuildThreads: 4}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	result, err := rb.Rebuild(h.Records(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	sl, ok := result.RebuildSkiplists[1]
	if !ok {
		t.Fatal("expected collection 1 to be resolved")
	}
	if sl.Count() != 6 {
		t.Fatalf("expected count 6, got %d", sl.Count())
	}
	got := collectNodeKeys(sl)
	want := []string{"a", "b", "c", "d", "e", "f"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRebuildBreaksDuplicateHeader(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)

	oldHeader, err := h.PersistHeader(&pmem.DLRecord{
		Key:        collKey(2, ""),
		Value:      headerValue(2),
		Timestamp:  10,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist old header: %v", err)
	}
	newHeader, err := h.PersistHeader(&pmem.DLRecord{
		Key:        collKey(2, ""),
		Value:      headerValue(2),
		Timestamp:  20,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist new header: %v", err)
	}

	rb, err := NewRebuilder(&Config{}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	result, err := rb.Rebuild(h.Records(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	sl, ok := result.RebuildSkiplists[2]
	if !ok {
		t.Fatal("expected collection 2 to be resolved")
	}
	if sl.HeaderRecord().Offset() != newHeader.Offset() {
		t.Fatal("expected the newer header to win")
	}

	old, err := a.OffsetToRecord(oldHeader.Offset())
	if err != nil {
		t.Fatalf("resolve stale header: %v", err)
	}
	if a.CheckPrevLinkage(old) {
		t.Fatal("expected stale header's linkage to stay broken after reclaim")
	}
}

func TestRebuildMissingComparatorIsFatal(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)

	_, err := h.PersistHeader(&pmem.DLRecord{
		Key:        collKey(3, ""),
		Value:      skiplist.EncodeSortedCollectionValue(3, "no-such-comparator", false),
		Timestamp:  10,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist header: %v", err)
	}

	rb, err := NewRebuilder(&Config{}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	_, err = rb.Rebuild(h.Records(), nil)
	if !errors.Is(err, ErrMissingComparator) {
		t.Fatalf("expected ErrMissingComparator, got %v", err)
	}
}

func TestApplyRollbackRemovesUncommittedInsert(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)
	header, elems := buildCollection(t, h, 4, 100, 2)
	uncommitted := elems[len(elems)-1]

	rb, err := NewRebuilder(&Config{}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	if err := rb.ApplyRollback([]BatchWriteLogEntry{{Offset: uncommitted.Offset()}}); err != nil {
		t.Fatalf("apply rollback: %v", err)
	}

	reloadedHeader, err := a.OffsetToRecord(header.Offset())
	if err != nil {
		t.Fatalf("reload header: %v", err)
	}
	first, err := a.OffsetToRecord(reloadedHeader.Next)
	if err != nil {
		t.Fatalf("reload first element: %v", err)
	}
	if first.Next != reloadedHeader.Offset() {
		t.Fatal("expected the rolled-back element to be spliced back out")
	}
}

// TestRebuildCheckpointRollsElementBackToOlderVersion covers S3: element K
// has two versions, v1 @ ts=50 "old" and v2 @ ts=150 "new", chained through
// OldVersion with v2 physically linked into the list. A checkpoint at ts=100
// must resolve K to v1, splice v1 into v2's list position, and queue v2
// unlinked.
func TestRebuildCheckpointRollsElementBackToOlderVersion(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)

	header, err := h.PersistHeader(&pmem.DLRecord{
		Key:        collKey(5, ""),
		Value:      headerValue(5),
		Timestamp:  10,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist header: %v", err)
	}

	v1, err := a.Persist(&pmem.DLRecord{
		Type:       pmem.SortedElem,
		Key:        collKey(5, "k"),
		Value:      []byte("old"),
		Timestamp:  50,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist v1: %v", err)
	}
	v1Rec, err := a.OffsetToRecord(v1)
	if err != nil {
		t.Fatalf("reload v1: %v", err)
	}

	v2, err := h.PersistElement(&pmem.DLRecord{
		Key:        collKey(5, "k"),
		Value:      []byte("new"),
		Timestamp:  150,
		OldVersion: v1Rec.Offset(),
	}, header)
	if err != nil {
		t.Fatalf("persist v2: %v", err)
	}

	rb, err := NewRebuilder(&Config{Checkpoint: Checkpoint{TS: 100, Enabled: true}}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	result, err := rb.Rebuild(h.Records(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	sl, ok := result.RebuildSkiplists[5]
	if !ok {
		t.Fatal("expected collection 5 to be resolved")
	}
	if sl.Count() != 1 {
		t.Fatalf("expected count 1, got %d", sl.Count())
	}

	node := sl.HeaderNode().Next(0)
	if node == nil {
		t.Fatal("expected one live node")
	}
	if node.Record().Offset() != v1Rec.Offset() {
		t.Fatal("expected the checkpoint-visible v1 to be spliced into the list")
	}
	if string(node.Record().Value) != "old" {
		t.Fatalf("expected value %q, got %q", "old", node.Record().Value)
	}

	reloadedV2, err := a.OffsetToRecord(v2.Offset())
	if err != nil {
		t.Fatalf("reload v2: %v", err)
	}
	if a.CheckLinkage(reloadedV2) {
		t.Fatal("expected v2's linkage to be broken once replaced by v1")
	}
}

// TestRebuildCheckpointDropsOutdatedVisibleVersion covers S4: element M's
// checkpoint-visible version carries status Outdated. Expected: M is
// removed from the list and never reaches the hash index.
func TestRebuildCheckpointDropsOutdatedVisibleVersion(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)

	header, err := h.PersistHeader(&pmem.DLRecord{
		Key:        collKey(6, ""),
		Value:      skiplist.EncodeSortedCollectionValue(6, comparator.DefaultName, true),
		Timestamp:  10,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist header: %v", err)
	}

	elem, err := h.PersistElement(&pmem.DLRecord{
		Key:        collKey(6, "m"),
		Value:      []byte("gone"),
		Status:     pmem.Outdated,
		Timestamp:  50,
		OldVersion: pmem.NullOffset,
	}, header)
	if err != nil {
		t.Fatalf("persist element: %v", err)
	}

	rb, err := NewRebuilder(&Config{Checkpoint: Checkpoint{TS: 100, Enabled: true}}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	result, err := rb.Rebuild(h.Records(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	sl, ok := result.RebuildSkiplists[6]
	if !ok {
		t.Fatal("expected collection 6 to be resolved")
	}
	if sl.Count() != 0 {
		t.Fatalf("expected count 0, got %d", sl.Count())
	}
	if _, found := rb.deps.HashIndex.Lookup(elem.Key); found {
		t.Fatal("expected no hash-index entry for an outdated visible version")
	}
}

// TestRebuildCheckpointResolvesHeaderToOlderVersion exercises the same
// checkpoint walk against a header record rather than an element: the
// collection was recreated after the checkpoint, so recovery must resolve
// the header itself back to the version visible at the checkpoint.
func TestRebuildCheckpointResolvesHeaderToOlderVersion(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)

	oldHeader, err := a.Persist(&pmem.DLRecord{
		Type:       pmem.SortedRecord,
		Key:        collKey(7, ""),
		Value:      headerValue(7),
		Timestamp:  50,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist old header: %v", err)
	}
	oldHeaderRec, err := a.OffsetToRecord(oldHeader)
	if err != nil {
		t.Fatalf("reload old header: %v", err)
	}

	newHeader, err := h.PersistHeader(&pmem.DLRecord{
		Key:        collKey(7, ""),
		Value:      headerValue(7),
		Timestamp:  150,
		OldVersion: oldHeaderRec.Offset(),
	})
	if err != nil {
		t.Fatalf("persist new header: %v", err)
	}

	rb, err := NewRebuilder(&Config{Checkpoint: Checkpoint{TS: 100, Enabled: true}}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	result, err := rb.Rebuild(h.Records(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	sl, ok := result.RebuildSkiplists[7]
	if !ok {
		t.Fatal("expected collection 7 to be resolved")
	}
	if sl.HeaderRecord().Offset() != oldHeaderRec.Offset() {
		t.Fatal("expected the checkpoint-visible old header to become canonical")
	}

	reloadedNewHeader, err := a.OffsetToRecord(newHeader.Offset())
	if err != nil {
		t.Fatalf("reload new header: %v", err)
	}
	if a.CheckPrevLinkage(reloadedNewHeader) {
		t.Fatal("expected the superseded header's linkage to be broken")
	}
}

// TestRebuildHeaderExpiryInvalidatesCollection covers S6: the header's
// checkpoint-visible version carries Status Normal but an ExpireAt
// deadline already in the past. The collection must be classified
// invalid the same way an Outdated visible version is, and reclaim must
// walk its on-media list and destroy every element too, not just the
// header.
func TestRebuildHeaderExpiryInvalidatesCollection(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHarness(a)

	header, err := h.PersistHeader(&pmem.DLRecord{
		Key:        collKey(8, ""),
		Value:      headerValue(8),
		Status:     pmem.Normal,
		Timestamp:  10,
		ExpireAt:   1,
		OldVersion: pmem.NullOffset,
	})
	if err != nil {
		t.Fatalf("persist header: %v", err)
	}

	elem, err := h.PersistElement(&pmem.DLRecord{
		Key:        collKey(8, "z"),
		Value:      []byte("v"),
		Timestamp:  10,
		OldVersion: pmem.NullOffset,
	}, header)
	if err != nil {
		t.Fatalf("persist element: %v", err)
	}

	rb, err := NewRebuilder(&Config{}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	result, err := rb.Rebuild(h.Records(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if _, ok := result.RebuildSkiplists[8]; ok {
		t.Fatal("expected an expired header to leave collection 8 unresolved")
	}

	reloadedHeader, err := a.OffsetToRecord(header.Offset())
	if err != nil {
		t.Fatalf("reload header: %v", err)
	}
	if a.CheckPrevLinkage(reloadedHeader) {
		t.Fatal("expected the expired header's linkage to be broken")
	}
	if a.CheckLinkage(elem) {
		t.Fatal("expected the expired collection's element to be destroyed by reclaim")
	}
}

func TestReclaimQueuesUnrepairableElementForDestruction(t *testing.T) {
	a := newTestAllocator(t)

	orphan := &pmem.DLRecord{Type: pmem.SortedElem, Key: collKey(9, "orphan"), Prev: 999999, Next: 999999, OldVersion: pmem.NullOffset}
	if _, err := a.Persist(orphan); err != nil {
		t.Fatalf("persist orphan: %v", err)
	}

	rb, err := NewRebuilder(&Config{}, newTestDeps(a))
	if err != nil {
		t.Fatalf("new rebuilder: %v", err)
	}

	scratch := &WorkerScratch{WorkerID: 0}
	if err := rb.AddElement(orphan, scratch); err != nil {
		t.Fatalf("add element: %v", err)
	}
	if len(scratch.Unlinked) != 1 {
		t.Fatalf("expected orphan to be queued unlinked, got %d entries", len(scratch.Unlinked))
	}

	rb.collectScratch([]*WorkerScratch{scratch})
	rb.Reclaim()

	if a.CheckLinkage(orphan) {
		t.Fatal("expected orphan's linkage to remain broken after reclaim")
	}
}
