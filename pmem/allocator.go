// Package pmem
//
// (C) Copyright Alex Gaetano Padula
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package pmem

import (
	"errors"
	"sync"

	"github.com/emberkv/sortedrecover/blockmanager"
	"github.com/emberkv/sortedrecover/lru"
	"github.com/emberkv/sortedrecover/stack"
)

var ErrAllocatorFailure = errors.New("pmem: allocator failure")

// SpaceEntry is a freed persistent-memory extent handed back to the
// allocator, the same shape the engine expects from BatchFree.
type SpaceEntry struct {
	Offset uint64
	Size   uint32
}

// Allocator is the byte-addressable persistent-memory region the recovery
// core operates against. It is backed by a block-chained file (so a test
// can run the rebuilder against a real on-disk arena) and caches recent
// validation results so repeated old-version walks don't re-run CRC32
// over records already proven good in this recovery run.
type Allocator struct {
	bm *blockmanager.BlockManager

	mu      sync.Mutex
	offsets map[uint64]*DLRecord // offset -> decoded record, populated lazily

	validateCache *lru.Cache              // offset -> last known Validate() result
	freeList      *stack.Stack[SpaceEntry] // extents awaiting a batched free
}

// NewAllocator wraps an already-open block manager as a persistent-memory
// arena.
func NewAllocator(bm *blockmanager.BlockManager) *Allocator {
	return &Allocator{
		bm:            bm,
		offsets:       make(map[uint64]*DLRecord),
		validateCache: lru.New(4096, 0.25, 0.7),
		freeList:      stack.New[SpaceEntry](),
	}
}

// Allocate reserves space for a new record and persists a blank element
// record (null linkage, zeroed value) of the given size. Its linkage
// fields can be updated in place afterward with SetPrev, SetNext and
// SetOldVersion; Persist always writes a new record. size is advisory (blockmanager chains additional blocks as
// needed); it exists so the interface matches what a production engine's
// allocator exposes.
func (a *Allocator) Allocate(size uint32) (uint64, *DLRecord, error) {
	rec := &DLRecord{
		Type:       SortedElem,
		Status:     Normal,
		Prev:       NullOffset,
		Next:       NullOffset,
		OldVersion: NullOffset,
	}
	if size > HeaderSize {
		rec.Value = make([]byte, size-HeaderSize)
	}

	off, err := a.Persist(rec)
	if err != nil {
		return NullOffset, nil, err
	}
	return off, rec, nil
}

// Persist encodes rec and appends it to the arena, caching the resulting
// offset on the record itself. Used by the scan-replay harness to seed an
// arena with candidate records, and by any repair path that must write a
// genuinely new record (as opposed to mutating an existing one in place).
func (a *Allocator) Persist(rec *DLRecord) (uint64, error) {
	buf := rec.encode()

	blockID, err := a.bm.Append(buf)
	if err != nil {
		return NullOffset, errors.Join(ErrAllocatorFailure, err)
	}

	rec.offset = uint64(blockID)

	a.mu.Lock()
	a.offsets[rec.offset] = rec
	a.mu.Unlock()
	a.validateCache.Put(rec.offset, true)

	return rec.offset, nil
}

// OffsetToRecord resolves a persistent-memory offset to its decoded
// record, the equivalent of offset2addr<DLRecord>.
func (a *Allocator) OffsetToRecord(off uint64) (*DLRecord, error) {
	if off == NullOffset {
		return nil, errors.New("pmem: null offset")
	}

	a.mu.Lock()
	if rec, ok := a.offsets[off]; ok {
		a.mu.Unlock()
		return rec, nil
	}
	a.mu.Unlock()

	buf, _, err := a.bm.Read(int64(off))
	if err != nil {
		return nil, errors.Join(ErrAllocatorFailure, err)
	}

	rec, err := decodeRecord(buf)
	if err != nil {
		return nil, err
	}
	rec.offset = off

	a.mu.Lock()
	a.offsets[off] = rec
	a.mu.Unlock()

	return rec, nil
}

// RecordToOffset is the equivalent of addr2offset: it returns the cached
// offset of a record already known to the arena.
func (a *Allocator) RecordToOffset(r *DLRecord) uint64 {
	if r == nil {
		return NullOffset
	}
	return r.offset
}

// Validate resolves a record's persisted checksum state, using and
// refreshing the validation cache.
func (a *Allocator) Validate(r *DLRecord) bool {
	if r == nil {
		return false
	}
	if valid, ok := a.validateCache.Get(r.offset); ok && valid {
		return true
	}
	ok := r.Validate()
	a.validateCache.Put(r.offset, ok)
	return ok
}

// PurgeAndFree marks a record's extent as reclaimable. The extent is not
// returned to the block manager's free list immediately; it is staged on
// freeList and drained by BatchFree, matching the "collect, then batch
// free" shape of the reclaimer.
func (a *Allocator) PurgeAndFree(r *DLRecord) {
	if r == nil || r.offset == NullOffset {
		return
	}

	a.mu.Lock()
	delete(a.offsets, r.offset)
	a.mu.Unlock()

	a.validateCache.Invalidate(r.offset)
	a.freeList.Push(SpaceEntry{Offset: r.offset, Size: uint32(HeaderSize + len(r.Key) + len(r.Value))})
}

// BatchFree drains a caller-supplied batch of extents (plus anything
// already staged on freeList from PurgeAndFree) back to the allocator.
// The underlying block manager reclaims whole blocks via its own
// allocation table, so here BatchFree's job is to forget the extents so a
// stale *DLRecord held by a caller after free is never resolved again.
func (a *Allocator) BatchFree(extents []SpaceEntry) {
	for {
		entry, ok := a.freeList.Pop()
		if !ok {
			break
		}
		extents = append(extents, entry)
	}

	a.mu.Lock()
	for _, e := range extents {
		delete(a.offsets, e.Offset)
	}
	a.mu.Unlock()
}
