// Package recovery
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
package recovery

import (
	"github.com/emberkv/sortedrecover/bloomfilter"
	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/skiplist"
)

// Reclaim is the final phase: every element any phase queued unlinked is
// double-checked, since a record that looked unrecoverable when queued
// may have been linked back in by a later phase (index rebuild's Replace
// splices a checkpoint-visible old version into the list) before reclaim
// runs. Queued records that are not elements, and elements that fail the
// double-check, are destroyed. Every entry of
// invalidSkiplists names a header that can never again be reached by a
// list walk (a stale duplicate, or the canonical header of a collection
// that resolved to nothing visible or to an expired version); its whole
// on-media list is unreachable along with it, so destroying it means
// walking header.Next and freeing every element on that list too, not
// just the header record. A bloom filter guards against freeing the same
// offset twice when the same record ends up queued unlinked by more than
// one phase.
func (rb *Rebuilder) Reclaim() {
	a := rb.deps.Allocator
	seen, _ := bloomfilter.New(4096, 0.01)

	rb.mu.Lock()
	unlinked := rb.unlinked
	rb.unlinked = make(map[int][]*pmem.DLRecord)
	invalid := rb.invalidSkiplists
	rb.invalidSkiplists = make(map[uint64]*pmem.DLRecord)
	rb.mu.Unlock()

	for _, records := range unlinked {
		for _, rec := range records {
			rb.destroyIfDead(rec, seen)
		}
	}

	for _, header := range invalid {
		rb.destroyInvalidCollection(header, seen)
	}

	a.BatchFree(nil)
}

// destroyInvalidCollection frees header and every element still linked
// off it, the same on-media walk rebuildSkiplistIndex does for a live
// collection, except here every record visited is destroyed rather than
// indexed. The walk terminates the same way: when it loops back around to
// the header's own offset (true immediately for an empty, self-linked
// header).
func (rb *Rebuilder) destroyInvalidCollection(header *pmem.DLRecord, seen *bloomfilter.BloomFilter) {
	a := rb.deps.Allocator

	curr, err := a.OffsetToRecord(header.Next)
	for err == nil && curr.Offset() != header.Offset() {
		next := curr.Next

		offset := curr.Offset()
		if seen == nil || !seen.Contains(offset) {
			if seen != nil {
				_ = seen.Add(offset)
			}
			a.PurgeAndFree(curr)
		}

		curr, err = a.OffsetToRecord(next)
	}
	if err != nil && rb.logger != nil {
		rb.logger.Printf("reclaim: invalid collection rooted at header %d has a broken on-media list, truncating walk", header.Offset())
	}

	rb.destroyIfDead(header, seen)
}

func (rb *Rebuilder) destroyIfDead(rec *pmem.DLRecord, seen *bloomfilter.BloomFilter) {
	a := rb.deps.Allocator
	offset := rec.Offset()

	if seen != nil && seen.Contains(offset) {
		return
	}
	if skiplist.MatchType(rec, pmem.SortedElem) && a.CheckLinkage(rec) {
		// relinked by a repair that ran after this record was queued.
		return
	}

	if seen != nil {
		_ = seen.Add(offset)
	}
	a.PurgeAndFree(rec)
}
