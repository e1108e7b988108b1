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
	"errors"
	"fmt"
	"sort"

	"github.com/emberkv/sortedrecover/hashindex"
	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/skiplist"
)

// brokenSentinel is written into a broken header's Prev field. It can
// never equal a live record's offset, so CheckPrevLinkage subsequently
// fails for the header, making the break irreversible: nothing short of
// rewriting the field again can make the header look linked. For a
// self-linked (empty) header CheckNextLinkage fails as well, since the
// header is its own successor; for a header with elements the Next side
// is left as it was.
const brokenSentinel = pmem.NullOffset - 1

// InitRebuildLists resolves every header queued by AddHeader into at
// most one live Skiplist per collection ID. Collisions (two headers
// sharing an ID, left behind by a crash mid-recreate) are resolved by
// timestamp: the newest survives, every older header is broken in place
// and handed to the reclaimer.
func (rb *Rebuilder) InitRebuildLists() error {
	rb.mu.Lock()
	headers := append([]*pmem.DLRecord(nil), rb.linkedHeaders...)
	rb.mu.Unlock()

	ids := make([]uint64, len(headers))
	for i, h := range headers {
		id, err := skiplist.FetchID(h)
		if err != nil {
			return fmt.Errorf("resolve header id: %w", errors.Join(ErrDecodeError, err))
		}
		ids[i] = id
	}

	order := make([]int, len(headers))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if ids[order[a]] != ids[order[b]] {
			return ids[order[a]] < ids[order[b]]
		}
		return headers[order[a]].Timestamp < headers[order[b]].Timestamp
	})

	groups := make(map[uint64][]*pmem.DLRecord)
	for _, i := range order {
		groups[ids[i]] = append(groups[ids[i]], headers[i])
	}

	a := rb.deps.Allocator

	for id, group := range groups {
		canonical := group[len(group)-1]
		stale := group[:len(group)-1]

		for _, h := range stale {
			a.Break(h, brokenSentinel)
			rb.mu.Lock()
			rb.invalidSkiplists[h.Offset()] = h
			rb.mu.Unlock()
		}

		// A header can itself sit on an old-version chain, left behind
		// by a crash mid-recreate of a collection that was dropped and
		// reopened under the same ID. Resolve it to whatever the
		// checkpoint would have seen, exactly as an ordinary element
		// would be resolved during index rebuild.
		visible, err := findCheckpointVersion(a, canonical, rb.cfg.Checkpoint.TS, rb.cfg.Checkpoint.Enabled, rb.logger)
		if err != nil {
			return fmt.Errorf("resolve checkpoint version for header %d: %w", id, err)
		}
		if visible == nil || visible.Status == pmem.Outdated || visible.HasExpired() {
			a.Break(canonical, brokenSentinel)
			rb.mu.Lock()
			rb.invalidSkiplists[canonical.Offset()] = canonical
			rb.mu.Unlock()
			continue
		}
		if visible.Offset() != canonical.Offset() {
			if err := skiplist.Replace(a, canonical, visible); err != nil {
				return fmt.Errorf("replace header %d with checkpoint version: %w", id, err)
			}
			a.Break(canonical, brokenSentinel)
			rb.queueUnlinked(canonical)
		}

		collectionID, comparatorName, indexWithHashtable, err := skiplist.DecodeSortedCollectionValue(visible.Value)
		if err != nil {
			return fmt.Errorf("decode header value for collection %d: %w", id, errors.Join(ErrDecodeError, err))
		}

		cmp := rb.deps.Comparators.Get(comparatorName)
		if cmp == nil {
			return fmt.Errorf("collection %d names comparator %q: %w", id, comparatorName, ErrMissingComparator)
		}

		sl := skiplist.New(fmt.Sprintf("collection-%d", collectionID), collectionID, visible, cmp, indexWithHashtable, int(rb.cfg.MaxHeight))

		if indexWithHashtable {
			release := rb.deps.HashIndex.AcquireLock(visible.Key)
			status := rb.deps.HashIndex.Insert(visible.Key, &hashindex.Entry{
				Ptr:          sl,
				PtrType:      hashindex.PtrSkiplist,
				RecordType:   visible.Type,
				RecordStatus: visible.Status,
			})
			release()
			if status == hashindex.Ok {
				return fmt.Errorf("header key already present in hash index for collection %d: %w", collectionID, ErrHashIndexInvariantViolation)
			}
		}

		rb.mu.Lock()
		rb.rebuildSkiplists[collectionID] = sl
		if collectionID > rb.maxRecoveredID {
			rb.maxRecoveredID = collectionID
		}
		// Registering the collection's first element (the header's
		// successor) as a segment start guarantees every non-empty
		// collection has a claimable span beginning at its head, even one
		// too short to ever land on a sampled stride boundary.
		if visible.Next != visible.Offset() {
			if _, exists := rb.recoverySegments[visible.Next]; !exists {
				rb.recoverySegments[visible.Next] = &segmentEntry{collectionID: collectionID}
			}
		}
		rb.mu.Unlock()
	}

	return nil
}
