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

	"github.com/emberkv/sortedrecover/skiplist"
)

// segmentBasedIndexRebuild is the two-phase strategy used when
// Config.SegmentBasedRebuild is true: many workers each resolve and
// build nodes for one disjoint span of a collection's list concurrently
// (Phase A), then a single pass per collection stitches the finished
// towers together in list order (Phase B). Splitting it this way means
// the expensive per-record work (checkpoint resolution, rollback
// replace/remove, hash-index insert, CRC rewrites) is what gets
// parallelized, while the order-sensitive splicing that would otherwise
// race across segment boundaries stays single-threaded and therefore
// trivially correct.
func (rb *Rebuilder) segmentBasedIndexRebuild() error {
	type claim struct {
		offset uint64
		entry  *segmentEntry
	}

	rb.mu.Lock()
	var claims []claim
	for offset, entry := range rb.recoverySegments {
		if entry.visited {
			continue
		}
		entry.visited = true
		claims = append(claims, claim{offset: offset, entry: entry})
	}
	lists := make(map[uint64]*skiplist.Skiplist, len(rb.rebuildSkiplists))
	for id, sl := range rb.rebuildSkiplists {
		lists[id] = sl
	}
	rb.mu.Unlock()

	tasks := make([]Task, 0, len(claims))
	for _, c := range claims {
		c := c
		sl, ok := lists[c.entry.collectionID]
		if !ok {
			continue
		}
		tasks = append(tasks, func(scratch *WorkerScratch) error {
			return rb.rebuildSegmentSpan(c.offset, sl, scratch)
		})
	}

	scratches, err := rb.pool.Run(tasks, int(rb.cfg.NumRebuildThreads))
	rb.collectScratch(scratches)
	if err != nil {
		return err
	}

	for _, sl := range lists {
		if err := rb.linkHighDramNodes(sl); err != nil {
			return err
		}
	}
	return nil
}

// rebuildSegmentSpan walks forward from a claimed segment start until it
// runs into another sampled segment boundary (claimed by some other
// worker, or about to be) or the collection header, whichever comes
// first.
func (rb *Rebuilder) rebuildSegmentSpan(startOffset uint64, sl *skiplist.Skiplist, scratch *WorkerScratch) error {
	a := rb.deps.Allocator
	header := sl.HeaderRecord()

	curr, err := a.OffsetToRecord(startOffset)
	if err != nil {
		return errors.Join(ErrLinkageCorruption, err)
	}

	for curr.Offset() != header.Offset() {
		if curr.Offset() != startOffset {
			rb.mu.Lock()
			_, isBoundary := rb.recoverySegments[curr.Offset()]
			rb.mu.Unlock()
			if isBoundary {
				break
			}
		}

		nextOffset := curr.Next
		if _, err := rb.resolveAndBuildNode(sl, curr, scratch); err != nil {
			return err
		}

		next, err := a.OffsetToRecord(nextOffset)
		if err != nil {
			return errors.Join(ErrLinkageCorruption, err)
		}
		curr = next
	}
	return nil
}

// linkHighDramNodes is Phase B: a single-pass walk of the now-settled
// on-media list that looks up each surviving offset's pre-built node and
// splices it into every tower level in true list order, then closes the
// chain the way a list-based rebuild's final Terminate does.
func (rb *Rebuilder) linkHighDramNodes(sl *skiplist.Skiplist) error {
	a := rb.deps.Allocator
	header := sl.HeaderRecord()
	splice := sl.NewSplice()

	curr, err := a.OffsetToRecord(header.Next)
	if err != nil {
		return errors.Join(ErrLinkageCorruption, err)
	}

	for curr.Offset() != header.Offset() {
		rb.mu.Lock()
		node, ok := rb.builtNodes[curr.Offset()]
		rb.mu.Unlock()
		if ok {
			skiplist.SpliceAllLevels(splice, node)
		}

		next, err := a.OffsetToRecord(curr.Next)
		if err != nil {
			return errors.Join(ErrLinkageCorruption, err)
		}
		curr = next
	}

	skiplist.Terminate(splice)
	return nil
}
