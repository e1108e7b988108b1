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

import "github.com/emberkv/sortedrecover/pmem"

// AddHeader is the candidate-intake entry point for collection headers.
// It repairs a torn single-sided linkage in place; a header whose
// linkage cannot be repaired is dead, the same disposition AddElement
// gives an unrepairable element, since a header that can never be
// reached by a list walk cannot become the canonical header for its
// collection either. If recovery targets a checkpoint the dead header is
// queued unlinked instead of freed immediately: an older version of it
// may still resolve as visible once header resolution runs, and the
// reclaimer's later double-check is what tells the two cases apart.
// Otherwise there is nothing left to resolve to and the extent is
// purged straight away.
func (rb *Rebuilder) AddHeader(record *pmem.DLRecord, scratch *WorkerScratch) {
	if rb.deps.Allocator.CheckAndRepairLinkage(record) {
		rb.mu.Lock()
		rb.linkedHeaders = append(rb.linkedHeaders, record)
		rb.mu.Unlock()
		return
	}

	if rb.recoversToCheckpoint() {
		scratch.Unlinked = append(scratch.Unlinked, record)
		return
	}
	rb.deps.Allocator.PurgeAndFree(record)
}

// AddElement is the candidate-intake entry point for ordinary elements.
// A record whose linkage cannot be repaired is dead; as with AddHeader,
// it is deferred to the reclaimer only when recovery targets a
// checkpoint (an older version further back on its old-version chain
// might still be visible there), and purged immediately otherwise.
// Otherwise, in segment-based mode, the element is offered to the
// segment planner.
func (rb *Rebuilder) AddElement(record *pmem.DLRecord, scratch *WorkerScratch) error {
	if !rb.deps.Allocator.CheckAndRepairLinkage(record) {
		if rb.recoversToCheckpoint() {
			scratch.Unlinked = append(scratch.Unlinked, record)
		} else {
			rb.deps.Allocator.PurgeAndFree(record)
		}
		return nil
	}

	if rb.cfg.SegmentBasedRebuild {
		return rb.maybeSampleSegment(record, scratch)
	}
	return nil
}

// recoversToCheckpoint reports whether this run targets a checkpoint
// rather than the most recent state, the same condition
// findCheckpointVersion gates on.
func (rb *Rebuilder) recoversToCheckpoint() bool {
	return rb.cfg.Checkpoint.Enabled && rb.cfg.Checkpoint.TS > 0
}
