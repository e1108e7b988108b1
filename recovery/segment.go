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

	"github.com/emberkv/sortedrecover/pmem"
)

// segmentEntry marks one element as the start of a claimable span of the
// on-media list. visited is flipped under the rebuilder's spin lock when
// segmentBasedIndexRebuild turns the span into a task, so no span is
// handed to two workers.
type segmentEntry struct {
	visited      bool
	collectionID uint64
}

// maybeSampleSegment implements the segment planner: every RestoreStride
// elements a given worker sees of a given collection, the current
// element is recorded as a candidate segment boundary, provided it is
// itself the checkpoint-visible version of its key (sampling a record
// that recovery is about to roll back would hand a worker a span that
// starts on a dead node).
func (rb *Rebuilder) maybeSampleSegment(record *pmem.DLRecord, scratch *WorkerScratch) error {
	if !skiplist.MatchType(record, pmem.SortedElem) {
		return nil
	}

	collectionID, err := skiplist.FetchID(record)
	if err != nil {
		return errors.Join(ErrDecodeError, err)
	}

	rb.mu.Lock()
	counters, ok := rb.sampleCounters[scratch.WorkerID]
	if !ok {
		counters = make(map[uint64]uint64)
		rb.sampleCounters[scratch.WorkerID] = counters
	}
	counters[collectionID]++
	n := counters[collectionID]
	rb.mu.Unlock()

	if n%rb.cfg.RestoreStride != 0 {
		return nil
	}

	visible, err := findCheckpointVersion(rb.deps.Allocator, record, rb.cfg.Checkpoint.TS, rb.cfg.Checkpoint.Enabled, rb.logger)
	if err != nil {
		return err
	}
	if visible == nil || visible.Offset() != record.Offset() {
		return nil
	}

	rb.mu.Lock()
	rb.recoverySegments[record.Offset()] = &segmentEntry{collectionID: collectionID}
	rb.mu.Unlock()
	return nil
}
