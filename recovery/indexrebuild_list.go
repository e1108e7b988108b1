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

// listBasedIndexRebuild assigns one worker per collection. It is the
// simpler of the two strategies and the one used whenever
// Config.SegmentBasedRebuild is false, favoring low overhead over
// parallelism within a single large collection.
func (rb *Rebuilder) listBasedIndexRebuild() error {
	rb.mu.Lock()
	lists := make([]*skiplist.Skiplist, 0, len(rb.rebuildSkiplists))
	for _, sl := range rb.rebuildSkiplists {
		lists = append(lists, sl)
	}
	rb.mu.Unlock()

	tasks := make([]Task, 0, len(lists))
	for _, sl := range lists {
		sl := sl
		tasks = append(tasks, func(scratch *WorkerScratch) error {
			return rb.rebuildSkiplistIndex(sl, scratch)
		})
	}

	scratches, err := rb.pool.Run(tasks, int(rb.cfg.NumRebuildThreads))
	rb.collectScratch(scratches)
	return err
}

// rebuildSkiplistIndex walks a collection's on-media list once, start to
// finish, resolving each element against the checkpoint and splicing its
// companion node into every tower level as it goes. The walk terminates
// when it loops back around to the header.
func (rb *Rebuilder) rebuildSkiplistIndex(sl *skiplist.Skiplist, scratch *WorkerScratch) error {
	a := rb.deps.Allocator
	header := sl.HeaderRecord()
	splice := sl.NewSplice()

	curr, err := a.OffsetToRecord(header.Next)
	if err != nil {
		return errors.Join(ErrLinkageCorruption, err)
	}

	for curr.Offset() != header.Offset() {
		nextOffset := curr.Next

		node, err := rb.resolveAndBuildNode(sl, curr, scratch)
		if err != nil {
			return err
		}
		if node != nil {
			skiplist.SpliceAllLevels(splice, node)
		}

		next, err := a.OffsetToRecord(nextOffset)
		if err != nil {
			return errors.Join(ErrLinkageCorruption, err)
		}
		curr = next
	}

	skiplist.Terminate(splice)
	return nil
}
