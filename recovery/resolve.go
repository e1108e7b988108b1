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
	"fmt"

	"github.com/emberkv/sortedrecover/hashindex"
	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/skiplist"
)

// resolveAndBuildNode is the per-record unit of work shared by both
// index-rebuild strategies: resolve curr to the version visible at the
// checkpoint, repair the on-media list if that version isn't curr
// itself, build its companion node, index it, and then clear its
// old-version pointer. It returns a nil node without error when curr has
// nothing visible at the checkpoint, or the visible version is Outdated
// or expired (curr is then removed from the list and queued unlinked);
// callers treat a nil node as "skip".
func (rb *Rebuilder) resolveAndBuildNode(sl *skiplist.Skiplist, curr *pmem.DLRecord, scratch *WorkerScratch) (*skiplist.Node, error) {
	a := rb.deps.Allocator

	visible, err := findCheckpointVersion(a, curr, rb.cfg.Checkpoint.TS, rb.cfg.Checkpoint.Enabled, rb.logger)
	if err != nil {
		return nil, err
	}
	if visible == nil || visible.Status == pmem.Outdated || visible.HasExpired() {
		if err := skiplist.Remove(a, curr); err != nil {
			return nil, err
		}
		scratch.Unlinked = append(scratch.Unlinked, curr)
		return nil, nil
	}
	if visible.Offset() != curr.Offset() {
		if err := skiplist.Replace(a, curr, visible); err != nil {
			return nil, err
		}
		scratch.Unlinked = append(scratch.Unlinked, curr)
	}

	node := skiplist.NewNodeBuild(visible, sl.MaxHeight())

	if sl.IndexWithHashtable() {
		release := rb.deps.HashIndex.AcquireLock(visible.Key)
		status := rb.deps.HashIndex.Insert(visible.Key, &hashindex.Entry{
			Ptr:          node,
			PtrType:      hashindex.PtrSkiplistNode,
			RecordType:   visible.Type,
			RecordStatus: visible.Status,
		})
		release()
		if status == hashindex.Ok {
			return nil, fmt.Errorf("key already present in hash index: %w", ErrHashIndexInvariantViolation)
		}
	}

	a.SetOldVersion(visible, pmem.NullOffset)
	sl.UpdateSize(1)

	rb.mu.Lock()
	rb.builtNodes[visible.Offset()] = node
	rb.mu.Unlock()

	return node, nil
}
