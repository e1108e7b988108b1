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

	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/skiplist"
)

// ApplyRollback undoes every entry of a batch write that never committed
// in full, one log entry at a time, before candidate intake sees the
// arena. A record that never made it into the list at all (its forward
// half of the link never landed) needs no undo; one that did gets
// either removed, if it was a fresh insert, or replaced back with its
// old version, if it was an update. Either way the record itself is
// then destroyed: a record that fails validation or whose linkage is
// already torn has no well-formed remove/replace to perform, but it is
// still dead and is queued for the reclaimer rather than left in place.
func (rb *Rebuilder) ApplyRollback(entries []BatchWriteLogEntry) error {
	a := rb.deps.Allocator

	for _, entry := range entries {
		rec, err := a.OffsetToRecord(entry.Offset)
		if err != nil {
			return errors.Join(ErrLinkageCorruption, err)
		}

		if !a.Validate(rec) || !a.CheckPrevLinkage(rec) {
			rb.queueUnlinked(rec)
			continue
		}

		if rec.OldVersion == pmem.NullOffset {
			if err := skiplist.Remove(a, rec); err != nil {
				return err
			}
		} else {
			old, err := a.OffsetToRecord(rec.OldVersion)
			if err != nil {
				return errors.Join(ErrLinkageCorruption, err)
			}
			if err := skiplist.Replace(a, rec, old); err != nil {
				return err
			}
		}

		a.PurgeAndFree(rec)
	}

	return nil
}
