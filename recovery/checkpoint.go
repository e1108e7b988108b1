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
	"bytes"
	"errors"

	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/skiplist"
)

// findCheckpointVersion walks record's old-version chain until it finds
// the newest ancestor whose timestamp is at or below checkpointTS. It
// returns nil (not an error) when every version of the key postdates the
// checkpoint, meaning the key has nothing visible there. An ancestor that
// fails validation, names a different key, or crosses into a different
// collection is checkpoint corruption, not a fatal error: it is logged and
// the walk aborts to nil so the caller treats the record as not-visible
// and moves on, rather than aborting the whole rebuild. When the run does
// not target a checkpoint (disabled, or checkpointTS zero) record is
// returned unchanged.
func findCheckpointVersion(a *pmem.Allocator, record *pmem.DLRecord, checkpointTS uint64, checkpointEnabled bool, logger Logger) (*pmem.DLRecord, error) {
	if !checkpointEnabled || checkpointTS == 0 {
		return record, nil
	}

	collectionID, err := skiplist.FetchID(record)
	if err != nil {
		return nil, errors.Join(ErrDecodeError, err)
	}

	curr := record
	for curr.Timestamp > checkpointTS {
		if curr.OldVersion == pmem.NullOffset {
			return nil, nil
		}

		ancestor, err := a.OffsetToRecord(curr.OldVersion)
		if err != nil {
			return nil, errors.Join(ErrLinkageCorruption, err)
		}
		if !a.Validate(ancestor) {
			if logger != nil {
				logger.Printf("checkpoint: old-version chain at offset %d has an ancestor that fails validation, truncating", record.Offset())
			}
			return nil, nil
		}

		ancestorID, err := skiplist.FetchID(ancestor)
		if err != nil || ancestorID != collectionID {
			if logger != nil {
				logger.Printf("checkpoint: old-version chain at offset %d crosses collections, truncating", record.Offset())
			}
			return nil, nil
		}
		if !bytes.Equal(ancestor.Key, record.Key) {
			if logger != nil {
				logger.Printf("checkpoint: old-version chain at offset %d names a different key, truncating", record.Offset())
			}
			return nil, nil
		}

		curr = ancestor
	}

	return curr, nil
}
