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
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
)

// fenced is a process-wide counter bumped after every linkage-repairing
// write. Readers have no direct dependency on its value; it exists so a
// plain write to the arena's backing file is followed by an atomic
// publish, giving Go's memory model the happens-before edge that stands
// in for a non-temporal store plus an sfence.
var fenced atomic.Uint64

func fence() { fenced.Add(1) }

// CheckPrevLinkage reports whether r's predecessor, reached through
// r.Prev, actually points its Next back at r.
func (a *Allocator) CheckPrevLinkage(r *DLRecord) bool {
	if r.Prev == NullOffset {
		return false
	}
	prev, err := a.OffsetToRecord(r.Prev)
	if err != nil || !a.Validate(prev) {
		return false
	}
	return prev.Next == r.offset
}

// CheckNextLinkage reports whether r's successor, reached through
// r.Next, actually points its Prev back at r.
func (a *Allocator) CheckNextLinkage(r *DLRecord) bool {
	if r.Next == NullOffset {
		return false
	}
	next, err := a.OffsetToRecord(r.Next)
	if err != nil || !a.Validate(next) {
		return false
	}
	return next.Prev == r.offset
}

// CheckLinkage reports whether both sides of r's linkage are intact.
func (a *Allocator) CheckLinkage(r *DLRecord) bool {
	return a.CheckPrevLinkage(r) && a.CheckNextLinkage(r)
}

// CheckAndRepairLinkage attempts to repair at most one torn side of r's
// linkage by consulting the neighbor that side names, then reports
// whether both sides point back correctly afterward. A record whose
// prev and next are both torn is unrecoverable by this call and reports
// false; the caller queues it unlinked rather than repairing it further.
func (a *Allocator) CheckAndRepairLinkage(r *DLRecord) bool {
	prevOK := a.CheckPrevLinkage(r)
	nextOK := a.CheckNextLinkage(r)

	if prevOK && nextOK {
		return true
	}
	if !prevOK && !nextOK {
		return false
	}

	if !prevOK {
		// r.Prev names the record we trust; its Next field is the one
		// that's torn (the forward half of the insert never landed).
		prev, err := a.OffsetToRecord(r.Prev)
		if err == nil && a.Validate(prev) {
			a.SetNext(prev, r.offset)
		}
	} else {
		// r.Next names the record we trust; its Prev field is torn.
		next, err := a.OffsetToRecord(r.Next)
		if err == nil && a.Validate(next) {
			a.SetPrev(next, r.offset)
		}
	}

	return a.CheckPrevLinkage(r) && a.CheckNextLinkage(r)
}

// SetPrev performs an in-place, fenced update of r.Prev on both the
// in-memory record and its on-media extent.
func (a *Allocator) SetPrev(r *DLRecord, off uint64) {
	r.Prev = off
	a.writeField(r, FullOffsetPrev, off)
	fence()
}

// SetNext performs an in-place, fenced update of r.Next.
func (a *Allocator) SetNext(r *DLRecord, off uint64) {
	r.Next = off
	a.writeField(r, FullOffsetNext, off)
	fence()
}

// SetOldVersion performs an in-place, fenced update of r.OldVersion.
// Callers clear this field (to NullOffset) only after the corresponding
// in-memory node and hash-index entry are already installed, per the
// ordering guarantee on version-chain visibility.
func (a *Allocator) SetOldVersion(r *DLRecord, off uint64) {
	r.OldVersion = off
	a.writeField(r, FullOffsetOldVersion, off)
	fence()
}

// Break severs a header in place: its Prev field is overwritten with a
// sentinel offset that cannot match any live linkage, so CheckPrevLinkage
// subsequently fails for it. The Next field is not touched; for a
// self-linked header CheckNextLinkage fails too, since the header's Prev
// no longer names itself.
func (a *Allocator) Break(r *DLRecord, sentinel uint64) {
	a.SetPrev(r, sentinel)
}

// writeField rewrites a single uint64 field of an already-persisted
// record through the block manager, then recomputes and rewrites the
// record's checksum so Validate keeps working after the repair.
func (a *Allocator) writeField(r *DLRecord, fieldOffset int, value uint64) {
	if r.offset == NullOffset {
		return
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	_ = a.bm.WriteAt(r.offset, fieldOffset, buf[:])

	r.checksum = crc32.ChecksumIEEE(r.encodeBody())
	var csum [4]byte
	binary.LittleEndian.PutUint32(csum[:], r.checksum)
	_ = a.bm.WriteAt(r.offset, fullChecksum, csum[:])

	a.validateCache.Put(r.offset, true)
}
