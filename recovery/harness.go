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

// Harness seeds a persistent-memory arena with a sequence of records in
// scan order and links them into circular lists as it goes, the way a
// real arena scan would present candidates to recovery. It exists so
// tests can assemble a realistic pre-crash arena without hand-computing
// offsets.
type Harness struct {
	Allocator *pmem.Allocator
	records   []*pmem.DLRecord
}

// NewHarness wraps an allocator for scan-replay construction.
func NewHarness(a *pmem.Allocator) *Harness {
	return &Harness{Allocator: a}
}

// Records returns every record persisted through this harness, in the
// order it was persisted, the replay order a real arena scan presents
// candidates in.
func (h *Harness) Records() []*pmem.DLRecord {
	return append([]*pmem.DLRecord(nil), h.records...)
}

// PersistHeader writes a header record self-linked to itself, the
// signature of a freshly created, empty collection, and returns it for
// further linking by PersistElement.
func (h *Harness) PersistHeader(rec *pmem.DLRecord) (*pmem.DLRecord, error) {
	rec.Type = pmem.SortedRecord
	off, err := h.Allocator.Persist(rec)
	if err != nil {
		return nil, err
	}
	h.Allocator.SetPrev(rec, off)
	h.Allocator.SetNext(rec, off)
	h.records = append(h.records, rec)
	return rec, nil
}

// PersistElement persists rec and splices it in immediately before
// header, i.e. at the tail of header's list, updating both neighbors'
// linkage so the arena stays internally consistent after every call.
func (h *Harness) PersistElement(rec *pmem.DLRecord, header *pmem.DLRecord) (*pmem.DLRecord, error) {
	rec.Type = pmem.SortedElem
	tail, err := h.Allocator.OffsetToRecord(header.Prev)
	if err != nil {
		return nil, err
	}

	rec.Prev = tail.Offset()
	rec.Next = header.Offset()
	if _, err := h.Allocator.Persist(rec); err != nil {
		return nil, err
	}

	h.Allocator.SetNext(tail, rec.Offset())
	h.Allocator.SetPrev(header, rec.Offset())
	h.records = append(h.records, rec)
	return rec, nil
}
