// Package skiplist
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
package skiplist

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/emberkv/sortedrecover/comparator"
	"github.com/emberkv/sortedrecover/pmem"
)

// DefaultMaxHeight mirrors kMaxHeight: the tallest tower a node may grow.
const DefaultMaxHeight = 32

const p = 0.25

var (
	ErrKeyTooShort       = errors.New("skiplist: key too short to contain a collection id")
	ErrTruncatedValue    = errors.New("skiplist: truncated sorted-collection value")
	ErrLinkageCorruption = errors.New("skiplist: linkage precondition violated")
)

// Node is an in-memory companion to a persisted DLRecord. Its level-1
// forward pointer must always mirror the record's on-media Next offset;
// higher levels are a probabilistic shortcut.
type Node struct {
	forward []atomic.Pointer[Node] // len == height
	record  *pmem.DLRecord
}

// Height returns how many tower levels this node participates in.
func (n *Node) Height() int { return len(n.forward) }

// Next returns the node linked at the given level, or nil at the end of
// the chain.
func (n *Node) Next(level int) *Node { return n.forward[level].Load() }

// SetNext atomically publishes the successor at the given level.
func (n *Node) SetNext(level int, next *Node) { n.forward[level].Store(next) }

// Record returns the persistent record this node indexes.
func (n *Node) Record() *pmem.DLRecord { return n.record }

// Key returns the node's sort key, taken from its backing record.
func (n *Node) Key() []byte {
	if n.record == nil {
		return nil
	}
	return n.record.Key
}

var rngMu sync.Mutex
var rng = rand.New(rand.NewSource(1))

// randomLevel picks a tower height in [1, maxHeight] using the classic
// p=0.25 coin-flip ladder.
func randomLevel(maxHeight int) int {
	rngMu.Lock()
	defer rngMu.Unlock()

	level := 1
	for level < maxHeight && rng.Float64() < p {
		level++
	}
	return level
}

// NewNodeBuild constructs an in-memory node for record with a
// probabilistically assigned height. It mirrors the source's factory of
// the same name. Construction here never fails, so it never returns nil
// and its callers call it once, without a retry loop.
func NewNodeBuild(record *pmem.DLRecord, maxHeight int) *Node {
	if maxHeight <= 0 {
		maxHeight = DefaultMaxHeight
	}
	height := randomLevel(maxHeight)
	return &Node{
		forward: make([]atomic.Pointer[Node], height),
		record:  record,
	}
}

// Splice tracks, per tower level, the last node spliced at that level
// during a forward walk. It is the in-memory analogue of the rebuilder's
// per-level prev cursor.
type Splice struct {
	prev []*Node
}

// NewSplice seeds every level's cursor at header, the sentinel all
// chains begin and end at.
func NewSplice(header *Node, maxHeight int) *Splice {
	s := &Splice{prev: make([]*Node, maxHeight)}
	for i := range s.prev {
		s.prev[i] = header
	}
	return s
}

// At returns the current cursor for a level.
func (s *Splice) At(level int) *Node { return s.prev[level] }

// Advance moves the cursor for a level to node without writing any
// pointer.
func (s *Splice) Advance(level int, node *Node) { s.prev[level] = node }

// SpliceAtLevel links node after the current cursor at level and
// advances the cursor to node.
func SpliceAtLevel(s *Splice, level int, node *Node) {
	s.prev[level].SetNext(level, node)
	s.prev[level] = node
}

// SpliceAllLevels links node into every level up to its own height. Used
// by the single-pass list-based rebuild walk.
func SpliceAllLevels(s *Splice, node *Node) {
	for lvl := 0; lvl < node.Height(); lvl++ {
		SpliceAtLevel(s, lvl, node)
	}
}

// Terminate closes every level's chain by pointing the final cursor's
// forward pointer at nil (end of list), undoing the circular on-media
// representation for the in-memory tower.
func Terminate(s *Splice) {
	for lvl := range s.prev {
		s.prev[lvl].SetNext(lvl, nil)
	}
}

// Skiplist is the in-memory handle over a collection's header record and
// its level-1 companion chain.
type Skiplist struct {
	name               string
	id                 uint64
	comparator         comparator.Func
	indexWithHashtable bool
	maxHeight          int

	headerRecord *pmem.DLRecord
	headerNode   *Node

	count atomic.Int64
}

// New creates a Skiplist bound to an already-persisted header record.
func New(name string, id uint64, headerRecord *pmem.DLRecord, cmp comparator.Func, indexWithHashtable bool, maxHeight int) *Skiplist {
	if maxHeight <= 0 {
		maxHeight = DefaultMaxHeight
	}
	return &Skiplist{
		name:               name,
		id:                 id,
		comparator:         cmp,
		indexWithHashtable: indexWithHashtable,
		maxHeight:          maxHeight,
		headerRecord:       headerRecord,
		headerNode: &Node{
			forward: make([]atomic.Pointer[Node], maxHeight),
			record:  headerRecord,
		},
	}
}

func (s *Skiplist) Name() string                { return s.name }
func (s *Skiplist) ID() uint64                   { return s.id }
func (s *Skiplist) Comparator() comparator.Func  { return s.comparator }
func (s *Skiplist) IndexWithHashtable() bool     { return s.indexWithHashtable }
func (s *Skiplist) MaxHeight() int               { return s.maxHeight }
func (s *Skiplist) HeaderRecord() *pmem.DLRecord { return s.headerRecord }
func (s *Skiplist) HeaderNode() *Node            { return s.headerNode }
func (s *Skiplist) Count() int64                 { return s.count.Load() }

// UpdateSize is an atomic add. The recovery rebuilders call it once per
// indexed element; counts are not batched per segment.
func (s *Skiplist) UpdateSize(delta int64) { s.count.Add(delta) }

// NewSplice returns a Splice whose cursors all start at the header node.
func (s *Skiplist) NewSplice() *Splice { return NewSplice(s.headerNode, s.maxHeight) }

// FetchID decodes the collection ID stably embedded as the first 8 bytes
// of a record's internal key.
func FetchID(record *pmem.DLRecord) (uint64, error) {
	if len(record.Key) < 8 {
		return 0, ErrKeyTooShort
	}
	return binary.BigEndian.Uint64(record.Key[:8]), nil
}

// MatchType reports whether record is still tagged with the expected
// record type. The reclaimer uses this as half of its double-check
// before physically freeing an unlinked record.
func MatchType(record *pmem.DLRecord, want pmem.RecordType) bool {
	return record.Type == want
}

// EncodeSortedCollectionValue serializes a header's payload: the
// collection ID, the comparator name, and the index-with-hashtable flag.
func EncodeSortedCollectionValue(collectionID uint64, comparatorName string, indexWithHashtable bool) []byte {
	nameBytes := []byte(comparatorName)
	buf := make([]byte, 8+2+len(nameBytes)+1)
	binary.BigEndian.PutUint64(buf[0:], collectionID)
	binary.BigEndian.PutUint16(buf[8:], uint16(len(nameBytes)))
	copy(buf[10:], nameBytes)
	if indexWithHashtable {
		buf[10+len(nameBytes)] = 1
	}
	return buf
}

// DecodeSortedCollectionValue is the inverse of EncodeSortedCollectionValue.
func DecodeSortedCollectionValue(value []byte) (collectionID uint64, comparatorName string, indexWithHashtable bool, err error) {
	if len(value) < 11 {
		return 0, "", false, ErrTruncatedValue
	}
	collectionID = binary.BigEndian.Uint64(value[0:])
	nameLen := int(binary.BigEndian.Uint16(value[8:]))
	if len(value) < 10+nameLen+1 {
		return 0, "", false, ErrTruncatedValue
	}
	comparatorName = string(value[10 : 10+nameLen])
	indexWithHashtable = value[10+nameLen] != 0
	return collectionID, comparatorName, indexWithHashtable, nil
}

// Remove splices record out of the on-media doubly-linked list by
// relinking its neighbors to each other. The record itself is left for
// the caller to queue unlinked; Remove only repairs the surviving
// structure.
func Remove(a *pmem.Allocator, record *pmem.DLRecord) error {
	prev, err := a.OffsetToRecord(record.Prev)
	if err != nil {
		return errors.Join(ErrLinkageCorruption, err)
	}
	next, err := a.OffsetToRecord(record.Next)
	if err != nil {
		return errors.Join(ErrLinkageCorruption, err)
	}

	a.SetNext(prev, record.Next)
	a.SetPrev(next, record.Prev)
	return nil
}

// Replace swaps replacement into the position record currently occupies
// in the on-media list. record is left for the caller to queue unlinked.
// A self-linked record (an empty collection's header) is replaced by a
// self-linked replacement, and record's own fields are left untouched.
func Replace(a *pmem.Allocator, record, replacement *pmem.DLRecord) error {
	prev, err := a.OffsetToRecord(record.Prev)
	if err != nil {
		return errors.Join(ErrLinkageCorruption, err)
	}
	next, err := a.OffsetToRecord(record.Next)
	if err != nil {
		return errors.Join(ErrLinkageCorruption, err)
	}

	newPrev, newNext := record.Prev, record.Next
	if newPrev == record.Offset() {
		newPrev = replacement.Offset()
	}
	if newNext == record.Offset() {
		newNext = replacement.Offset()
	}
	a.SetPrev(replacement, newPrev)
	a.SetNext(replacement, newNext)
	if record.Prev != record.Offset() {
		a.SetNext(prev, replacement.Offset())
	}
	if record.Next != record.Offset() {
		a.SetPrev(next, replacement.Offset())
	}
	return nil
}
