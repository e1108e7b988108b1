// Package hashindex
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
package hashindex

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/emberkv/sortedrecover/pmem"
)

// PtrType tags what kind of collaborator an Entry points at. The index
// stores a tagged union rather than dispatching through an interface,
// matching the dynamic-pointer-type note the rebuilder design calls for.
type PtrType uint8

const (
	PtrSkiplist PtrType = iota
	PtrSkiplistNode
	PtrDLRecord
)

// InsertStatus mirrors the engine's hash-index insert outcome.
type InsertStatus int

const (
	// NotFound means the slot was empty before this call: the insert
	// succeeded.
	NotFound InsertStatus = iota
	// Ok means an entry already occupied the slot: for sorted-collection
	// keys this is always a fatal rebuild bug (HashIndexInvariantViolation).
	Ok
)

// Entry is a tagged pointer plus the bookkeeping the engine's real hash
// index carries alongside it.
type Entry struct {
	Ptr          any
	PtrType      PtrType
	RecordType   pmem.RecordType
	RecordStatus pmem.RecordStatus
}

const shardCount = 256

type shard struct {
	mu sync.RWMutex
	m  map[string]*Entry
}

// Index is a sharded hash map with one stripe lock per shard, keyed by
// internal key bytes (collection_id ++ user_key).
type Index struct {
	shards [shardCount]*shard
}

// New creates an empty hash index.
func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{m: make(map[string]*Entry)}
	}
	return idx
}

func (idx *Index) shardFor(key []byte) *shard {
	h := xxhash.Sum64(key)
	return idx.shards[h%uint64(shardCount)]
}

// AcquireLock locks the shard covering key and returns a function that
// releases it, mirroring the engine's scoped stripe-lock guard.
func (idx *Index) AcquireLock(key []byte) func() {
	s := idx.shardFor(key)
	s.mu.Lock()
	return s.mu.Unlock
}

// Insert adds entry at key if the slot is empty. It does not take the
// shard lock itself: concurrent callers hold it via AcquireLock around
// the call, as the header resolver and the index rebuilders do.
func (idx *Index) Insert(key []byte, entry *Entry) InsertStatus {
	s := idx.shardFor(key)

	if _, exists := s.m[string(key)]; exists {
		return Ok
	}
	s.m[string(key)] = entry
	return NotFound
}

// Lookup returns the entry for key, if any.
func (idx *Index) Lookup(key []byte) (*Entry, bool) {
	s := idx.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[string(key)]
	return e, ok
}

// Remove deletes the entry for key, if any.
func (idx *Index) Remove(key []byte) {
	s := idx.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, string(key))
}

// Len returns the total number of entries across all shards, for test
// assertions on hash-index consistency.
func (idx *Index) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
