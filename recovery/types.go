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

	"github.com/emberkv/sortedrecover/comparator"
	"github.com/emberkv/sortedrecover/hashindex"
	"github.com/emberkv/sortedrecover/locktable"
	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/skiplist"
)

// Fatal error taxonomy. Each is wrapped with fmt.Errorf("...: %w", err)
// at its call site.
var (
	ErrDecodeError                 = errors.New("recovery: malformed header payload")
	ErrMissingComparator           = errors.New("recovery: comparator not registered")
	ErrHashIndexInvariantViolation = errors.New("recovery: hash index slot already occupied")
	ErrLinkageCorruption           = errors.New("recovery: linkage precondition violated")
	ErrAllocatorFailure            = errors.New("recovery: allocator failure")
	ErrNilConfig                   = errors.New("recovery: nil config")
	ErrNilDependencies             = errors.New("recovery: nil dependencies")
)

// Checkpoint demarcates the globally consistent snapshot recovery rolls
// element versions back to.
type Checkpoint struct {
	TS      uint64
	Enabled bool
}

// Config is the set of knobs the core recognizes. No CLI, env vars, or
// wire protocol at this layer; callers build one directly.
type Config struct {
	SegmentBasedRebuild bool
	NumRebuildThreads   uint64
	MaxAccessThreads    uint64
	Checkpoint          Checkpoint
	RestoreStride       uint64
	MaxHeight           uint8

	// LogChannel, if set, receives each formatted log line in addition
	// to the default logger, mirroring Options.LogChannel. A line is
	// dropped from the channel, not waited on, when the channel is full.
	LogChannel chan string
}

// defaults mirror the original's kRestoreSkiplistStride / kMaxHeight and
// the NumRebuildThreads = min(configured, max_access_threads) rule.
func (c *Config) defaults() {
	if c.RestoreStride == 0 {
		c.RestoreStride = 4
	}
	if c.MaxHeight == 0 {
		c.MaxHeight = skiplist.DefaultMaxHeight
	}
	if c.MaxAccessThreads == 0 {
		c.MaxAccessThreads = 4
	}
	if c.NumRebuildThreads == 0 || c.NumRebuildThreads > c.MaxAccessThreads {
		c.NumRebuildThreads = c.MaxAccessThreads
	}
}

// Dependencies are the external collaborators the core consumes: the
// persistent-memory allocator, the shared hash index, the lock table
// guarding linkage ops, and the comparator registry.
type Dependencies struct {
	Allocator   *pmem.Allocator
	HashIndex   *hashindex.Index
	LockTable   *locktable.Table
	Comparators *comparator.Registry
}

func (d *Dependencies) validate() error {
	if d.Allocator == nil {
		return errors.New("recovery: nil allocator dependency")
	}
	if d.HashIndex == nil {
		return errors.New("recovery: nil hash index dependency")
	}
	if d.LockTable == nil {
		return errors.New("recovery: nil lock table dependency")
	}
	if d.Comparators == nil {
		return errors.New("recovery: nil comparator registry dependency")
	}
	return nil
}

// RebuildResult is handed back to the engine. Invalid skiplists and
// unlinked records are reclaimed internally; they never appear here.
type RebuildResult struct {
	Status           error
	MaxRecoveredID   uint64
	RebuildSkiplists map[uint64]*skiplist.Skiplist
}

// BatchWriteLogEntry is one entry of the batch-write sorted log consumed
// by the Rollback Applier before intake.
type BatchWriteLogEntry struct {
	Offset uint64
}
