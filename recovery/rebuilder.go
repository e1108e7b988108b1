// Package recovery implements sorted-collection recovery: rebuilding the
// in-memory skiplist index over a persistent-memory arena's on-media
// doubly-linked lists after a crash, without replaying a write-ahead log.
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
	"github.com/google/uuid"

	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/skiplist"
	"github.com/emberkv/sortedrecover/spinlock"
)

// Rebuilder holds all shared bookkeeping for a single recovery run. Its
// maps are guarded by a spin lock rather than sync.Mutex: every access is
// a short map read/write or append, never a blocking call, which is
// exactly the shape the stack package's CAS loop is built for.
type Rebuilder struct {
	cfg    *Config
	deps   *Dependencies
	logger Logger
	runID  string
	pool   *WorkerPool

	mu               spinlock.Mutex
	linkedHeaders    []*pmem.DLRecord
	recoverySegments map[uint64]*segmentEntry
	rebuildSkiplists map[uint64]*skiplist.Skiplist
	invalidSkiplists map[uint64]*pmem.DLRecord
	unlinked         map[int][]*pmem.DLRecord
	sampleCounters   map[int]map[uint64]uint64
	builtNodes       map[uint64]*skiplist.Node

	maxRecoveredID uint64
}

// NewRebuilder validates cfg and deps and returns a Rebuilder ready to
// accept candidates through AddHeader/AddElement.
func NewRebuilder(cfg *Config, deps *Dependencies) (*Rebuilder, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if deps == nil {
		return nil, ErrNilDependencies
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	cfgCopy := *cfg
	cfgCopy.defaults()

	rb := &Rebuilder{
		cfg:              &cfgCopy,
		deps:             deps,
		logger:           newLogger(&cfgCopy),
		runID:            uuid.New().String(),
		pool:             &WorkerPool{},
		recoverySegments: make(map[uint64]*segmentEntry),
		rebuildSkiplists: make(map[uint64]*skiplist.Skiplist),
		invalidSkiplists: make(map[uint64]*pmem.DLRecord),
		unlinked:         make(map[int][]*pmem.DLRecord),
		sampleCounters:   make(map[int]map[uint64]uint64),
		builtNodes:       make(map[uint64]*skiplist.Node),
	}
	rb.logger.Printf("recovery run %s starting (segment_based=%v threads=%d stride=%d)",
		rb.runID, cfgCopy.SegmentBasedRebuild, cfgCopy.NumRebuildThreads, cfgCopy.RestoreStride)
	return rb, nil
}

// RunID identifies this recovery run in logs.
func (rb *Rebuilder) RunID() string { return rb.runID }

func (rb *Rebuilder) collectScratch(scratches []*WorkerScratch) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for _, s := range scratches {
		if s == nil {
			continue
		}
		rb.unlinked[s.WorkerID] = append(rb.unlinked[s.WorkerID], s.Unlinked...)
	}
}

// rollbackWorkerID buckets the records ApplyRollback and header
// resolution mark dead outside the worker pool. Pool WorkerIDs start at
// 0, so -1 can never collide with one.
const rollbackWorkerID = -1

// queueUnlinked hands rec to the reclaimer the same way a pool worker's
// scratch pad does, for the callers that run without a scratch pad
// (ApplyRollback, and InitRebuildLists for a header it replaced).
func (rb *Rebuilder) queueUnlinked(rec *pmem.DLRecord) {
	rb.mu.Lock()
	rb.unlinked[rollbackWorkerID] = append(rb.unlinked[rollbackWorkerID], rec)
	rb.mu.Unlock()
}

// RebuildIndexes dispatches to the configured index-rebuild strategy.
// Callers normally reach this only through Rebuild; it is exported so a
// caller that wants to drive header resolution and index rebuild as
// separate, individually observable steps can do so in tests.
func (rb *Rebuilder) RebuildIndexes() error {
	if rb.cfg.SegmentBasedRebuild {
		return rb.segmentBasedIndexRebuild()
	}
	return rb.listBasedIndexRebuild()
}

// Result snapshots the set of live skiplists resolved so far.
func (rb *Rebuilder) Result() *RebuildResult {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make(map[uint64]*skiplist.Skiplist, len(rb.rebuildSkiplists))
	for id, sl := range rb.rebuildSkiplists {
		out[id] = sl
	}
	return &RebuildResult{MaxRecoveredID: rb.maxRecoveredID, RebuildSkiplists: out}
}

// Rebuild runs every phase in order: rollback, candidate intake over
// candidates (fanned out across NumRebuildThreads workers), header
// resolution, index rebuild, and reclamation. It is the entry point a
// real recovery path and the test harness both drive.
func (rb *Rebuilder) Rebuild(candidates []*pmem.DLRecord, rollbackLog []BatchWriteLogEntry) (*RebuildResult, error) {
	if err := rb.ApplyRollback(rollbackLog); err != nil {
		result := &RebuildResult{Status: err}
		return result, err
	}

	tasks := make([]Task, 0, len(candidates))
	for _, rec := range candidates {
		rec := rec
		tasks = append(tasks, func(scratch *WorkerScratch) error {
			if rec.IsHeader() {
				rb.AddHeader(rec, scratch)
				return nil
			}
			return rb.AddElement(rec, scratch)
		})
	}

	scratches, err := rb.pool.Run(tasks, int(rb.cfg.NumRebuildThreads))
	rb.collectScratch(scratches)
	if err != nil {
		result := &RebuildResult{Status: err}
		return result, err
	}

	if err := rb.InitRebuildLists(); err != nil {
		result := &RebuildResult{Status: err}
		return result, err
	}
	if err := rb.RebuildIndexes(); err != nil {
		result := &RebuildResult{Status: err}
		return result, err
	}

	rb.Reclaim()

	result := rb.Result()
	rb.logger.Printf("recovery run %s finished: %d collections, max id %d", rb.runID, len(result.RebuildSkiplists), result.MaxRecoveredID)
	return result, nil
}
