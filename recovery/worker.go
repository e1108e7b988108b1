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
	"sync"
	"sync/atomic"

	"github.com/emberkv/sortedrecover/pmem"
	"github.com/emberkv/sortedrecover/queue"
)

// WorkerScratch is the thread-local state one pool goroutine accumulates
// across every task it executes. WorkerID is assigned once, at goroutine
// entry, and never changes for the goroutine's lifetime: the source's
// thread-local next_tid_ counter exists to dodge OS thread-ID reuse
// between async tasks, a hazard goroutines don't share, but the stable
// per-worker identity it produces is still what the unlinked-record
// bookkeeping keys on, so the counter carries over as WorkerID.
type WorkerScratch struct {
	WorkerID int
	Unlinked []*pmem.DLRecord
}

// Task is one unit of rebuild work. It receives the calling goroutine's
// scratch pad rather than a bare worker ID so it can stage unlinked
// records without touching any shared map.
type Task func(scratch *WorkerScratch) error

// WorkerPool runs tasks across a bounded set of goroutines drawing from
// a lock-free queue, replacing the source's std::async chunk-batching
// with a fixed fan-out sized to NumRebuildThreads.
type WorkerPool struct {
	nextID atomic.Int64
}

// Run drains tasks across concurrency goroutines and returns every
// goroutine's scratch pad so the caller can fold their Unlinked slices
// into its own bookkeeping. The first task error observed stops that
// goroutine; other goroutines keep draining the queue until empty.
func (wp *WorkerPool) Run(tasks []Task, concurrency int) ([]*WorkerScratch, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(tasks) {
		concurrency = len(tasks)
	}

	q := queue.New[Task]()
	for _, t := range tasks {
		q.Enqueue(t)
	}

	var wg sync.WaitGroup
	scratches := make([]*WorkerScratch, concurrency)
	errCh := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			scratch := &WorkerScratch{WorkerID: int(wp.nextID.Add(1) - 1)}
			scratches[slot] = scratch

			for {
				task, ok := q.Dequeue()
				if !ok {
					return
				}
				if err := task(scratch); err != nil {
					select {
					case errCh <- err:
					default:
					}
					return
				}
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
	}
	return scratches, first
}
