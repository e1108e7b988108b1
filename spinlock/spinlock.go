// Package spinlock
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
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Mutex is a CAS-loop spin lock, the same compare-and-swap idiom the
// lock-free stack uses for its head pointer, applied here to guard a
// short critical section instead of a single pointer swap. Meant for
// the rebuilder's shared bookkeeping (linked headers, recovery segments,
// rebuild/invalid skiplist maps), which is held only briefly per access.
type Mutex struct {
	state atomic.Bool
}

// Lock spins until it acquires the lock.
func (m *Mutex) Lock() {
	for !m.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the lock.
func (m *Mutex) Unlock() {
	m.state.Store(false)
}
