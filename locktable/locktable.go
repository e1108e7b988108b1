// Package locktable
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
package locktable

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is the number of stripes in a Table created with New.
const DefaultStripes = 256

// Table is a fixed-size array of mutexes, one per stripe, indexed by
// hashing a record's persistent-memory address. It amortizes contention
// on linkage repairs across the whole arena instead of serializing every
// Remove/Replace behind one global lock.
type Table struct {
	stripes []sync.Mutex
}

// New creates a stripe lock table with n stripes, rounding n up to
// DefaultStripes when n <= 0.
func New(n int) *Table {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Table{stripes: make([]sync.Mutex, n)}
}

func (t *Table) stripe(addr uint64) *sync.Mutex {
	var buf [8]byte
	buf[0] = byte(addr)
	buf[1] = byte(addr >> 8)
	buf[2] = byte(addr >> 16)
	buf[3] = byte(addr >> 24)
	buf[4] = byte(addr >> 32)
	buf[5] = byte(addr >> 40)
	buf[6] = byte(addr >> 48)
	buf[7] = byte(addr >> 56)
	h := xxhash.Sum64(buf[:])
	return &t.stripes[h%uint64(len(t.stripes))]
}

// AcquireLock locks the stripe covering addr and returns a function that
// releases it, so callers can `defer table.AcquireLock(addr)()`.
func (t *Table) AcquireLock(addr uint64) func() {
	m := t.stripe(addr)
	m.Lock()
	return m.Unlock
}
