// Package lru
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
package lru

import (
	"math"
	"runtime"
	"sort"
	"sync/atomic"
	"time"
	"unsafe"
)

// Cache is a lockless linked list mapping a persistent-memory offset to
// the last-known result of validating the record at that offset. It
// exists so a checkpoint walk that revisits the same old-version
// ancestor many times in one recovery run doesn't re-run CRC32 against
// the arena every time; every entry is keyed by offset and sized to a
// bounded capacity rather than kept forever, since a long chain during a
// large recovery could otherwise pin an unbounded amount of memory.
type Cache struct {
	head         unsafe.Pointer // *entry
	tail         unsafe.Pointer // *entry
	length       int64
	capacity     int64
	evictRatio   float64
	accessWeight float64
	timeWeight   float64
}

// entry is one node in the lock-free linked list.
type entry struct {
	key       uint64
	value     uint32 // 0 = false, 1 = true; stored this way so it can be swapped atomically without boxing
	accessCnt uint64
	timestamp int64
	next      unsafe.Pointer // *entry
	prev      unsafe.Pointer // *entry
}

const (
	valFalse uint32 = 0
	valTrue  uint32 = 1
)

func boolToVal(b bool) uint32 {
	if b {
		return valTrue
	}
	return valFalse
}

// New creates a validation cache bounded to capacity entries, evicting
// evictRatio of them (scored by a blend of access count and recency,
// weighted by accessWeight) whenever a Put would exceed it.
func New(capacity int64, evictRatio float64, accessWeight float64) *Cache {
	if capacity <= 0 {
		capacity = math.MaxInt64
	}
	if evictRatio <= 0 || evictRatio >= 1 {
		evictRatio = 0.25
	}
	if accessWeight < 0 || accessWeight > 1 {
		accessWeight = 0.7
	}

	sentinel := &entry{timestamp: time.Now().UnixNano()}

	return &Cache{
		head:         unsafe.Pointer(sentinel),
		tail:         unsafe.Pointer(sentinel),
		capacity:     capacity,
		evictRatio:   evictRatio,
		accessWeight: accessWeight,
		timeWeight:   1 - accessWeight,
	}
}

// Get returns the last cached validation result for offset, if any.
func (c *Cache) Get(offset uint64) (bool, bool) {
	current := (*entry)(atomic.LoadPointer(&c.head))
	current = (*entry)(atomic.LoadPointer(&current.next))

	for current != nil {
		if current.key == offset {
			atomic.AddUint64(&current.accessCnt, 1)
			return atomic.LoadUint32(&current.value) == valTrue, true
		}
		current = (*entry)(atomic.LoadPointer(&current.next))
	}
	return false, false
}

// Put records the validation result for offset, evicting the
// lowest-scoring entries first if the cache is at capacity.
func (c *Cache) Put(offset uint64, valid bool) {
	current := (*entry)(atomic.LoadPointer(&c.head))
	current = (*entry)(atomic.LoadPointer(&current.next))

	for current != nil {
		if current.key == offset {
			atomic.StoreUint32(&current.value, boolToVal(valid))
			atomic.AddUint64(&current.accessCnt, 1)
			return
		}
		current = (*entry)(atomic.LoadPointer(&current.next))
	}

	if atomic.LoadInt64(&c.length) >= c.capacity {
		c.evict()
	}

	newNode := &entry{
		key:       offset,
		value:     boolToVal(valid),
		accessCnt: 1,
		timestamp: time.Now().UnixNano(),
	}

	for {
		tail := (*entry)(atomic.LoadPointer(&c.tail))

		if atomic.CompareAndSwapPointer(&tail.next, nil, unsafe.Pointer(newNode)) {
			atomic.StorePointer(&newNode.prev, unsafe.Pointer(tail))

			for {
				if atomic.CompareAndSwapPointer(&c.tail, unsafe.Pointer(tail), unsafe.Pointer(newNode)) {
					break
				}
				if (*entry)(atomic.LoadPointer(&c.tail)) == newNode {
					break
				}
				runtime.Gosched()
			}

			atomic.AddInt64(&c.length, 1)
			return
		}

		nextTail := (*entry)(atomic.LoadPointer(&tail.next))
		if nextTail != nil {
			atomic.CompareAndSwapPointer(&c.tail, unsafe.Pointer(tail), unsafe.Pointer(nextTail))
		}
		runtime.Gosched()
	}
}

// Invalidate drops the cached entry for offset, if any, the way a
// record that has just been freed needs its stale validation result
// removed before the offset can be reused.
func (c *Cache) Invalidate(offset uint64) bool {
	current := (*entry)(atomic.LoadPointer(&c.head))
	current = (*entry)(atomic.LoadPointer(&current.next))

	for current != nil {
		if current.key == offset {
			prev := (*entry)(atomic.LoadPointer(&current.prev))
			next := (*entry)(atomic.LoadPointer(&current.next))

			if prev != nil {
				atomic.CompareAndSwapPointer(&prev.next, unsafe.Pointer(current), unsafe.Pointer(next))
			}
			if next != nil {
				atomic.CompareAndSwapPointer(&next.prev, unsafe.Pointer(current), unsafe.Pointer(prev))
			}
			if next == nil {
				atomic.CompareAndSwapPointer(&c.tail, unsafe.Pointer(current), unsafe.Pointer(prev))
			}

			atomic.AddInt64(&c.length, -1)
			return true
		}
		current = (*entry)(atomic.LoadPointer(&current.next))
	}
	return false
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int64 {
	return atomic.LoadInt64(&c.length)
}

// evict removes the lowest-scoring share of entries, where score blends
// normalized access count and normalized recency.
func (c *Cache) evict() {
	length := atomic.LoadInt64(&c.length)
	toEvict := int(float64(length) * c.evictRatio)
	if toEvict < 1 {
		toEvict = 1
	}

	var nodes []*entry
	for attempt := 0; attempt < 3; attempt++ {
		snapshot := make([]*entry, 0, length)
		current := (*entry)(atomic.LoadPointer(&c.head))
		current = (*entry)(atomic.LoadPointer(&current.next))

		for current != nil {
			snapshot = append(snapshot, current)
			current = (*entry)(atomic.LoadPointer(&current.next))
		}

		if int64(len(snapshot)) >= length*80/100 {
			nodes = snapshot
			break
		}
		runtime.Gosched()
	}
	if len(nodes) == 0 {
		return
	}

	type scored struct {
		node  *entry
		score float64
	}

	maxAccess := uint64(1)
	newestTime, oldestTime := nodes[0].timestamp, nodes[0].timestamp
	counts := make([]uint64, len(nodes))
	for i, n := range nodes {
		counts[i] = atomic.LoadUint64(&n.accessCnt)
		if counts[i] > maxAccess {
			maxAccess = counts[i]
		}
		if n.timestamp > newestTime {
			newestTime = n.timestamp
		}
		if n.timestamp < oldestTime {
			oldestTime = n.timestamp
		}
	}
	if newestTime == oldestTime {
		newestTime = oldestTime + 1
	}

	scoredNodes := make([]scored, len(nodes))
	for i, n := range nodes {
		accessNorm := float64(counts[i]) / float64(maxAccess)
		timeNorm := float64(n.timestamp-oldestTime) / float64(newestTime-oldestTime)
		scoredNodes[i] = scored{node: n, score: (c.accessWeight * accessNorm) + (c.timeWeight * timeNorm)}
	}

	sort.Slice(scoredNodes, func(i, j int) bool { return scoredNodes[i].score < scoredNodes[j].score })

	for i := 0; i < toEvict && i < len(scoredNodes); i++ {
		c.Invalidate(scoredNodes[i].node.key)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	sentinel := &entry{timestamp: time.Now().UnixNano()}
	atomic.StorePointer(&c.head, unsafe.Pointer(sentinel))
	atomic.StorePointer(&c.tail, unsafe.Pointer(sentinel))
	atomic.StoreInt64(&c.length, 0)
}
