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
	"sync"
	"testing"
)

func TestCacheBasicOperations(t *testing.T) {
	c := New(10, 0.25, 0.7)

	if c.Len() != 0 {
		t.Errorf("expected initial length 0, got %d", c.Len())
	}

	c.Put(100, true)
	if c.Len() != 1 {
		t.Errorf("expected length 1 after Put, got %d", c.Len())
	}

	valid, found := c.Get(100)
	if !found || !valid {
		t.Errorf("expected offset 100 cached as valid, got valid=%v found=%v", valid, found)
	}

	c.Put(100, false)
	valid, found = c.Get(100)
	if !found || valid {
		t.Errorf("expected offset 100 updated to invalid, got valid=%v found=%v", valid, found)
	}

	if _, found = c.Get(999); found {
		t.Error("expected offset 999 to be absent")
	}

	if !c.Invalidate(100) {
		t.Error("expected Invalidate to report a removal")
	}
	if c.Len() != 0 {
		t.Errorf("expected length 0 after Invalidate, got %d", c.Len())
	}
	if _, found = c.Get(100); found {
		t.Error("expected offset 100 gone after Invalidate")
	}
}

func TestCacheCapacityAndEviction(t *testing.T) {
	capacity := int64(5)
	c := New(capacity, 0.25, 0.7)

	for i := int64(0); i < capacity; i++ {
		c.Put(uint64(i), true)
	}

	for i := int64(0); i < capacity; i++ {
		if _, found := c.Get(uint64(i)); !found {
			t.Errorf("expected offset %d to be cached", i)
		}
	}

	if c.Len() != capacity {
		t.Errorf("expected length %d, got %d", capacity, c.Len())
	}

	for i := int64(3); i < capacity; i++ {
		for j := 0; j < 3; j++ {
			c.Get(uint64(i))
		}
	}

	c.Put(1000, true)

	if _, found := c.Get(0); found {
		t.Error("expected the least-accessed entry to have been evicted")
	}

	for i := int64(3); i < capacity; i++ {
		if _, found := c.Get(uint64(i)); !found {
			t.Errorf("expected recently accessed offset %d to still be cached", i)
		}
	}

	if _, found := c.Get(1000); !found {
		t.Error("expected newly inserted offset to be present")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(1000, 0.25, 0.7)

	goroutines := 10
	opsPerGoroutine := 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < opsPerGoroutine; i++ {
				offset := uint64(id*opsPerGoroutine + i)
				c.Put(offset, i%2 == 0)
			}
		}(g)
	}
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < opsPerGoroutine; i++ {
				offset := uint64(id*opsPerGoroutine + i)
				c.Get(offset)
			}
		}(g)
	}
	wg.Wait()

	c.Put(9999, true)
	valid, found := c.Get(9999)
	if !found || !valid {
		t.Error("cache not functional after concurrent operations")
	}
}

func TestCacheClear(t *testing.T) {
	c := New(10, 0.25, 0.7)

	for i := uint64(0); i < 5; i++ {
		c.Put(i, i%2 == 0)
	}
	if c.Len() != 5 {
		t.Errorf("expected length 5, got %d", c.Len())
	}

	c.Clear()

	if c.Len() != 0 {
		t.Errorf("expected length 0 after Clear, got %d", c.Len())
	}
	for i := uint64(0); i < 5; i++ {
		if _, found := c.Get(i); found {
			t.Errorf("found offset %d after Clear", i)
		}
	}

	c.Put(42, true)
	if c.Len() != 1 {
		t.Errorf("expected length 1 after adding new entry, got %d", c.Len())
	}
}

func TestCacheEdgeCases(t *testing.T) {
	c := New(1, 0.25, 0.7)
	c.Put(1, true)
	c.Put(2, false)

	if _, found := c.Get(1); found {
		t.Error("expected first entry to be evicted once capacity 1 is exceeded")
	}
	valid, found := c.Get(2)
	if !found || valid {
		t.Error("expected second entry to be present and invalid")
	}

	if c.Invalidate(12345) {
		t.Error("expected Invalidate to report no removal for a missing offset")
	}

	c = New(3, 0.25, 0.7)
	c.Put(1, true)
	c.Put(2, true)
	c.Put(3, true)
	c.Put(1, false)
	c.Put(4, true)

	if _, found := c.Get(2); found {
		t.Error("expected offset 2 to be evicted after refreshing offset 1")
	}
	valid, found = c.Get(1)
	if !found || valid {
		t.Error("expected offset 1's refreshed value to still be present")
	}
}

func TestCacheStress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	c := New(100, 0.25, 0.7)

	for i := 0; i < 10000; i++ {
		offset := uint64(i % 500)
		c.Put(offset, i%3 != 0)

		if i%3 == 0 {
			c.Get(offset)
		}
		if i%7 == 0 {
			c.Invalidate(offset)
		}
	}

	c.Put(999999, true)
	valid, found := c.Get(999999)
	if !found || !valid {
		t.Error("cache not functional after stress test")
	}
}

func BenchmarkCachePut(b *testing.B) {
	c := New(int64(b.N), 0.25, 0.7)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put(uint64(i), i%2 == 0)
	}
}

func BenchmarkCacheGet(b *testing.B) {
	c := New(int64(b.N), 0.25, 0.7)

	minItems := 100
	itemCount := b.N
	if itemCount < minItems {
		itemCount = minItems
	}
	for i := 0; i < itemCount; i++ {
		c.Put(uint64(i), true)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		divisor := b.N / 2
		if divisor < 1 {
			divisor = 1
		}
		c.Get(uint64(i % divisor))
	}
}

func BenchmarkCacheConcurrent(b *testing.B) {
	c := New(1000, 0.25, 0.7)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			offset := uint64(i % 100)
			if i%2 == 0 {
				c.Put(offset, true)
			} else {
				c.Get(offset)
			}
			i++
		}
	})
}
