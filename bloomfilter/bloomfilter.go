// Package bloomfilter
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
package bloomfilter

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter guards reclaim's double-free check against re-destroying an
// offset that more than one phase queued unlinked. Keys are always
// persistent-memory offsets, so Add and Contains take a uint64 directly
// rather than a caller-encoded byte slice.
type BloomFilter struct {
	Bitset    []int8 // Bitset, each int8 can store 8 bits
	Size      uint   // Size of the bit array
	hashCount uint   // Number of hash functions
}

// New creates a new Bloom filter sized for an expected number of offsets
// and a target false positive rate.
func New(expectedItems uint, falsePositiveRate float64) (*BloomFilter, error) {
	if expectedItems == 0 {
		return nil, errors.New("expectedItems must be greater than 0")
	}

	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		return nil, errors.New("falsePositiveRate must be between 0 and 1")
	}

	// Calculate optimal size and add a safety margin for low FPR cases
	size := optimalSize(expectedItems, falsePositiveRate)
	if falsePositiveRate < 0.01 {
		// Add 20% extra space for very low FPR targets
		size = uint(float64(size) * 1.2)
	}

	// Make size a prime number (or at least odd) to improve hash distribution
	size = nextOddNumber(size)

	hashCount := optimalHashCount(size, expectedItems)

	bf := &BloomFilter{
		Bitset:    make([]int8, (size+7)/8), // Allocate enough int8s to store the bits
		Size:      size,
		hashCount: hashCount,
	}

	return bf, nil
}

// Add records offset as having been seen.
func (bf *BloomFilter) Add(offset uint64) error {
	h1, h2 := bf.twoHashes(offset)

	// h_i(x) = (h1(x) + i*h2(x)) mod m
	// This produces k different hash functions from two base hashes
	m := uint64(bf.Size)
	for i := uint(0); i < bf.hashCount; i++ {
		// Ensure h2 is relatively prime to m (odd h2 with even m, or any h2 with prime m)
		// Specifically, we'll make sure h2 is not zero and add 1 if it is
		h2Val := h2
		if h2Val%m == 0 {
			h2Val++
		}

		// Calculate position using double hashing formula
		position := (h1 + uint64(i)*h2Val) % m
		bf.Bitset[position/8] |= 1 << (position % 8)
	}

	return nil
}

// Contains reports whether offset might already have been added. False
// positives are possible; false negatives are not.
func (bf *BloomFilter) Contains(offset uint64) bool {
	h1, h2 := bf.twoHashes(offset)

	// Use same double hashing scheme as Add
	m := uint64(bf.Size)
	for i := uint(0); i < bf.hashCount; i++ {
		// Ensure h2 is relatively prime to m
		h2Val := h2
		if h2Val%m == 0 {
			h2Val++
		}

		position := (h1 + uint64(i)*h2Val) % m
		if bf.Bitset[position/8]&(1<<(position%8)) == 0 {
			return false // Definitely not in set
		}
	}
	return true // Might be in set
}

// twoHashes computes two independent hash values for offset. h1 is xxHash,
// the same hash family the hash index uses for shard selection; h2 is FNV,
// a different algorithm so the double-hashing pair stays decorrelated.
func (bf *BloomFilter) twoHashes(offset uint64) (uint64, uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], offset)

	h1 := xxhash.Sum64(buf[:])

	f := fnv.New64()
	_, _ = f.Write(buf[:])
	h2 := f.Sum64()

	return h1, h2
}

// optimalSize calculates the optimal size of the bit array
func optimalSize(n uint, p float64) uint {
	return uint(math.Ceil(-float64(n) * math.Log(p) / math.Pow(math.Log(2), 2)))
}

// optimalHashCount calculates the optimal number of hash functions
func optimalHashCount(size uint, n uint) uint {
	return uint(math.Ceil(float64(size) / float64(n) * math.Log(2)))
}

// nextOddNumber returns the next odd number >= n
func nextOddNumber(n uint) uint {
	if n%2 == 0 {
		return n + 1
	}
	return n
}

// CalculateTheoreticalFPP returns the theoretical false positive probability
// based on the current state of the filter
func (bf *BloomFilter) CalculateTheoreticalFPP(itemsAdded uint) float64 {
	if itemsAdded == 0 {
		return 0.0
	}

	// (1 - e^(-kn/m))^k
	k := float64(bf.hashCount)
	m := float64(bf.Size)
	n := float64(itemsAdded)

	return math.Pow(1.0-math.Exp(-k*n/m), k)
}
