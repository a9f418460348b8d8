// Copyright 2024 The gsgx Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides a fixed-size bitmap used for version-slot
// occupancy tracking.
package bitmap

import (
	"math/bits"
)

// Bitmap implements a fixed-size bitmap. The zero value is not usable; use
// New. Bitmap is not safe for concurrent use, callers serialize access.
type Bitmap struct {
	// numOnes is the number of set bits.
	numOnes uint32

	size uint32

	// blocks holds the bits, 64 per entry.
	blocks []uint64
}

// New creates an empty Bitmap of the given size. The size is fixed for the
// lifetime of the bitmap.
func New(size uint32) Bitmap {
	return Bitmap{
		size:   size,
		blocks: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Empty returns true iff no bit is set.
func (b *Bitmap) Empty() bool {
	return b.numOnes == 0
}

// Full returns true iff every bit is set.
func (b *Bitmap) Full() bool {
	return b.numOnes == b.size
}

// NumOnes returns the number of set bits.
func (b *Bitmap) NumOnes() uint32 {
	return b.numOnes
}

// Contains reports whether bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	return b.blocks[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	blk := &b.blocks[i/64]
	mask := uint64(1) << (i % 64)
	if *blk&mask == 0 {
		*blk |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	blk := &b.blocks[i/64]
	mask := uint64(1) << (i % 64)
	if *blk&mask != 0 {
		*blk &^= mask
		b.numOnes--
	}
}

// FirstZero returns the index of the first clear bit, and false if every bit
// is set.
func (b *Bitmap) FirstZero() (uint32, bool) {
	for i, blk := range b.blocks {
		if blk == ^uint64(0) {
			continue
		}
		r := uint32(i)*64 + uint32(bits.TrailingZeros64(^blk))
		if r >= b.size {
			break
		}
		return r, true
	}
	return 0, false
}
