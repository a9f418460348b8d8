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

// Package hostarch provides host address and page arithmetic for the enclave
// page cache. Enclave linear addresses, enclave-relative page indices and
// frame offsets all use the types defined here.
package hostarch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page and of an EPC frame, in bytes.
	PageSize = 1 << PageShift

	// PageMask masks the offset of an address within a page.
	PageMask = PageSize - 1
)

// Addr represents a linear address, in an enclave's address range or
// otherwise.
type Addr uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is a multiple of the page size.
func (v Addr) IsPageAligned() bool {
	return v&PageMask == 0
}

// PageOffset returns the offset of v within its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// PageIndex returns the index of the page containing v, counted from address
// zero.
func (v Addr) PageIndex() uint64 {
	return uint64(v) >> PageShift
}

// AddLength returns v plus length. ok is true iff the sum did not wrap
// around.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}
