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

package epc

import (
	"github.com/gsgx/gsgx/pkg/bitmap"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
)

// VASlotCount is the number of version slots in a version array page. Each
// slot is 8 bytes.
const VASlotCount = hostarch.PageSize / 8

// VersionArrayPage is an EPC frame converted to hold version slots for
// evicted pages. A slot is allocated before a page is evicted and released
// exactly when the page is next reloaded or permanently removed.
//
// Slot state is guarded by the owning enclave's structural lock.
type VersionArrayPage struct {
	frame *Frame
	slots bitmap.Bitmap
}

// NewVersionArrayPage allocates a frame and converts it to a version array.
func NewVersionArrayPage(pool *Pool, reclaim bool) (*VersionArrayPage, error) {
	f, err := pool.Allocate(nil, reclaim)
	if err != nil {
		return nil, err
	}
	if err := pool.ops.EPA(f); err != nil {
		pool.log.WithError(err).Warn("EPA failed")
		pool.FreeSecure(f)
		return nil, sgxerr.ErrFault
	}
	va := &VersionArrayPage{
		frame: f,
		slots: bitmap.New(VASlotCount),
	}
	pool.mu.Lock()
	f.flags |= frameVersionArray
	f.owner = va
	pool.mu.Unlock()
	return va, nil
}

// Frame returns the underlying EPC frame.
func (va *VersionArrayPage) Frame() *Frame {
	return va.frame
}

// Full returns true iff every slot is in use.
func (va *VersionArrayPage) Full() bool {
	return va.slots.Full()
}

// Empty returns true iff no slot is in use.
func (va *VersionArrayPage) Empty() bool {
	return va.slots.Empty()
}

// AllocSlot takes a free slot and returns its byte offset within the page.
// ok is false if the page is full.
func (va *VersionArrayPage) AllocSlot() (off uint32, ok bool) {
	slot, ok := va.slots.FirstZero()
	if !ok {
		return 0, false
	}
	va.slots.Add(slot)
	return slot << 3, true
}

// FreeSlot releases the slot at the given byte offset.
func (va *VersionArrayPage) FreeSlot(off uint32) {
	va.slots.Remove(off >> 3)
}

// Release returns the version array frame to the pool. A version array page
// cannot be released while any slot is in use.
func (va *VersionArrayPage) Release(pool *Pool) error {
	if !va.Empty() {
		panic("releasing version array page with slots in use")
	}
	return pool.FreeSecure(va.frame)
}
