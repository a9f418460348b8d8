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

package encl

import (
	"github.com/gsgx/gsgx/pkg/encls"
	"github.com/gsgx/gsgx/pkg/epc"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
)

// The eviction surface driven by the external reclaim daemon. The reclaimer
// claims a candidate frame from the pool, navigates Frame.Owner back to the
// Page, and then:
//
//	page := frame.Owner().(*encl.Page)
//	e := page.Enclave()
//	if !e.TryIncRef() {
//		// The enclave released while the claim was outstanding;
//		// teardown skipped the claimed frame and left its return to
//		// the claim holder.
//		e.ReleaseSkipped(page)
//		continue
//	}
//	if err := e.BeginReclaim(page); err != nil { /* requeue or drop */ }
//	err := e.Evict(page)
//	e.DecRef()
//
// holding the enclave reference across the sequence.

// BeginReclaim re-checks a claimed candidate under the structural lock and
// moves it Resident -> BeingReclaimed. Returns ErrNotFound if the page lost
// its frame since the claim, ErrBusy if another reclaim is in flight.
func (e *Enclave) BeginReclaim(page *Page) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if page.frame == nil {
		return sgxerr.ErrNotFound
	}
	if page.beingReclaimed {
		return sgxerr.ErrBusy
	}
	page.beingReclaimed = true
	return nil
}

// AbortReclaim moves a page back BeingReclaimed -> Resident and, if requeue
// is set, puts its frame back on the pool's reclaimable list.
func (e *Enclave) AbortReclaim(page *Page, requeue bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	page.beingReclaimed = false
	e.pool.ReleaseClaim(page.frame, requeue)
}

// ReleaseSkipped returns a claimed frame whose enclave released while the
// claim was outstanding. Teardown cannot free a frame held by an in-flight
// claim, so it skips the page and the frame's return falls to the claim
// holder, which calls this after TryIncRef fails. Frees the control frame
// too when the skipped page was the last dependent.
func (e *Enclave) ReleaseSkipped(page *Page) {
	e.mu.Lock()
	defer e.mu.Unlock()
	frame := page.frame
	if frame == nil {
		return
	}
	page.frame = nil
	e.pool.ReleaseClaim(frame, false)
	e.pool.FreeSecure(frame)
	e.childCnt--
	if e.childCnt == 0 && e.secs.frame != nil {
		e.pool.FreeSecure(e.secs.frame)
		e.secs.frame = nil
	}
}

// evictPage writes one resident page out to backing storage: allocates a
// version slot, runs the shootdown protocol, and EWBs contents plus
// metadata. On success the page is Evicted with a valid slot and the frame
// is returned (already securely removed by the writeback).
//
// Preconditions: mu is held; page is resident; for non-control pages,
// page.beingReclaimed.
func (e *Enclave) evictPage(page *Page, shootdown bool) (*epc.Frame, error) {
	va, off, err := e.allocVASlot()
	if err != nil {
		return nil, err
	}

	if shootdown {
		if _, err := e.flushEnclaveTLBs(page.addr); err != nil {
			va.FreeSlot(off)
			return nil, err
		}
	}

	index := page.index()
	if page.typ == PageTypeControl {
		index = e.size >> hostarch.PageShift
	}
	bk, err := e.backing.get(index)
	if err != nil {
		va.FreeSlot(off)
		return nil, sgxerr.ErrFault
	}
	err = e.ops.EWB(encls.PageInfo{
		Addr:     page.addr,
		Contents: bk.contents,
		Metadata: bk.pcmd,
		SECS:     e.secs.frame,
	}, page.frame, va.Frame(), off)
	e.backing.put(bk, err == nil)
	if err != nil {
		if !encls.IsTransient(err) {
			e.log.WithError(err).WithField("addr", page.addr).Warn("EWB failed")
		}
		va.FreeSlot(off)
		return nil, sgxerr.ErrFault
	}

	frame := page.frame
	page.frame = nil
	page.vaPage = va
	page.vaOff = off
	page.hasSlot = true
	return frame, nil
}

// Evict completes the reclaim of a page started with BeginReclaim. On
// success the page's frame returns to the pool's free list and, if this was
// the last resident dependent of an initialized enclave, the control page is
// written back as well. On failure the page stays resident and its frame
// goes back on the reclaimable list.
func (e *Enclave) Evict(page *Page) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !page.beingReclaimed {
		panic("Evict without BeginReclaim")
	}

	frame, err := e.evictPage(page, true)
	if err != nil {
		// The page stays resident; requeue its frame so a transient
		// writeback failure does not pin it outside reclaim tracking.
		page.beingReclaimed = false
		e.pool.ReleaseClaim(page.frame, true)
		return err
	}
	page.beingReclaimed = false
	e.childCnt--
	e.pool.ReleaseClaim(frame, false)
	e.pool.Free(frame)

	if e.childCnt == 0 && e.Initialized() && e.secs.frame != nil {
		// No dependents remain; the control page itself can leave the
		// cache. No shootdown is needed: the control page is never
		// mapped into an address space.
		secsFrame, err := e.evictPage(&e.secs, false)
		if err != nil {
			e.log.WithError(err).Warn("control page writeback failed")
			return nil
		}
		e.pool.Free(secsFrame)
	}
	return nil
}

// ReclaimNeeded lets a reclaim daemon poll whether the pool is under
// pressure without reaching into it.
func (e *Enclave) ReclaimNeeded() bool {
	return e.pool.BelowLowWatermark()
}
