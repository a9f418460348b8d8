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
	"runtime"

	"github.com/gsgx/gsgx/pkg/encls"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
)

// Fault services a page fault at addr in the attached address space as.
// The faulting page is made resident (loaded from backing storage, or on
// SGX2 dynamically added) and mapped into as with the page's runtime
// permissions intersected with the requested access.
//
// ErrBusy means the fault lost a transient race (in-flight reclaim or
// secure pause) and should simply be retried by the virtual-memory layer;
// other errors surface as bus errors or out-of-memory.
func (e *Enclave) Fault(as AddressSpace, addr hostarch.Addr, at hostarch.AccessType) error {
	if e.pause != nil && e.pause.Active() {
		return sgxerr.ErrBusy
	}
	if !e.contains(addr) {
		return sgxerr.ErrNotFound
	}
	addr = addr.RoundDown()

	// An address with no page-table entry can be added dynamically on
	// SGX2, but only to an initialized enclave.
	if e.sgx2 && e.table.lookup(addr) == nil {
		return e.augment(as, addr)
	}

	e.mu.Lock()
	entry, err := e.loadPage(addr)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	perms := entry.runPerms.Intersect(at.Effective().Union(hostarch.Read))
	if err := as.MapFrame(addr, entry.frame, perms); err != nil {
		e.mu.Unlock()
		return sgxerr.ErrFault
	}
	e.mu.Unlock()
	return nil
}

// augment dynamically adds a brand-new regular page at addr to an
// initialized enclave and maps it. New pages get read/write, never execute,
// runtime permissions. Any failure after frame allocation unwinds
// completely: table entry erased, version-slot growth shrunk, frame freed.
func (e *Enclave) augment(as AddressSpace, addr hostarch.Addr) error {
	if !e.Initialized() {
		return sgxerr.ErrPermission
	}

	page := &Page{
		enclave:  e,
		addr:     addr,
		typ:      PageTypeRegular,
		maxPerms: hostarch.ReadWrite,
		runPerms: hostarch.ReadWrite,
	}
	frame, err := e.pool.Allocate(page, true)
	if err != nil {
		return err
	}
	va, err := e.grow()
	if err != nil {
		e.pool.FreeSecure(frame)
		return err
	}

	e.mu.Lock()
	if va != nil {
		e.vaPages = append(e.vaPages, va)
	}
	if err := e.table.insert(page); err != nil {
		// The page was created by a concurrent fault running without
		// the structural lock; retrying the fault will find it.
		e.shrink(va)
		e.mu.Unlock()
		e.pool.FreeSecure(frame)
		return err
	}

	if err := e.ops.EAUG(encls.PageInfo{
		Addr: addr,
		SECS: e.secs.frame,
	}, frame); err != nil {
		e.table.remove(addr)
		e.shrink(va)
		e.mu.Unlock()
		e.pool.FreeSecure(frame)
		return sgxerr.ErrFault
	}

	page.frame = frame
	e.childCnt++
	e.pageCnt++
	e.pool.MarkReclaimable(frame)

	if err := as.MapFrame(addr, frame, page.runPerms); err != nil {
		// Do not undo the augment when installing the translation
		// fails: the next fault finds the page ready for mapping.
		e.mu.Unlock()
		return sgxerr.ErrFault
	}
	e.mu.Unlock()
	return nil
}

// MkWrite validates a write through an already-present read translation.
// The address space may allow writing while the enclave page does not;
// enclave runtime permissions are not inherited from the mapping.
func (e *Enclave) MkWrite(addr hostarch.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.table.lookup(addr.RoundDown())
	if entry == nil {
		return sgxerr.ErrNotFound
	}
	if !entry.runPerms.Write {
		return sgxerr.ErrPermission
	}
	return nil
}

// mayMapCheckStride is the number of pages validated per structural-lock
// hold in MayMap.
const mayMapCheckStride = 512

// MayMap validates that a requested mapping of [start, end) with the given
// permissions does not exceed any covered page's build-time maximum
// permissions. The enclave creator declares the strongest permissions each
// page will ever need; mappings must be identical or weaker.
//
// Large ranges are validated in strides, dropping and re-acquiring the
// structural lock between them so the check does not starve fault handlers.
func (e *Enclave) MayMap(start, end hostarch.Addr, at hostarch.AccessType) error {
	if end <= start {
		return sgxerr.ErrPermission
	}
	if e.Initialized() && (start < e.base || uint64(end-e.base) > e.size) {
		return sgxerr.ErrPermission
	}

	pos := start.RoundDown()
	count := 0
	for {
		e.mu.Lock()
		var violation bool
		var resume hostarch.Addr
		done := true
		e.table.ascendFrom(pos, func(p *Page) bool {
			if p.addr >= end {
				return false
			}
			if !p.maxPerms.SupersetOf(at) {
				violation = true
				return false
			}
			count++
			if count%mayMapCheckStride == 0 {
				resume = p.addr + hostarch.PageSize
				done = false
				return false
			}
			return true
		})
		e.mu.Unlock()
		if violation {
			return sgxerr.ErrPermission
		}
		if done {
			return nil
		}
		pos = resume
		runtime.Gosched()
	}
}
