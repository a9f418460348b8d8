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

// Package encl implements the enclave page lifecycle: the sparse page table
// of an enclave, fault-time load and augment, version-slot bookkeeping for
// evicted pages, multi-address-space attachment tracking, and the TLB
// shootdown protocol required before a resident page can be evicted or
// removed.
//
// Lock ordering: an enclave's structural lock (mu) nests inside nothing in
// this package; the frame pool's internal lock nests inside mu; the
// attachment list lock (mmMu) is leaf and never held together with mu.
package encl

import (
	"sync"
	"sync/atomic"

	"github.com/gsgx/gsgx/pkg/encls"
	"github.com/gsgx/gsgx/pkg/epc"
	"github.com/gsgx/gsgx/pkg/grace"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
	"github.com/sirupsen/logrus"
)

// Enclave lifecycle flags, accessed atomically.
const (
	flagInitialized = 1 << iota
	flagDebug
	flagDead
)

// Options configures a new enclave.
type Options struct {
	// Base and Size delimit the enclave's linear address range. Both must
	// be page aligned and Size non-zero.
	Base hostarch.Addr
	Size uint64

	// Debug permits the privileged debug read/write accessors.
	Debug bool

	// SGX2 permits dynamic augmentation of the initialized enclave on
	// fault to an unmapped address within the declared range.
	SGX2 bool
}

// orFlags atomically ORs v into f. Equivalent to atomic.Uint32.Or, which
// requires Go 1.23.
func orFlags(f *atomic.Uint32, v uint32) {
	for {
		old := f.Load()
		if f.CompareAndSwap(old, old|v) {
			return
		}
	}
}

// Enclave is the root entity: one hardware-isolated secure memory region and
// the lifecycle state of its pages.
type Enclave struct {
	base hostarch.Addr
	size uint64

	flags atomic.Uint32
	sgx2  bool

	// refs counts the enclave handle plus one reference per attached
	// address space. The enclave's frames are released when it reaches
	// zero.
	refs atomic.Int64

	pool  *epc.Pool
	ops   encls.Ops
	pause epc.Pauser
	ipi   IPISender
	log   *logrus.Entry

	// mu is the structural lock: it serializes page-table mutation,
	// version-array list edits, page residency transitions and the
	// shootdown sequence.
	mu sync.Mutex

	// secs is the control page record. secs.frame non-nil iff the control
	// page is resident.
	secs Page

	// childCnt counts resident non-control pages. The control page cannot
	// be evicted or freed while it is non-zero.
	childCnt uint64

	table *pageTable

	// vaPages holds the enclave's version array pages, pages with free
	// slots kept towards the front. pageCnt counts pages (plus the
	// control page) for version-slot capacity growth.
	vaPages []*epc.VersionArrayPage
	pageCnt uint64

	backing *backingStore

	// Address-space attachment registry. mmList is a copy-on-write
	// snapshot for lock-free readers; mmMu serializes writers; mmVersion
	// is the attachment-version counter the shootdown protocol rechecks;
	// mmGrace defers reference release until lock-free readers are done.
	mmMu      sync.Mutex
	mmList    atomic.Pointer[[]*attachment]
	mmVersion atomic.Uint64
	mmGrace   grace.Domain
}

// New creates an enclave: allocates and converts its control frame, and
// creates the backing store. The returned enclave holds one reference for
// the caller's handle.
func New(opts Options, pool *epc.Pool, ops encls.Ops, pause epc.Pauser, ipi IPISender) (*Enclave, error) {
	if opts.Size == 0 || !opts.Base.IsPageAligned() || opts.Size&hostarch.PageMask != 0 {
		return nil, sgxerr.ErrPermission
	}
	e := &Enclave{
		base:  opts.Base,
		size:  opts.Size,
		sgx2:  opts.SGX2,
		pool:  pool,
		ops:   ops,
		pause: pause,
		ipi:   ipi,
		log: logrus.WithFields(logrus.Fields{
			"subsys": "encl",
			"base":   opts.Base,
		}),
		table: newPageTable(),
	}
	if opts.Debug {
		orFlags(&e.flags, flagDebug)
	}
	// The control page is addressed by the enclave base; its backing
	// index is computed specially (one past the last regular page).
	e.secs = Page{
		enclave:  e,
		addr:     opts.Base,
		typ:      PageTypeControl,
		maxPerms: hostarch.NoAccess,
	}
	e.refs.Store(1)
	empty := []*attachment{}
	e.mmList.Store(&empty)

	frame, err := pool.Allocate(&e.secs, true)
	if err != nil {
		return nil, err
	}
	if err := ops.ECREATE(frame, opts.Base, opts.Size); err != nil {
		pool.FreeSecure(frame)
		return nil, sgxerr.ErrFault
	}
	e.secs.frame = frame
	e.pageCnt = 1 // The control page needs a version slot too.

	bs, err := newBackingStore(opts.Size)
	if err != nil {
		pool.FreeSecure(frame)
		return nil, err
	}
	e.backing = bs

	va, err := epc.NewVersionArrayPage(pool, true)
	if err != nil {
		bs.close()
		pool.FreeSecure(frame)
		return nil, err
	}
	e.vaPages = []*epc.VersionArrayPage{va}
	return e, nil
}

// Base returns the enclave's base linear address.
func (e *Enclave) Base() hostarch.Addr {
	return e.base
}

// Size returns the enclave's size in bytes.
func (e *Enclave) Size() uint64 {
	return e.size
}

// Initialized returns true once Init has succeeded.
func (e *Enclave) Initialized() bool {
	return e.flags.Load()&flagInitialized != 0
}

// Debuggable returns true iff the enclave was created in debug mode.
func (e *Enclave) Debuggable() bool {
	return e.flags.Load()&flagDebug != 0
}

func (e *Enclave) dead() bool {
	return e.flags.Load()&flagDead != 0
}

// contains returns true iff addr falls in the enclave's address range.
func (e *Enclave) contains(addr hostarch.Addr) bool {
	return addr >= e.base && uint64(addr-e.base) < e.size
}

// IncRef adds a reference to the enclave.
func (e *Enclave) IncRef() {
	if e.refs.Add(1) <= 1 {
		panic("IncRef on released enclave")
	}
}

// TryIncRef adds a reference unless the last one was already dropped,
// returning whether it succeeded. The reclaimer uses it after navigating a
// claimed frame back to its owning page: failure means the enclave released
// while the claim was outstanding, and the claimed frame must be returned
// with ReleaseSkipped.
func (e *Enclave) TryIncRef() bool {
	for {
		refs := e.refs.Load()
		if refs <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef drops a reference. The final reference releases every frame the
// enclave owns.
func (e *Enclave) DecRef() {
	switch refs := e.refs.Add(-1); {
	case refs < 0:
		panic("DecRef on released enclave")
	case refs == 0:
		e.release()
	}
}

// grow ensures version-slot capacity for one more enclave page, returning a
// new version array page when the existing ones are exactly full. Called
// without mu; the caller links a non-nil result into vaPages under mu, or
// releases it with shrink on a rolled-back operation.
func (e *Enclave) grow() (*epc.VersionArrayPage, error) {
	e.mu.Lock()
	need := e.pageCnt%epc.VASlotCount == 0
	e.mu.Unlock()
	if !need {
		return nil, nil
	}
	return epc.NewVersionArrayPage(e.pool, true)
}

// shrink undoes a grow after a failed insertion.
//
// Preconditions: mu is held; va was linked into vaPages by the caller.
func (e *Enclave) shrink(va *epc.VersionArrayPage) {
	if va == nil {
		return
	}
	for i, v := range e.vaPages {
		if v == va {
			e.vaPages = append(e.vaPages[:i], e.vaPages[i+1:]...)
			break
		}
	}
	va.Release(e.pool)
}

// allocVASlot takes a version slot for an eviction, preferring pages near
// the front of the list.
//
// Preconditions: mu is held.
func (e *Enclave) allocVASlot() (*epc.VersionArrayPage, uint32, error) {
	for _, va := range e.vaPages {
		if off, ok := va.AllocSlot(); ok {
			return va, off, nil
		}
	}
	// Capacity is grown one slot per page at build/augment time, so this
	// indicates lost accounting.
	return nil, 0, sgxerr.ErrNoMemory
}

// freeVASlot releases a page's version slot and moves its version array to
// the front of the list so future allocations refill it.
//
// Preconditions: mu is held.
func (e *Enclave) freeVASlot(page *Page) {
	page.vaPage.FreeSlot(page.vaOff)
	for i, v := range e.vaPages {
		if v == page.vaPage && i != 0 {
			copy(e.vaPages[1:i+1], e.vaPages[:i])
			e.vaPages[0] = v
			break
		}
	}
	page.vaPage = nil
	page.vaOff = 0
	page.hasSlot = false
}

// AddPage adds a page with the given contents and build-time maximum
// permissions to a not-yet-initialized enclave. src shorter than a page is
// zero padded.
func (e *Enclave) AddPage(addr hostarch.Addr, src []byte, typ PageType, maxPerms hostarch.AccessType) error {
	if e.Initialized() || !e.contains(addr) || !addr.IsPageAligned() {
		return sgxerr.ErrPermission
	}

	va, err := e.grow()
	if err != nil {
		return err
	}

	page := &Page{
		enclave:  e,
		addr:     addr,
		typ:      typ,
		maxPerms: maxPerms,
		runPerms: maxPerms,
	}
	frame, err := e.pool.Allocate(page, true)
	if err != nil {
		if va != nil {
			va.Release(e.pool)
		}
		return err
	}

	e.mu.Lock()
	if va != nil {
		e.vaPages = append(e.vaPages, va)
	}
	if err := e.table.insert(page); err != nil {
		e.shrink(va)
		e.mu.Unlock()
		e.pool.FreeSecure(frame)
		return err
	}

	bk, err := e.backing.get(page.index())
	if err == nil {
		copy(bk.contents, src)
		err = e.ops.EADD(encls.PageInfo{
			Addr:     addr,
			Contents: bk.contents,
			Metadata: bk.pcmd,
			SECS:     e.secs.frame,
		}, frame)
		e.backing.put(bk, false)
	}
	if err != nil {
		e.table.remove(addr)
		e.shrink(va)
		e.mu.Unlock()
		e.pool.FreeSecure(frame)
		return sgxerr.ErrFault
	}

	page.frame = frame
	e.childCnt++
	e.pageCnt++
	if typ == PageTypeRegular {
		e.pool.MarkReclaimable(frame)
	}
	e.mu.Unlock()
	return nil
}

// Init marks the enclave initialized. Pages can no longer be added with
// AddPage; on SGX2, faults to unmapped addresses augment instead.
func (e *Enclave) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Initialized() {
		return sgxerr.ErrPermission
	}
	if err := e.ops.EINIT(e.secs.frame); err != nil {
		return sgxerr.ErrFault
	}
	orFlags(&e.flags, flagInitialized)
	return nil
}

// release frees all frames and destroys the enclave. Runs when the last
// reference is dropped; no attachment can exist at this point.
func (e *Enclave) release() {
	orFlags(&e.flags, flagDead)
	e.mu.Lock()

	var pages []*Page
	e.table.ascendFrom(0, func(p *Page) bool {
		pages = append(pages, p)
		return true
	})
	for _, page := range pages {
		if page.frame != nil {
			// A frame held by an in-flight reclaim cannot be freed
			// here; ownership transfers to the reclaimer, which
			// performs the final release. This avoids a double
			// free against a concurrently running eviction.
			if !e.pool.UnmarkReclaimable(page.frame) {
				continue
			}
			e.pool.FreeSecure(page.frame)
			e.childCnt--
			page.frame = nil
		} else if page.hasSlot {
			e.freeVASlot(page)
		}
		e.table.remove(page.addr)
	}

	if e.childCnt == 0 && e.secs.frame != nil {
		e.pool.FreeSecure(e.secs.frame)
		e.secs.frame = nil
	} else if e.secs.hasSlot {
		e.freeVASlot(&e.secs)
	}

	for _, va := range e.vaPages {
		va.Release(e.pool)
	}
	e.vaPages = nil

	e.backing.close()
	e.mu.Unlock()

	if len(*e.mmList.Load()) != 0 {
		e.log.Error("enclave released with live address-space attachments")
	}

	// Frames were freed and securely removed; wake any pause coordinator
	// waiting on this enclave.
	if e.pause != nil {
		e.pause.Complete()
	}
}
