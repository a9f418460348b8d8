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
	"github.com/gsgx/gsgx/pkg/epc"
	"github.com/gsgx/gsgx/pkg/hostarch"
)

// PageType classifies enclave pages.
type PageType int

const (
	// PageTypeControl is the enclave control (SECS) page. It must be
	// resident before any dependent page can be loaded.
	PageTypeControl PageType = iota

	// PageTypeTCS is a thread control page.
	PageTypeTCS

	// PageTypeRegular is a regular data/code page.
	PageTypeRegular
)

// String implements fmt.Stringer.String.
func (t PageType) String() string {
	switch t {
	case PageTypeControl:
		return "control"
	case PageTypeTCS:
		return "tcs"
	case PageTypeRegular:
		return "regular"
	default:
		return "unknown"
	}
}

// Page is one page of enclave address space.
//
// Residency invariant: exactly one of the following holds at any point
// observed under the enclave's structural lock:
//   - frame != nil: the page is resident in the EPC.
//   - hasSlot: the page was evicted; vaPage/vaOff locate its version slot.
//   - neither: the page has never been loaded (augment pending first fault).
//
// All fields other than addr, typ and maxPerms are guarded by the owning
// enclave's structural lock.
type Page struct {
	enclave *Enclave

	// addr is the page's enclave-linear address, page aligned.
	addr hostarch.Addr

	typ PageType

	// maxPerms is the build-time maximum permission set; runPerms is the
	// current runtime set, always a subset of maxPerms.
	maxPerms hostarch.AccessType
	runPerms hostarch.AccessType

	// frame is the owning EPC frame, non-nil iff resident.
	frame *epc.Frame

	// vaPage and vaOff locate the page's version slot, meaningful iff
	// hasSlot.
	vaPage  *epc.VersionArrayPage
	vaOff   uint32
	hasSlot bool

	// beingReclaimed is set between BeginReclaim and the end of eviction
	// or AbortReclaim. Faults on such a page fail with ErrBusy.
	beingReclaimed bool
}

// Enclave returns the owning enclave. The reclaimer navigates here from
// Frame.Owner.
func (p *Page) Enclave() *Enclave {
	return p.enclave
}

// Addr returns the page's enclave-linear address.
func (p *Page) Addr() hostarch.Addr {
	return p.addr
}

// Type returns the page type.
func (p *Page) Type() PageType {
	return p.typ
}

// MaxPerms returns the build-time maximum permission set.
func (p *Page) MaxPerms() hostarch.AccessType {
	return p.maxPerms
}

// RunPerms returns the current runtime permission set.
func (p *Page) RunPerms() hostarch.AccessType {
	return p.runPerms
}

// index returns the page's enclave-relative page index, which is also its
// backing store index.
func (p *Page) index() uint64 {
	return uint64(p.addr-p.enclave.base) >> hostarch.PageShift
}

// Resident returns true iff the page currently owns an EPC frame. Callers
// that need a stable answer hold the enclave's structural lock.
func (p *Page) Resident() bool {
	return p.frame != nil
}

// Evicted returns true iff the page is evicted with a valid version slot.
func (p *Page) Evicted() bool {
	return p.frame == nil && p.hasSlot
}
