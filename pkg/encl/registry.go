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
	"github.com/gsgx/gsgx/pkg/sgxerr"
	"golang.org/x/sys/unix"
)

// AddressSpace is the virtual-memory collaborator's view of one address
// space that maps the enclave. Implementations are expected to outlive all
// calls delivered through registered teardown hooks.
type AddressSpace interface {
	// ID uniquely identifies the address space.
	ID() uint64

	// MapFrame installs a translation from addr to the frame with the
	// given effective permissions.
	MapFrame(addr hostarch.Addr, frame *epc.Frame, at hostarch.AccessType) error

	// Unmap removes the translation for addr if one is installed.
	Unmap(addr hostarch.Addr)

	// CPUs returns the set of processors that have ever run this address
	// space.
	CPUs() unix.CPUSet

	// Alive returns false once the address space has begun teardown.
	// Dead address spaces are skipped, not failed, by registry readers.
	Alive() bool

	// OnTeardown registers a hook invoked when the address space is torn
	// down or its process exits.
	OnTeardown(hook func())
}

// attachment binds one address space to the enclave. It holds a counted
// reference on the enclave, released only after a grace period covering all
// lock-free registry readers.
type attachment struct {
	as AddressSpace
}

// Attach registers as in the enclave's attachment registry, idempotently.
//
// Preconditions: the caller holds exclusive access to as's mapping table.
// That exclusivity is what prevents double attachment and what bounds the
// shootdown protocol's retry window.
func (e *Enclave) Attach(as AddressSpace) error {
	if e.dead() {
		return sgxerr.ErrNotFound
	}
	e.mmMu.Lock()
	defer e.mmMu.Unlock()

	cur := *e.mmList.Load()
	for _, att := range cur {
		if att.as == as {
			// Already attached; entries are removed only on address
			// space teardown.
			return nil
		}
	}

	att := &attachment{as: as}
	e.IncRef()
	as.OnTeardown(func() { e.detach(as) })

	next := make([]*attachment, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = att
	e.mmList.Store(&next)
	// Publish the new attachment before the version bump the shootdown
	// protocol rechecks.
	e.mmVersion.Add(1)
	return nil
}

// detach removes as from the registry. Invoked by the teardown hook. The
// enclave reference held by the attachment is released only after every
// lock-free reader that might still observe the old list has finished.
func (e *Enclave) detach(as AddressSpace) {
	e.mmMu.Lock()
	cur := *e.mmList.Load()
	found := false
	next := make([]*attachment, 0, len(cur))
	for _, att := range cur {
		if att.as == as && !found {
			found = true
			continue
		}
		next = append(next, att)
	}
	if !found {
		e.mmMu.Unlock()
		return
	}
	e.mmList.Store(&next)
	e.mmVersion.Add(1)
	e.mmGrace.Synchronize()
	e.mmMu.Unlock()

	e.DecRef()
}

// forEachAttachment visits the current attachments under the read-side
// grace period, without blocking writers out of their fast path.
func (e *Enclave) forEachAttachment(fn func(*attachment)) {
	tok := e.mmGrace.ReadLock()
	for _, att := range *e.mmList.Load() {
		fn(att)
	}
	e.mmGrace.ReadUnlock(tok)
}

// CPUMask returns the union, over all attached and still-alive address
// spaces, of processors that might hold cached translations into the
// enclave. Address spaces exiting mid-iteration are skipped.
//
// Meaningful only after ETRACK; see flushEnclaveTLBs.
func (e *Enclave) CPUMask() unix.CPUSet {
	var cpus unix.CPUSet
	e.forEachAttachment(func(att *attachment) {
		if !att.as.Alive() {
			return
		}
		set := att.as.CPUs()
		for i := range cpus {
			cpus[i] |= set[i]
		}
	})
	return cpus
}
