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

// Package encltest provides in-memory collaborator implementations for
// exercising the enclave page lifecycle: an address space with a recording
// translation table, a secure-pause stub, an IPI recorder and a synchronous
// reclaimer. Used by package tests and the demo CLI.
package encltest

import (
	"sync"
	"sync/atomic"

	"github.com/gsgx/gsgx/pkg/encl"
	"github.com/gsgx/gsgx/pkg/epc"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// AddressSpace implements encl.AddressSpace with a map-backed translation
// table.
type AddressSpace struct {
	id    uint64
	cpus  unix.CPUSet
	alive atomic.Bool

	mu    sync.Mutex
	ptes  map[hostarch.Addr]*epc.Frame
	perms map[hostarch.Addr]hostarch.AccessType
	hooks []func()
}

// NewAddressSpace returns a live address space reporting the given CPUs as
// having run it.
func NewAddressSpace(id uint64, cpus ...int) *AddressSpace {
	as := &AddressSpace{
		id:    id,
		ptes:  make(map[hostarch.Addr]*epc.Frame),
		perms: make(map[hostarch.Addr]hostarch.AccessType),
	}
	for _, c := range cpus {
		as.cpus.Set(c)
	}
	as.alive.Store(true)
	return as
}

// ID implements encl.AddressSpace.ID.
func (as *AddressSpace) ID() uint64 { return as.id }

// MapFrame implements encl.AddressSpace.MapFrame.
func (as *AddressSpace) MapFrame(addr hostarch.Addr, frame *epc.Frame, at hostarch.AccessType) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.ptes[addr] = frame
	as.perms[addr] = at
	return nil
}

// Unmap implements encl.AddressSpace.Unmap.
func (as *AddressSpace) Unmap(addr hostarch.Addr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.ptes, addr)
	delete(as.perms, addr)
}

// CPUs implements encl.AddressSpace.CPUs.
func (as *AddressSpace) CPUs() unix.CPUSet { return as.cpus }

// Alive implements encl.AddressSpace.Alive.
func (as *AddressSpace) Alive() bool { return as.alive.Load() }

// OnTeardown implements encl.AddressSpace.OnTeardown.
func (as *AddressSpace) OnTeardown(hook func()) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.hooks = append(as.hooks, hook)
}

// Teardown marks the address space dead and fires registered hooks, the way
// an exiting process would.
func (as *AddressSpace) Teardown() {
	as.alive.Store(false)
	as.mu.Lock()
	hooks := as.hooks
	as.hooks = nil
	as.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Mapped returns the frame addr translates to, or nil.
func (as *AddressSpace) Mapped(addr hostarch.Addr) *epc.Frame {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.ptes[addr]
}

// MappedCount returns the number of installed translations.
func (as *AddressSpace) MappedCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.ptes)
}

// Pauser implements epc.Pauser with counters.
type Pauser struct {
	active    atomic.Bool
	Aborted   atomic.Int64
	Completed atomic.Int64
}

// SetActive flips the secure-pause state.
func (p *Pauser) SetActive(v bool) { p.active.Store(v) }

// Active implements epc.Pauser.Active.
func (p *Pauser) Active() bool { return p.active.Load() }

// Abort implements epc.Pauser.Abort.
func (p *Pauser) Abort() { p.Aborted.Add(1) }

// Complete implements epc.Pauser.Complete.
func (p *Pauser) Complete() { p.Completed.Add(1) }

// IPIRecorder implements encl.IPISender, recording every interrupt request.
type IPIRecorder struct {
	mu   sync.Mutex
	Sent []unix.CPUSet
}

// Interrupt implements encl.IPISender.Interrupt.
func (r *IPIRecorder) Interrupt(cpus unix.CPUSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, cpus)
}

// Count returns the number of interrupts sent.
func (r *IPIRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Sent)
}

// Reclaimer implements epc.Reclaimer by synchronously evicting claimed
// candidates, honoring the residency re-check contract.
type Reclaimer struct {
	Pool *epc.Pool

	// Batch bounds candidates claimed per pass.
	Batch int
}

// Reclaim implements epc.Reclaimer.Reclaim.
func (r *Reclaimer) Reclaim() bool {
	batch := r.Batch
	if batch == 0 {
		batch = 16
	}
	freed := 0
	for _, frame := range r.Pool.TakeReclaimCandidates(batch) {
		page, ok := frame.Owner().(*encl.Page)
		if !ok {
			r.Pool.ReleaseClaim(frame, false)
			continue
		}
		e := page.Enclave()
		if !e.TryIncRef() {
			// The enclave released while the claim was outstanding
			// and left the frame's return to the claim holder.
			e.ReleaseSkipped(page)
			freed++
			continue
		}
		if err := e.BeginReclaim(page); err != nil {
			r.Pool.ReleaseClaim(frame, false)
			e.DecRef()
			continue
		}
		if err := e.Evict(page); err == nil {
			freed++
		}
		e.DecRef()
	}
	return freed > 0
}
