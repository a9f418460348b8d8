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

package encl_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gsgx/gsgx/pkg/encl"
	"github.com/gsgx/gsgx/pkg/encl/encltest"
	"github.com/gsgx/gsgx/pkg/encls"
	"github.com/gsgx/gsgx/pkg/epc"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
	"golang.org/x/sys/unix"
)

func TestEvictReloadRoundTrip(t *testing.T) {
	const pages = 4
	v := newEnv(t, envOptions{frames: 32, pages: pages, debug: true, init: true})
	as := encltest.NewAddressSpace(1, 0, 2)
	if err := v.e.Attach(as); err != nil {
		t.Fatal(err)
	}
	defer as.Teardown()

	for i := 0; i < pages; i++ {
		if err := v.e.Fault(as, v.addr(i), hostarch.Read); err != nil {
			t.Fatalf("Fault %d: %v", i, err)
		}
	}
	if got, want := as.MappedCount(), pages; got != want {
		t.Fatalf("MappedCount() = %d, want %d", got, want)
	}

	v.evictAll()

	// Eviction removed every translation and returned every page frame,
	// and the control page went with the last dependent. Only the version
	// array frame remains resident.
	if got, want := as.MappedCount(), 0; got != want {
		t.Errorf("MappedCount() after eviction = %d, want %d", got, want)
	}
	if got, want := v.pool.FreeCount(), 32-1; got != want {
		t.Errorf("FreeCount() after eviction = %d, want %d", got, want)
	}
	if got := v.ipi.Count(); got < pages {
		t.Errorf("eviction of %d pages sent %d interrupts", pages, got)
	}

	// Reload and verify contents survived the round trip.
	buf := make([]byte, hostarch.PageSize)
	for i := 0; i < pages; i++ {
		if err := v.e.Fault(as, v.addr(i), hostarch.Read); err != nil {
			t.Fatalf("reloading Fault %d: %v", i, err)
		}
		if _, err := v.e.DebugRead(buf, v.addr(i)); err != nil {
			t.Fatalf("DebugRead %d: %v", i, err)
		}
		want := bytes.Repeat([]byte{byte(i + 1)}, hostarch.PageSize)
		if diff := cmp.Diff(want, buf); diff != "" {
			t.Errorf("page %d corrupted across eviction (-want +got):\n%s", i, diff)
		}
	}
}

func TestEvictOnePageKeepsSiblings(t *testing.T) {
	v := newEnv(t, envOptions{frames: 32, pages: 3, init: true})
	as := encltest.NewAddressSpace(1, 0)
	if err := v.e.Attach(as); err != nil {
		t.Fatal(err)
	}
	defer as.Teardown()
	for i := 0; i < 3; i++ {
		if err := v.e.Fault(as, v.addr(i), hostarch.Read); err != nil {
			t.Fatal(err)
		}
	}

	cands := v.pool.TakeReclaimCandidates(1)
	if len(cands) != 1 {
		t.Fatalf("TakeReclaimCandidates returned %d frames", len(cands))
	}
	page := cands[0].Owner().(*encl.Page)
	if err := v.e.BeginReclaim(page); err != nil {
		t.Fatal(err)
	}
	if err := v.e.Evict(page); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	if !page.Evicted() || page.Resident() {
		t.Error("evicted page not in evicted state")
	}
	if as.Mapped(page.Addr()) != nil {
		t.Error("evicted page still mapped")
	}
	// Siblings stay resident and mapped; the control page stays with
	// them.
	if got, want := as.MappedCount(), 2; got != want {
		t.Errorf("MappedCount() = %d, want %d", got, want)
	}
	for i := 0; i < 3; i++ {
		if v.addr(i) == page.Addr() {
			continue
		}
		if err := v.e.MkWrite(v.addr(i)); err != nil {
			t.Errorf("sibling page %d unusable after eviction: %v", i, err)
		}
	}
}

func TestReclaimPressureAllocation(t *testing.T) {
	// A pool sized so the build must reclaim its own earlier pages:
	// control + version array + N pages with only a few frames.
	const frames = 6
	v := newEnv(t, envOptions{frames: frames, pages: 0, init: false})
	v.pool.SetReclaimer(&encltest.Reclaimer{Pool: v.pool})
	as := encltest.NewAddressSpace(1, 0)
	if err := v.e.Attach(as); err != nil {
		t.Fatal(err)
	}
	defer as.Teardown()

	// 8 pages through 4 remaining frames: later adds evict earlier
	// pages.
	src := make([]byte, hostarch.PageSize)
	for i := 0; i < 8; i++ {
		src[0] = byte(i)
		if err := v.e.AddPage(v.addr(i), src, encl.PageTypeRegular, hostarch.ReadWrite); err != nil {
			t.Fatalf("AddPage %d under pressure: %v", i, err)
		}
	}
	if err := v.e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Every page is still reachable. The fault path never reclaims on
	// its own; out-of-memory faults are retried after a reclaim pass,
	// the way the virtual-memory layer would.
	r := &encltest.Reclaimer{Pool: v.pool}
	for i := 0; i < 8; i++ {
		for {
			err := v.e.Fault(as, v.addr(i), hostarch.Read)
			if err == nil {
				break
			}
			if !errors.Is(err, sgxerr.ErrNoMemory) && !errors.Is(err, sgxerr.ErrBusy) {
				t.Fatalf("Fault %d after pressure build: %v", i, err)
			}
			if !r.Reclaim() {
				t.Fatalf("Fault %d: pool exhausted with no reclaim candidates", i)
			}
		}
	}
}

func TestEvictFailureRecovery(t *testing.T) {
	v := newEnv(t, envOptions{pages: 1, init: true})
	as := encltest.NewAddressSpace(1, 0)
	if err := v.e.Attach(as); err != nil {
		t.Fatal(err)
	}
	defer as.Teardown()

	v.sim.WriteBackHook = func(encls.PageInfo, encls.Frame) error {
		return &encls.OpError{Op: "EWB", Code: 1}
	}
	cands := v.pool.TakeReclaimCandidates(1)
	page := cands[0].Owner().(*encl.Page)
	if err := v.e.BeginReclaim(page); err != nil {
		t.Fatal(err)
	}
	if err := v.e.Evict(page); !errors.Is(err, sgxerr.ErrFault) {
		t.Fatalf("Evict with failing writeback: got %v, want ErrFault", err)
	}
	if !page.Resident() {
		t.Error("page lost its frame on failed eviction")
	}

	// The page must still be faultable, and the failure requeued its
	// frame: once the condition clears, an ordinary reclaim pass finds
	// the candidate again.
	v.sim.WriteBackHook = nil
	if err := v.e.Fault(as, page.Addr(), hostarch.Read); err != nil {
		t.Errorf("Fault after failed eviction: %v", err)
	}
	r := &encltest.Reclaimer{Pool: v.pool}
	if !r.Reclaim() {
		t.Fatal("no reclaim candidates after a transient writeback failure")
	}
	if !page.Evicted() {
		t.Error("page not evicted by the reclaim retry")
	}
}

// A claimed candidate must survive the owning enclave going away: teardown
// skips frames held by an in-flight claim, the reference grab fails, and the
// claim holder returns the frame itself.
func TestReclaimRacesTeardown(t *testing.T) {
	const frames = 32
	v := newEnv(t, envOptions{frames: frames, pages: 3, init: true})
	as := encltest.NewAddressSpace(1, 0)
	if err := v.e.Attach(as); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := v.e.Fault(as, v.addr(i), hostarch.Read); err != nil {
			t.Fatal(err)
		}
	}

	cands := v.pool.TakeReclaimCandidates(1)
	if len(cands) != 1 {
		t.Fatalf("TakeReclaimCandidates returned %d frames", len(cands))
	}
	page := cands[0].Owner().(*encl.Page)

	// The last references drop while the claim is outstanding.
	as.Teardown()
	v.release()

	if page.Enclave().TryIncRef() {
		t.Fatal("TryIncRef succeeded on a released enclave")
	}
	// Teardown freed everything except the claimed frame and the control
	// frame pinned by its dependent.
	if got, want := v.pool.FreeCount(), frames-2; got != want {
		t.Fatalf("FreeCount() after teardown with a claim outstanding = %d, want %d", got, want)
	}

	page.Enclave().ReleaseSkipped(page)
	if got, want := v.pool.FreeCount(), frames; got != want {
		t.Errorf("FreeCount() after skipped-claim release = %d, want %d", got, want)
	}
	if got := v.pool.LeakedCount(); got != 0 {
		t.Errorf("LeakedCount() = %d, want 0", got)
	}
}

// attachingIPI attaches a second address space from inside the first
// interrupt delivery, racing the shootdown the way a concurrent process
// attach does.
type attachingIPI struct {
	e     *encl.Enclave
	as    *encltest.AddressSpace
	count int
	done  bool
	err   error
}

func (a *attachingIPI) Interrupt(unix.CPUSet) {
	a.count++
	if !a.done {
		a.done = true
		a.err = a.e.Attach(a.as)
	}
}

func TestShootdownRetriesOnAttach(t *testing.T) {
	sim := encls.NewSimulator()
	pause := &encltest.Pauser{}
	pool, err := epc.NewPool(epc.Config{SectionFrames: []int{32}}, sim, pause)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	ipi := &attachingIPI{as: encltest.NewAddressSpace(2, 3)}
	e, err := encl.New(encl.Options{
		Base: testBase,
		Size: hostarch.PageSize,
	}, pool, sim, pause, ipi)
	if err != nil {
		t.Fatal(err)
	}
	defer e.DecRef()
	ipi.e = e

	src := make([]byte, hostarch.PageSize)
	if err := e.AddPage(testBase, src, encl.PageTypeRegular, hostarch.ReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := e.Init(); err != nil {
		t.Fatal(err)
	}
	as1 := encltest.NewAddressSpace(1, 0)
	if err := e.Attach(as1); err != nil {
		t.Fatal(err)
	}
	defer as1.Teardown()
	defer ipi.as.Teardown()

	cands := pool.TakeReclaimCandidates(1)
	page := cands[0].Owner().(*encl.Page)
	if err := e.BeginReclaim(page); err != nil {
		t.Fatal(err)
	}
	if err := e.Evict(page); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	if ipi.err != nil {
		t.Fatalf("mid-shootdown Attach: %v", ipi.err)
	}
	// The attachment changed the registry under the first pass, so the
	// flush must have run at least one more.
	if ipi.count < 2 {
		t.Errorf("shootdown sent %d interrupt rounds, want at least 2", ipi.count)
	}
}

func TestReclaimNeeded(t *testing.T) {
	v := newEnv(t, envOptions{frames: epc.LowWatermark + 8, pages: 4, init: true})
	if v.e.ReclaimNeeded() {
		t.Error("ReclaimNeeded with frames above the low watermark")
	}
	var frames []*epc.Frame
	for {
		f, err := v.pool.Allocate(nil, false)
		if err != nil {
			break
		}
		frames = append(frames, f)
	}
	if !v.e.ReclaimNeeded() {
		t.Error("ReclaimNeeded false on a drained pool")
	}
	for _, f := range frames {
		v.pool.Free(f)
	}
}
