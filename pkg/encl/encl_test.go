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

	"github.com/gsgx/gsgx/pkg/encl"
	"github.com/gsgx/gsgx/pkg/encl/encltest"
	"github.com/gsgx/gsgx/pkg/encls"
	"github.com/gsgx/gsgx/pkg/epc"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
	"golang.org/x/sync/errgroup"
)

const testBase = hostarch.Addr(0x200000)

type env struct {
	sim   *encls.Simulator
	pool  *epc.Pool
	pause *encltest.Pauser
	ipi   *encltest.IPIRecorder
	e     *encl.Enclave

	released bool
}

type envOptions struct {
	frames int
	pages  int

	// sizePages sets the declared enclave size; it defaults to pages,
	// and tests of dynamic addition set it larger.
	sizePages int

	debug bool
	sgx2  bool
	init  bool
}

// newEnv builds an enclave of opts.pages regular read/write pages, the i'th
// filled with byte(i+1), and initializes it if opts.init.
func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	if opts.frames == 0 {
		opts.frames = 128
	}
	if opts.sizePages < opts.pages {
		opts.sizePages = opts.pages
	}
	if opts.sizePages == 0 {
		opts.sizePages = 8
	}
	v := &env{
		sim:   encls.NewSimulator(),
		pause: &encltest.Pauser{},
		ipi:   &encltest.IPIRecorder{},
	}
	pool, err := epc.NewPool(epc.Config{SectionFrames: []int{opts.frames}}, v.sim, v.pause)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	v.pool = pool
	t.Cleanup(pool.Destroy)

	e, err := encl.New(encl.Options{
		Base:  testBase,
		Size:  uint64(opts.sizePages) * hostarch.PageSize,
		Debug: opts.debug,
		SGX2:  opts.sgx2,
	}, pool, v.sim, v.pause, v.ipi)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v.e = e
	t.Cleanup(v.release)

	for i := 0; i < opts.pages; i++ {
		src := bytes.Repeat([]byte{byte(i + 1)}, hostarch.PageSize)
		if err := e.AddPage(v.addr(i), src, encl.PageTypeRegular, hostarch.ReadWrite); err != nil {
			t.Fatalf("AddPage %d: %v", i, err)
		}
	}
	if opts.init {
		if err := e.Init(); err != nil {
			t.Fatalf("Init: %v", err)
		}
	}
	return v
}

func (v *env) addr(i int) hostarch.Addr {
	return testBase + hostarch.Addr(i)*hostarch.PageSize
}

// release drops the test's enclave handle, at most once.
func (v *env) release() {
	if !v.released {
		v.released = true
		v.e.DecRef()
	}
}

// evictAll drives the reclaimer until no candidates remain.
func (v *env) evictAll() {
	r := &encltest.Reclaimer{Pool: v.pool, Batch: 64}
	for r.Reclaim() {
	}
}

func TestNewValidation(t *testing.T) {
	sim := encls.NewSimulator()
	pool, err := epc.NewPool(epc.Config{SectionFrames: []int{8}}, sim, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	for _, tc := range []struct {
		name string
		opts encl.Options
	}{
		{name: "zero size", opts: encl.Options{Base: testBase}},
		{name: "unaligned base", opts: encl.Options{Base: testBase + 1, Size: hostarch.PageSize}},
		{name: "unaligned size", opts: encl.Options{Base: testBase, Size: 100}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := encl.New(tc.opts, pool, sim, nil, nil); err == nil {
				t.Error("New accepted invalid geometry")
			}
		})
	}
}

func TestAddPageValidation(t *testing.T) {
	v := newEnv(t, envOptions{pages: 2})
	src := make([]byte, hostarch.PageSize)

	if err := v.e.AddPage(v.addr(0)+1, src, encl.PageTypeRegular, hostarch.Read); !errors.Is(err, sgxerr.ErrPermission) {
		t.Errorf("unaligned AddPage: got %v, want ErrPermission", err)
	}
	if err := v.e.AddPage(v.addr(2), src, encl.PageTypeRegular, hostarch.Read); !errors.Is(err, sgxerr.ErrPermission) {
		t.Errorf("out-of-range AddPage: got %v, want ErrPermission", err)
	}
	if err := v.e.AddPage(v.addr(0), src, encl.PageTypeRegular, hostarch.Read); !errors.Is(err, sgxerr.ErrBusy) {
		t.Errorf("duplicate AddPage: got %v, want ErrBusy", err)
	}

	if err := v.e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := v.e.Init(); !errors.Is(err, sgxerr.ErrPermission) {
		t.Errorf("second Init: got %v, want ErrPermission", err)
	}
	if err := v.e.AddPage(v.addr(1), src, encl.PageTypeRegular, hostarch.Read); !errors.Is(err, sgxerr.ErrPermission) {
		t.Errorf("AddPage after Init: got %v, want ErrPermission", err)
	}
}

func TestTeardownReturnsFrames(t *testing.T) {
	v := newEnv(t, envOptions{frames: 32, pages: 4, init: true})
	as := encltest.NewAddressSpace(1, 0)
	if err := v.e.Attach(as); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := v.e.Fault(as, v.addr(i), hostarch.Read); err != nil {
			t.Fatalf("Fault %d: %v", i, err)
		}
	}

	// The handle alone does not release; the attachment holds a
	// reference.
	v.release()
	if got, want := v.pool.FreeCount(), 32-6; got != want {
		t.Fatalf("FreeCount() after handle drop = %d, want %d", got, want)
	}

	as.Teardown()
	if got, want := v.pool.FreeCount(), 32; got != want {
		t.Errorf("FreeCount() after teardown = %d, want %d", got, want)
	}
	if got := v.pause.Completed.Load(); got != 1 {
		t.Errorf("pause completed %d times, want 1", got)
	}
	if got := v.pool.LeakedCount(); got != 0 {
		t.Errorf("LeakedCount() = %d, want 0", got)
	}
}

func TestTeardownWithEvictedPages(t *testing.T) {
	v := newEnv(t, envOptions{frames: 32, pages: 4, init: true})
	as := encltest.NewAddressSpace(1, 0)
	if err := v.e.Attach(as); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := v.e.Fault(as, v.addr(i), hostarch.Read); err != nil {
			t.Fatal(err)
		}
	}
	v.evictAll()

	as.Teardown()
	v.release()
	if got, want := v.pool.FreeCount(), 32; got != want {
		t.Errorf("FreeCount() after teardown = %d, want %d", got, want)
	}
}

func TestTeardownLeakAbortsPause(t *testing.T) {
	v := newEnv(t, envOptions{frames: 32, pages: 1})
	v.sim.RemoveHook = func(encls.Frame) error {
		return &encls.OpError{Op: "EREMOVE", Code: 1}
	}
	v.release()
	if got := v.pool.LeakedCount(); got == 0 {
		t.Error("no frames leaked with failing secure removal")
	}
	if got := v.pause.Aborted.Load(); got == 0 {
		t.Error("pause not aborted on leak")
	}
}

func TestAttachIdempotent(t *testing.T) {
	v := newEnv(t, envOptions{pages: 1, init: true})
	as := encltest.NewAddressSpace(1, 0)
	if err := v.e.Attach(as); err != nil {
		t.Fatal(err)
	}
	if err := v.e.Attach(as); err != nil {
		t.Fatalf("repeated Attach: %v", err)
	}
	// One reference, one detach.
	as.Teardown()
	v.release()
	if got := v.pause.Completed.Load(); got != 1 {
		t.Errorf("pause completed %d times, want 1", got)
	}
}

func TestForkedAddressSpaces(t *testing.T) {
	v := newEnv(t, envOptions{pages: 2, init: true})
	as1 := encltest.NewAddressSpace(1, 0)
	as2 := encltest.NewAddressSpace(2, 1)
	if err := v.e.Attach(as1); err != nil {
		t.Fatal(err)
	}
	if err := v.e.Attach(as2); err != nil {
		t.Fatal(err)
	}
	defer as2.Teardown()

	// A fault maps only the faulting address space.
	if err := v.e.Fault(as1, v.addr(0), hostarch.Read); err != nil {
		t.Fatal(err)
	}
	if as2.Mapped(v.addr(0)) != nil {
		t.Error("fault in as1 installed a translation in as2")
	}

	// One side exits while the other is mid-fault reloading evicted
	// pages; the survivor keeps working throughout.
	v.evictAll()
	var g errgroup.Group
	g.Go(func() error {
		as1.Teardown()
		return nil
	})
	for i := 0; i < 2; i++ {
		for {
			err := v.e.Fault(as2, v.addr(i), hostarch.Read)
			if err == nil {
				break
			}
			if !errors.Is(err, sgxerr.ErrBusy) {
				t.Fatalf("Fault %d racing sibling teardown: %v", i, err)
			}
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got, want := as2.MappedCount(), 2; got != want {
		t.Errorf("MappedCount() in survivor = %d, want %d", got, want)
	}
}

func TestDebugAccess(t *testing.T) {
	v := newEnv(t, envOptions{pages: 2, debug: true, init: true})

	// Unaligned write spanning a page boundary, read back through the
	// word-granularity accessors.
	data := []byte("debug window contents")
	addr := v.addr(1) - 7
	if n, err := v.e.DebugWrite(data, addr); err != nil || n != len(data) {
		t.Fatalf("DebugWrite = (%d, %v), want (%d, nil)", n, err, len(data))
	}
	got := make([]byte, len(data))
	if n, err := v.e.DebugRead(got, addr); err != nil || n != len(data) {
		t.Fatalf("DebugRead = (%d, %v), want (%d, nil)", n, err, len(data))
	}
	if !bytes.Equal(got, data) {
		t.Errorf("DebugRead = %q, want %q", got, data)
	}

	// Debug access works on evicted pages by making them resident.
	as := encltest.NewAddressSpace(1, 0)
	if err := v.e.Attach(as); err != nil {
		t.Fatal(err)
	}
	defer as.Teardown()
	v.evictAll()
	if n, err := v.e.DebugRead(got, addr); err != nil || n != len(data) {
		t.Fatalf("DebugRead of evicted pages = (%d, %v), want (%d, nil)", n, err, len(data))
	}
	if !bytes.Equal(got, data) {
		t.Errorf("DebugRead after eviction = %q, want %q", got, data)
	}

	// Out-of-range access reports how far it got.
	long := make([]byte, 3*hostarch.PageSize)
	n, err := v.e.DebugRead(long, v.addr(0))
	if !errors.Is(err, sgxerr.ErrNotFound) {
		t.Errorf("DebugRead past enclave: got %v, want ErrNotFound", err)
	}
	if n != 2*hostarch.PageSize {
		t.Errorf("DebugRead past enclave read %d bytes, want %d", n, 2*hostarch.PageSize)
	}
}

func TestDebugAccessDenied(t *testing.T) {
	v := newEnv(t, envOptions{pages: 1, init: true})
	buf := make([]byte, 16)
	if _, err := v.e.DebugRead(buf, v.addr(0)); !errors.Is(err, sgxerr.ErrPermission) {
		t.Errorf("DebugRead on non-debug enclave: got %v, want ErrPermission", err)
	}
	if _, err := v.e.DebugWrite(buf, v.addr(0)); !errors.Is(err, sgxerr.ErrPermission) {
		t.Errorf("DebugWrite on non-debug enclave: got %v, want ErrPermission", err)
	}
}
