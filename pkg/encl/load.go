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
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gsgx/gsgx/pkg/encls"
	"github.com/gsgx/gsgx/pkg/epc"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
)

// eldu reloads an evicted page into a freshly allocated frame, validating it
// against the page's version slot. For non-control pages secsFrame is the
// resident control frame; for the control page itself it is nil.
//
// On success the version slot is released and the page is resident. On
// hardware failure the frame goes back to the pool and the caller sees
// ErrFault.
//
// Preconditions: mu is held; page.Evicted().
func (e *Enclave) eldu(page *Page, secsFrame *epc.Frame) error {
	frame, err := e.pool.Allocate(page, false)
	if err != nil {
		return err
	}

	index := page.index()
	if secsFrame == nil {
		index = e.size >> hostarch.PageShift
	}
	bk, err := e.backing.get(index)
	if err != nil {
		e.pool.FreeSecure(frame)
		return sgxerr.ErrFault
	}
	pi := encls.PageInfo{
		Addr:     page.addr,
		Contents: bk.contents,
		Metadata: bk.pcmd,
	}
	if secsFrame != nil {
		pi.SECS = secsFrame
	}
	err = e.ops.ELDU(pi, frame, page.vaPage.Frame(), page.vaOff)
	e.backing.put(bk, false)
	if err != nil {
		if !encls.IsTransient(err) {
			e.log.WithError(err).WithField("addr", page.addr).Warn("ELDU failed")
		}
		e.pool.FreeSecure(frame)
		return sgxerr.ErrFault
	}

	e.freeVASlot(page)
	page.frame = frame
	return nil
}

// ensureSECS loads the control page if it is not resident. It is loaded at
// most once per eviction, on the first access by a dependent page.
//
// Preconditions: mu is held.
func (e *Enclave) ensureSECS() error {
	if e.secs.frame != nil {
		return nil
	}
	return e.eldu(&e.secs, nil)
}

// loadPage resolves addr to a resident page, reloading it from backing
// storage if it was evicted. The control page is made resident first; the
// dependents counter counts only non-control pages and is incremented here
// exactly when an evicted page becomes resident again.
//
// Returns ErrNotFound if no page exists at addr, ErrBusy if the page is held
// by an in-flight reclaim (callers retry), ErrFault or ErrNoMemory from the
// reload itself.
//
// Preconditions: mu is held. addr is page aligned.
func (e *Enclave) loadPage(addr hostarch.Addr) (*Page, error) {
	entry := e.table.lookup(addr)
	if entry == nil {
		return nil, sgxerr.ErrNotFound
	}

	if entry.frame != nil {
		if entry.beingReclaimed {
			return nil, sgxerr.ErrBusy
		}
		return entry, nil
	}
	if !entry.hasSlot {
		// Augmented entry that lost its frame before first use; cannot
		// happen outside teardown.
		return nil, sgxerr.ErrNotFound
	}

	if err := e.ensureSECS(); err != nil {
		return nil, err
	}
	if err := e.eldu(entry, e.secs.frame); err != nil {
		return nil, err
	}

	e.childCnt++
	e.pool.MarkReclaimable(entry.frame)
	return entry, nil
}

// Busy-retry policy for transient structural races. The enclave lock is
// dropped between attempts; exhaustion surfaces ErrBusy, which fault entry
// points translate to "retry the fault".
const (
	busyRetryInitial = 100 * time.Microsecond
	busyRetryMax     = 10 * time.Millisecond
	busyRetryCount   = 64
)

func newBusyBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = busyRetryInitial
	b.MaxInterval = busyRetryMax
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, busyRetryCount)
}

// reservePage loads the page at addr, retrying while it is held by the
// reclaimer, and returns with mu held on success. On error mu is released.
func (e *Enclave) reservePage(addr hostarch.Addr) (*Page, error) {
	bo := newBusyBackoff()
	for {
		e.mu.Lock()
		entry, err := e.loadPage(addr)
		if err == nil {
			return entry, nil
		}
		e.mu.Unlock()
		if !sgxerr.IsBusy(err) {
			return nil, err
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			return nil, sgxerr.ErrBusy
		}
		time.Sleep(next)
	}
}
