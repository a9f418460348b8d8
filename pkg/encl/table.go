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
	"sync/atomic"

	"github.com/google/btree"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
)

// pageTable is the sparse map from enclave-linear page address to Page.
//
// Reads are lock-free: they operate on an immutable snapshot published
// through an atomic pointer. Mutators, serialized by the enclave's
// structural lock, clone the current snapshot (cheap, copy-on-write at node
// granularity), modify the clone and publish it. A reader therefore observes
// some consistent past state, and observes a mutation no later than the
// mutator's publishing store.
type pageTable struct {
	snapshot atomic.Pointer[btree.BTreeG[*Page]]
}

const pageTableDegree = 16

func pageLess(a, b *Page) bool {
	return a.addr < b.addr
}

func newPageTable() *pageTable {
	t := &pageTable{}
	t.snapshot.Store(btree.NewG[*Page](pageTableDegree, pageLess))
	return t
}

// lookup returns the page at addr, or nil. Safe for concurrent use without
// any lock.
func (t *pageTable) lookup(addr hostarch.Addr) *Page {
	page, ok := t.snapshot.Load().Get(&Page{addr: addr})
	if !ok {
		return nil
	}
	return page
}

// insert adds page to the table. Fails with ErrBusy if an entry already
// exists at the page's address: the benign outcome of two faults resolving
// the same address concurrently, which the losing caller treats as
// retryable.
//
// Preconditions: the enclave's structural lock is held.
func (t *pageTable) insert(page *Page) error {
	cur := t.snapshot.Load()
	if _, ok := cur.Get(page); ok {
		return sgxerr.ErrBusy
	}
	next := cur.Clone()
	next.ReplaceOrInsert(page)
	t.snapshot.Store(next)
	return nil
}

// remove deletes the page at addr, if any.
//
// Preconditions: the enclave's structural lock is held.
func (t *pageTable) remove(addr hostarch.Addr) {
	cur := t.snapshot.Load()
	if _, ok := cur.Get(&Page{addr: addr}); !ok {
		return
	}
	next := cur.Clone()
	next.Delete(&Page{addr: addr})
	t.snapshot.Store(next)
}

// ascendFrom visits pages at addresses >= from in ascending order until fn
// returns false. The iteration runs over a single snapshot.
func (t *pageTable) ascendFrom(from hostarch.Addr, fn func(*Page) bool) {
	t.snapshot.Load().AscendGreaterOrEqual(&Page{addr: from}, fn)
}
