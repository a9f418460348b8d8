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

// Package grace provides a sleepable read-side grace period primitive.
//
// A Domain allows many concurrent readers to enter and leave without
// blocking, while a writer that has unpublished an object can call
// Synchronize to wait until every reader that might still observe the old
// state has finished. This is the reclamation discipline required to remove
// entries from a list that lock-free readers are iterating.
package grace

import (
	"runtime"
	"sync/atomic"
)

// Domain tracks readers in one of two phases. Synchronize flips the active
// phase and waits for the drained phase's reader count to reach zero, so a
// reader is only ever waited on by at most one concurrent Synchronize.
//
// The zero value of Domain is usable.
type Domain struct {
	phase   atomic.Uint32
	readers [2]atomic.Int64
}

// ReadLock enters a read-side critical section and returns a token that must
// be passed to the matching ReadUnlock. Never blocks.
func (d *Domain) ReadLock() int {
	for {
		p := d.phase.Load()
		d.readers[p].Add(1)
		// The phase may have flipped between the load and the
		// increment. Re-check so Synchronize cannot miss this reader.
		if d.phase.Load() == p {
			return int(p)
		}
		d.readers[p].Add(-1)
	}
}

// ReadUnlock leaves the read-side critical section entered with token.
func (d *Domain) ReadUnlock(token int) {
	d.readers[token].Add(-1)
}

// Synchronize blocks until all readers that called ReadLock before
// Synchronize was called have called ReadUnlock. Readers that enter after
// Synchronize begins are not waited for.
//
// Callers must serialize calls to Synchronize.
func (d *Domain) Synchronize() {
	old := d.phase.Load()
	d.phase.Store(1 - old)
	for d.readers[old].Load() != 0 {
		runtime.Gosched()
	}
}
