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
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
	"golang.org/x/sys/unix"
)

// IPISender delivers inter-processor interrupts that force processors out of
// the enclave, flushing their cached enclave translations on exit.
type IPISender interface {
	Interrupt(cpus unix.CPUSet)
}

// flushEnclaveTLBs guarantees that no processor retains a cached translation
// for addr before the page at addr is evicted or removed:
//
//  1. ETRACK arms per-processor tracking on the enclave.
//  2. The attachment-version counter is read, then the CPU snapshot taken.
//  3. Every CPU in the snapshot is interrupted, and the translation for
//     addr is removed from every still-alive attached address space.
//  4. The version counter is re-read. If it changed, a new address space
//     attached mid-flight, racing the tracking hardware: its fresh
//     translations were not observed, so the whole sequence is retried.
//
// Skipping the recheck in step 4 reintroduces the stale-translation race the
// tracking operation exists to prevent. Termination: attaching requires the
// address space's exclusive mapping lock, so the number of racing
// attachments is bounded and each retry consumes one version change.
//
// Returns the number of passes, which is of interest to tests and stats.
//
// Preconditions: mu is held; the control page is resident.
func (e *Enclave) flushEnclaveTLBs(addr hostarch.Addr) (int, error) {
	passes := 0
	for {
		passes++
		if err := e.ops.ETRACK(e.secs.frame); err != nil {
			e.log.WithError(err).Warn("ETRACK failed")
			return passes, sgxerr.ErrFault
		}

		version := e.mmVersion.Load()
		cpus := e.CPUMask()
		if e.ipi != nil {
			e.ipi.Interrupt(cpus)
		}
		e.forEachAttachment(func(att *attachment) {
			if att.as.Alive() {
				att.as.Unmap(addr)
			}
		})

		if e.mmVersion.Load() == version {
			return passes, nil
		}
	}
}
