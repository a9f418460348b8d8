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
	"encoding/binary"

	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
)

const debugWordSize = 8

// debugAccess copies len(buf) bytes between buf and enclave memory at addr
// through the privileged word-granularity debug operations, making each
// touched page resident first. Permitted only on debug enclaves. Busy races
// with the reclaimer are retried internally; callers never see ErrBusy.
func (e *Enclave) debugAccess(buf []byte, addr hostarch.Addr, write bool) (int, error) {
	if !e.Debuggable() {
		return 0, sgxerr.ErrPermission
	}

	var word [debugWordSize]byte
	done := 0
	for done < len(buf) {
		if e.pause != nil && e.pause.Active() {
			return done, sgxerr.ErrBusy
		}

		cur := addr + hostarch.Addr(done)
		entry, err := e.reservePage(cur.RoundDown())
		if err != nil {
			return done, err
		}

		// Word-align the access and clamp to the remaining buffer.
		align := uint64(cur) &^ (debugWordSize - 1)
		offset := int(uint64(cur) - align)
		n := debugWordSize - offset
		if n > len(buf)-done {
			n = len(buf) - done
		}
		frameOff := align & hostarch.PageMask

		v, err := e.ops.EDBGRD(entry.frame, frameOff)
		if err == nil && write {
			binary.LittleEndian.PutUint64(word[:], v)
			copy(word[offset:offset+n], buf[done:done+n])
			err = e.ops.EDBGWR(entry.frame, frameOff, binary.LittleEndian.Uint64(word[:]))
		} else if err == nil {
			binary.LittleEndian.PutUint64(word[:], v)
			copy(buf[done:done+n], word[offset:offset+n])
		}
		e.mu.Unlock()
		if err != nil {
			return done, sgxerr.ErrFault
		}
		done += n
	}
	return done, nil
}

// DebugRead reads len(buf) bytes of enclave memory at addr. Only valid on
// enclaves created in debug mode.
func (e *Enclave) DebugRead(buf []byte, addr hostarch.Addr) (int, error) {
	return e.debugAccess(buf, addr, false)
}

// DebugWrite writes buf to enclave memory at addr. Only valid on enclaves
// created in debug mode.
func (e *Enclave) DebugWrite(buf []byte, addr hostarch.Addr) (int, error) {
	return e.debugAccess(buf, addr, true)
}
