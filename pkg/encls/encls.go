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

// Package encls models the privileged enclave management operations
// (ENCLS leaf functions) behind a fallible interface. The page lifecycle
// manager is written against Ops; production builds bind the real
// instructions, tests and the demo CLI bind the in-memory Simulator.
package encls

import (
	"fmt"

	"github.com/gsgx/gsgx/pkg/hostarch"
)

// Frame is the view of an EPC frame the hardware operations need: its
// directly addressable contents. Implemented by epc.Frame.
type Frame interface {
	// Bytes returns the frame's mapped contents. Always PageSize long.
	Bytes() []byte
}

// PageInfo carries the operands of page-granular leaf functions, the
// equivalent of the architectural PAGEINFO structure.
type PageInfo struct {
	// Addr is the enclave-linear address of the page.
	Addr hostarch.Addr

	// Contents is the backing page holding the (encrypted) page contents.
	// Nil for operations that do not touch backing storage.
	Contents []byte

	// Metadata is the backing fragment holding the page's integrity
	// metadata record. Nil when Contents is nil.
	Metadata []byte

	// SECS is the enclave's control frame. Nil when loading the control
	// page itself.
	SECS Frame
}

// OpError is a hardware fault code returned by a leaf function.
type OpError struct {
	// Op names the leaf function, e.g. "ELDU".
	Op string

	// Code is the hardware fault code.
	Code uint32

	// Transient indicates the operation may succeed if retried after the
	// conflicting condition clears. Persistent faults are escalated by
	// the caller.
	Transient bool
}

// Error implements error.Error.
func (e *OpError) Error() string {
	return fmt.Sprintf("%s returned %d (%#x)", e.Op, e.Code, e.Code)
}

// IsTransient returns true iff err is a transient hardware fault.
func IsTransient(err error) bool {
	if e, ok := err.(*OpError); ok {
		return e.Transient
	}
	return false
}

// Ops is the set of privileged operations the page lifecycle manager
// executes. Method names follow the hardware mnemonics.
//
// All methods are safe for concurrent use on distinct frames; operations on
// the same enclave are serialized by the caller's structural lock.
type Ops interface {
	// ECREATE converts frame into an enclave control (SECS) frame for an
	// enclave at [base, base+size).
	ECREATE(secs Frame, base hostarch.Addr, size uint64) error

	// EADD adds a page with the given contents to a not-yet-initialized
	// enclave.
	EADD(p PageInfo, frame Frame) error

	// EINIT marks the enclave initialized. No further EADD is accepted.
	EINIT(secs Frame) error

	// ELDU decrypts and integrity-checks an evicted page from
	// p.Contents/p.Metadata into frame, validating it against the version
	// slot at byte offset vaOff of vaPage. On success the slot's version
	// is consumed.
	ELDU(p PageInfo, frame Frame, vaPage Frame, vaOff uint32) error

	// EAUG zero-fills frame and registers it as a new regular page of an
	// initialized enclave.
	EAUG(p PageInfo, frame Frame) error

	// EWB evicts frame: encrypts it into p.Contents, writes the integrity
	// record to p.Metadata, and stamps the version slot at vaOff of
	// vaPage. Fails with a transient fault if translations for the page
	// have not been tracked out of all processors.
	EWB(p PageInfo, frame Frame, vaPage Frame, vaOff uint32) error

	// EREMOVE permanently erases frame's association with its enclave.
	EREMOVE(frame Frame) error

	// ETRACK arms translation tracking for the enclave owning secs.
	// Required before EWB of any of its pages.
	ETRACK(secs Frame) error

	// EPA converts frame into an empty version array page.
	EPA(frame Frame) error

	// EDBGRD reads the naturally-aligned 8-byte word at off within frame
	// of a debug enclave.
	EDBGRD(frame Frame, off uint64) (uint64, error)

	// EDBGWR writes the naturally-aligned 8-byte word at off within frame
	// of a debug enclave.
	EDBGWR(frame Frame, off uint64, val uint64) error
}
