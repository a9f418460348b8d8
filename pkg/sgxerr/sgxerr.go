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

// Package sgxerr defines the error taxonomy of the enclave page cache as
// errno-backed sentinel errors. Sentinels are comparable by pointer, which
// allows for fast comparison and return operations on fault paths.
package sgxerr

import (
	"golang.org/x/sys/unix"
)

// Error represents a fault-path error with an errno equivalent for callers
// that surface results to userspace.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(errno unix.Errno, message string) *Error {
	return &Error{
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

var (
	// ErrNotFound indicates that no enclave page exists at the given
	// address. Fatal to the triggering fault; surfaced as a bus error.
	ErrNotFound = New(unix.EFAULT, "no enclave page at address")

	// ErrBusy indicates a transient structural race, e.g. the page is held
	// by the reclaimer or lost a duplicate-insert race. Callers retry;
	// never surfaced as a user-visible failure.
	ErrBusy = New(unix.EBUSY, "enclave page busy")

	// ErrPermission indicates that a mapping or access request exceeds the
	// page's permissions, or that an operation is not allowed in the
	// enclave's current lifecycle state.
	ErrPermission = New(unix.EACCES, "permission denied")

	// ErrNoMemory indicates that the EPC is exhausted even after direct
	// reclaim.
	ErrNoMemory = New(unix.ENOMEM, "out of EPC frames")

	// ErrFault indicates that a hardware operation rejected the request.
	// Surfaced as a bus error.
	ErrFault = New(unix.EFAULT, "enclave hardware operation failed")

	// ErrLeaked indicates that secure removal of a frame failed and the
	// frame is permanently unusable. Never retried; the subsystem
	// continues in degraded mode.
	ErrLeaked = New(unix.EHWPOISON, "EPC frame leaked")
)

// Errno returns the unix.Errno equivalent of err, or 0 if err is nil.
// Non-sentinel errors map to EFAULT, the catch-all of the fault path.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return e.errno
	}
	return unix.EFAULT
}

// IsBusy returns true iff err is ErrBusy.
func IsBusy(err error) bool {
	return err == ErrBusy
}

// IsNotFound returns true iff err is ErrNotFound.
func IsNotFound(err error) bool {
	return err == ErrNotFound
}
