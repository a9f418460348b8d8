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

package encls

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/sirupsen/logrus"
)

// Simulator implements Ops in memory, operating on the real byte contents of
// EPC frames. Eviction ciphers page contents into the backing page and
// stamps a version counter into both the version slot and the metadata
// record; reload verifies the pair, so evict/reload round trips and replay
// failures behave like the hardware's.
//
// Hook fields, when non-nil, run before the corresponding operation and may
// inject faults. Tests use them to exercise error paths.
type Simulator struct {
	mu sync.Mutex

	// version is the source of slot version numbers. Version 0 means
	// "slot empty" and is never issued.
	version uint64

	// enclaves tracks per-enclave state by base address; frames maps a
	// currently-resident control frame back to its enclave. The control
	// frame's identity changes across evict/reload, the base does not.
	enclaves map[hostarch.Addr]*enclaveState
	frames   map[Frame]hostarch.Addr

	// RemoveHook, LoadHook and WriteBackHook inject faults into EREMOVE,
	// ELDU and EWB respectively.
	RemoveHook    func(Frame) error
	LoadHook      func(PageInfo, Frame) error
	WriteBackHook func(PageInfo, Frame) error
}

type enclaveState struct {
	size        uint64
	initialized bool
	tracked     bool
}

// NewSimulator returns an empty Simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		enclaves: make(map[hostarch.Addr]*enclaveState),
		frames:   make(map[Frame]hostarch.Addr),
	}
}

const (
	pcmdVersionOff = 0
	pcmdSumOff     = 8
)

func checksum(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// cipher XORs b in place with a keystream derived from version. Applying it
// twice with the same version restores the input.
func cipher(b []byte, version uint64) {
	for i := range b {
		b[i] ^= byte(version>>(8*(uint(i)%8))) ^ byte(i)
	}
}

func (s *Simulator) stateOf(secs Frame) *enclaveState {
	base, ok := s.frames[secs]
	if !ok {
		return nil
	}
	return s.enclaves[base]
}

// ECREATE implements Ops.ECREATE.
func (s *Simulator) ECREATE(secs Frame, base hostarch.Addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enclaves[base]; ok {
		return &OpError{Op: "ECREATE", Code: 1}
	}
	s.enclaves[base] = &enclaveState{size: size}
	s.frames[secs] = base
	return nil
}

// EADD implements Ops.EADD.
func (s *Simulator) EADD(p PageInfo, frame Frame) error {
	s.mu.Lock()
	st := s.stateOf(p.SECS)
	s.mu.Unlock()
	if st == nil || st.initialized {
		return &OpError{Op: "EADD", Code: 1}
	}
	copy(frame.Bytes(), p.Contents)
	return nil
}

// EINIT implements Ops.EINIT.
func (s *Simulator) EINIT(secs Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateOf(secs)
	if st == nil || st.initialized {
		return &OpError{Op: "EINIT", Code: 1}
	}
	st.initialized = true
	return nil
}

// ELDU implements Ops.ELDU.
func (s *Simulator) ELDU(p PageInfo, frame Frame, vaPage Frame, vaOff uint32) error {
	if s.LoadHook != nil {
		if err := s.LoadHook(p, frame); err != nil {
			return err
		}
	}
	slot := vaPage.Bytes()[vaOff : vaOff+8]
	version := binary.LittleEndian.Uint64(slot)
	recorded := binary.LittleEndian.Uint64(p.Metadata[pcmdVersionOff:])
	if version == 0 || version != recorded {
		logrus.WithFields(logrus.Fields{
			"addr":     p.Addr,
			"slot":     version,
			"recorded": recorded,
		}).Debug("ELDU version mismatch")
		return &OpError{Op: "ELDU", Code: 2}
	}
	copy(frame.Bytes(), p.Contents)
	cipher(frame.Bytes(), version)
	if checksum(frame.Bytes()) != binary.LittleEndian.Uint64(p.Metadata[pcmdSumOff:]) {
		return &OpError{Op: "ELDU", Code: 3}
	}
	// The slot's version is consumed.
	binary.LittleEndian.PutUint64(slot, 0)

	if p.SECS == nil {
		// Reloading a control page: rebind the enclave state to its
		// new frame. p.Addr carries the enclave base.
		s.mu.Lock()
		if _, ok := s.enclaves[p.Addr]; ok {
			s.frames[frame] = p.Addr
		}
		s.mu.Unlock()
	}
	return nil
}

// EAUG implements Ops.EAUG.
func (s *Simulator) EAUG(p PageInfo, frame Frame) error {
	s.mu.Lock()
	st := s.stateOf(p.SECS)
	s.mu.Unlock()
	if st == nil || !st.initialized {
		return &OpError{Op: "EAUG", Code: 1}
	}
	clear(frame.Bytes())
	return nil
}

// EWB implements Ops.EWB.
func (s *Simulator) EWB(p PageInfo, frame Frame, vaPage Frame, vaOff uint32) error {
	if s.WriteBackHook != nil {
		if err := s.WriteBackHook(p, frame); err != nil {
			return err
		}
	}
	s.mu.Lock()
	st := s.stateOf(p.SECS)
	version := s.version + 1
	s.version = version
	// Evicting a control page unbinds its frame.
	if _, isSECS := s.frames[frame]; isSECS {
		if st == nil {
			st = s.stateOf(frame)
		}
		delete(s.frames, frame)
	}
	s.mu.Unlock()
	if st == nil {
		return &OpError{Op: "EWB", Code: 1}
	}
	if !st.tracked {
		// SGX_NOT_TRACKED: the shootdown protocol was skipped.
		return &OpError{Op: "EWB", Code: 11, Transient: true}
	}
	binary.LittleEndian.PutUint64(p.Metadata[pcmdVersionOff:], version)
	binary.LittleEndian.PutUint64(p.Metadata[pcmdSumOff:], checksum(frame.Bytes()))
	copy(p.Contents, frame.Bytes())
	cipher(p.Contents, version)
	binary.LittleEndian.PutUint64(vaPage.Bytes()[vaOff:vaOff+8], version)
	clear(frame.Bytes())
	return nil
}

// EREMOVE implements Ops.EREMOVE.
func (s *Simulator) EREMOVE(frame Frame) error {
	if s.RemoveHook != nil {
		if err := s.RemoveHook(frame); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if base, ok := s.frames[frame]; ok {
		delete(s.frames, frame)
		delete(s.enclaves, base)
	}
	s.mu.Unlock()
	clear(frame.Bytes())
	return nil
}

// ETRACK implements Ops.ETRACK.
func (s *Simulator) ETRACK(secs Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateOf(secs)
	if st == nil {
		return &OpError{Op: "ETRACK", Code: 1}
	}
	st.tracked = true
	return nil
}

// EPA implements Ops.EPA.
func (s *Simulator) EPA(frame Frame) error {
	clear(frame.Bytes())
	return nil
}

// EDBGRD implements Ops.EDBGRD.
func (s *Simulator) EDBGRD(frame Frame, off uint64) (uint64, error) {
	if off%8 != 0 || off+8 > uint64(len(frame.Bytes())) {
		return 0, &OpError{Op: "EDBGRD", Code: 1}
	}
	return binary.LittleEndian.Uint64(frame.Bytes()[off:]), nil
}

// EDBGWR implements Ops.EDBGWR.
func (s *Simulator) EDBGWR(frame Frame, off uint64, val uint64) error {
	if off%8 != 0 || off+8 > uint64(len(frame.Bytes())) {
		return &OpError{Op: "EDBGWR", Code: 1}
	}
	binary.LittleEndian.PutUint64(frame.Bytes()[off:], val)
	return nil
}
