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

// Package epc manages the enclave page cache: the fixed pool of protected
// physical frames that back enclave pages.
//
// A Pool is an injectable service object, never a hidden singleton, so tests
// can instantiate isolated pools. Frames have real byte contents (anonymous
// mappings standing in for the protected physical sections), which lets the
// simulated hardware operations and the debug accessors operate on them.
package epc

import (
	"sync"
	"time"

	"github.com/gsgx/gsgx/pkg/encls"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/gsgx/gsgx/pkg/sgxerr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Frame flags, guarded by the owning Pool's mutex.
const (
	// frameReclaimerTracked marks frames on the reclaimable list or
	// claimed off it by the reclaimer.
	frameReclaimerTracked = 1 << 0

	// frameVersionArray marks frames converted to version arrays.
	frameVersionArray = 1 << 1

	// frameLeaked marks frames whose secure removal failed. Never pooled
	// again.
	frameLeaked = 1 << 2
)

// MaxSections bounds the number of EPC sections a pool may carry.
const MaxSections = 8

// Reclaim watermarks: a reclaimer should run while fewer than LowWatermark
// frames are free and may stop at HighWatermark.
const (
	LowWatermark  = 32
	HighWatermark = 64
)

// Frame is one page-sized protected physical frame.
type Frame struct {
	section *section
	index   int

	// flags and owner are guarded by the pool's mutex.
	flags uint32
	owner any
}

// Bytes returns the frame's mapped contents. It implements encls.Frame.
func (f *Frame) Bytes() []byte {
	return f.section.mem[f.index*hostarch.PageSize : (f.index+1)*hostarch.PageSize]
}

// Owner returns the owner recorded at allocation, typically the enclave page
// the frame backs. The reclaimer uses it to find its way back to the page.
func (f *Frame) Owner() any {
	f.section.pool.mu.Lock()
	defer f.section.pool.mu.Unlock()
	return f.owner
}

// IsVersionArray returns true iff the frame has been converted to a version
// array page.
func (f *Frame) IsVersionArray() bool {
	f.section.pool.mu.Lock()
	defer f.section.pool.mu.Unlock()
	return f.flags&frameVersionArray != 0
}

type section struct {
	pool   *Pool
	mem    []byte
	frames []Frame
}

// Reclaimer is the external reclaim daemon, driven synchronously when the
// pool runs dry. Reclaim blocks until it has freed at least one frame or
// determined that no candidates remain; it returns false in the latter case.
type Reclaimer interface {
	Reclaim() bool
}

// Pauser is the secure-pause coordinator. Eviction activity is frozen while
// Active returns true; Abort is signaled when an unrecoverable frame leak
// means an in-flight pause can never complete; Complete is signaled when the
// last frame of a torn-down enclave has been released.
type Pauser interface {
	Active() bool
	Abort()
	Complete()
}

// Config describes a pool's sections.
type Config struct {
	// SectionFrames holds the frame count of each EPC section.
	SectionFrames []int `yaml:"sections"`
}

// Pool owns the EPC frames of one or more sections.
type Pool struct {
	ops   encls.Ops
	pause Pauser
	log   *logrus.Entry

	// leakWarn rate-limits the severe warning logged when secure removal
	// fails, which can otherwise flood logs during a bad pause cycle.
	leakWarn *rate.Limiter

	// reclaimer is set once before use via SetReclaimer.
	reclaimer Reclaimer

	mu          sync.Mutex
	sections    []*section
	free        []*Frame
	reclaimable []*Frame
	nrFree      int
	nrLeaked    int
}

// NewPool maps the configured sections and returns a pool with every frame
// free. ops performs secure removal on frame release; pause may be nil if no
// secure-pause coordination is required.
func NewPool(cfg Config, ops encls.Ops, pause Pauser) (*Pool, error) {
	if len(cfg.SectionFrames) == 0 || len(cfg.SectionFrames) > MaxSections {
		return nil, sgxerr.ErrNoMemory
	}
	p := &Pool{
		ops:      ops,
		pause:    pause,
		log:      logrus.WithField("subsys", "epc"),
		leakWarn: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, n := range cfg.SectionFrames {
		mem, err := unix.Mmap(-1, 0, n*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
		if err != nil {
			p.Destroy()
			return nil, err
		}
		s := &section{pool: p, mem: mem, frames: make([]Frame, n)}
		for i := range s.frames {
			s.frames[i].section = s
			s.frames[i].index = i
			p.free = append(p.free, &s.frames[i])
		}
		p.sections = append(p.sections, s)
		p.nrFree += n
	}
	return p, nil
}

// SetReclaimer binds the external reclaim daemon. Must be called before any
// Allocate that permits reclaim.
func (p *Pool) SetReclaimer(r Reclaimer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reclaimer = r
}

// Destroy unmaps all sections. No frame may be in use.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sections {
		unix.Munmap(s.mem)
	}
	p.sections = nil
	p.free = nil
	p.nrFree = 0
}

// FreeCount returns the number of free frames.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nrFree
}

// LeakedCount returns the number of frames permanently lost to failed secure
// removal.
func (p *Pool) LeakedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nrLeaked
}

// BelowLowWatermark returns true while the reclaimer should be running.
func (p *Pool) BelowLowWatermark() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nrFree < LowWatermark
}

func (p *Pool) tryAllocate(owner any) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.nrFree--
	f.owner = owner
	f.flags = 0
	return f
}

// Allocate takes a free frame, recording owner on it. If the pool is
// exhausted and reclaim is true, the reclaimer is invoked synchronously and
// the allocation retried until a frame appears or the reclaimer runs out of
// candidates. Returns sgxerr.ErrNoMemory on exhaustion.
func (p *Pool) Allocate(owner any, reclaim bool) (*Frame, error) {
	for {
		if f := p.tryAllocate(owner); f != nil {
			return f, nil
		}
		p.mu.Lock()
		r := p.reclaimer
		p.mu.Unlock()
		if !reclaim || r == nil {
			return nil, sgxerr.ErrNoMemory
		}
		if !r.Reclaim() {
			p.log.WithField("free", p.FreeCount()).Debug("reclaim made no progress")
			return nil, sgxerr.ErrNoMemory
		}
	}
}

// Free returns a frame to the pool without secure removal. The caller
// guarantees the frame is no longer associated with any enclave, e.g. because
// it was just evicted by EWB.
func (p *Pool) Free(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.flags&frameReclaimerTracked != 0 {
		panic("freeing frame still tracked by reclaimer")
	}
	f.owner = nil
	f.flags = 0
	p.free = append(p.free, f)
	p.nrFree++
}

// FreeSecure securely removes the frame's enclave association and returns it
// to the pool. A frame still tracked by the reclaimer indicates a logic bug
// and panics.
//
// If removal fails the frame is leaked: it is never returned to the pool, a
// severe warning is logged, and any in-flight secure pause is told to abort
// so it does not wait forever for a release that cannot happen. Returns
// sgxerr.ErrLeaked in that case; the subsystem continues in degraded mode.
func (p *Pool) FreeSecure(f *Frame) error {
	p.mu.Lock()
	if f.flags&frameReclaimerTracked != 0 {
		p.mu.Unlock()
		panic("securely freeing frame still tracked by reclaimer")
	}
	p.mu.Unlock()

	if err := p.ops.EREMOVE(f); err != nil {
		p.mu.Lock()
		f.flags |= frameLeaked
		p.nrLeaked++
		p.mu.Unlock()
		if p.leakWarn.Allow() {
			p.log.WithError(err).Error("EREMOVE failed, EPC frame leaked; the EPC may become unusable")
		}
		if p.pause != nil {
			p.pause.Abort()
		}
		return sgxerr.ErrLeaked
	}
	p.Free(f)
	return nil
}

// MarkReclaimable puts the frame on the reclaimable list, making it a
// candidate for eviction.
//
// Contract with the reclaimer: the caller orders the page-table insertion of
// the owning page before MarkReclaimable, and the reclaimer re-checks the
// page's residency under the enclave's structural lock after claiming a
// candidate.
func (p *Pool) MarkReclaimable(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.flags |= frameReclaimerTracked
	p.reclaimable = append(p.reclaimable, f)
}

// UnmarkReclaimable removes the frame from reclaim tracking. Returns false
// if the reclaimer has already claimed the frame, in which case ownership of
// the frame rests with the in-flight reclaim and the caller must not free it.
func (p *Pool) UnmarkReclaimable(f *Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.flags&frameReclaimerTracked == 0 {
		return true
	}
	for i, cand := range p.reclaimable {
		if cand == f {
			p.reclaimable = append(p.reclaimable[:i], p.reclaimable[i+1:]...)
			f.flags &^= frameReclaimerTracked
			return true
		}
	}
	// Tracked but no longer on the list: claimed by the reclaimer.
	return false
}

// TakeReclaimCandidates claims up to max frames from the head of the
// reclaimable list for the reclaimer. Claimed frames keep their tracked flag
// until the reclaimer releases them with ReleaseClaim or completes the
// eviction.
func (p *Pool) TakeReclaimCandidates(max int) []*Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if max > len(p.reclaimable) {
		max = len(p.reclaimable)
	}
	claimed := make([]*Frame, max)
	copy(claimed, p.reclaimable[:max])
	p.reclaimable = append(p.reclaimable[:0], p.reclaimable[max:]...)
	return claimed
}

// ReleaseClaim ends the reclaimer's claim on a frame. If requeue is true the
// frame goes back on the reclaimable list, otherwise it leaves reclaim
// tracking entirely.
func (p *Pool) ReleaseClaim(f *Frame, requeue bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if requeue {
		p.reclaimable = append(p.reclaimable, f)
		return
	}
	f.flags &^= frameReclaimerTracked
}
