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
	"fmt"

	"github.com/gsgx/gsgx/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// pcmdSize is the size of one paging metadata (PCMD) record. pcmdPerPage
// records share one backing page.
const (
	pcmdSize    = 128
	pcmdPerPage = hostarch.PageSize / pcmdSize
)

// backingStore is the per-enclave paged storage holding encrypted contents
// and integrity metadata for evicted pages, addressed by enclave-relative
// page index.
//
// Layout, by backing page index for an enclave of n pages: [0, n) page
// contents, n the control page's contents, and from n+1 the PCMD region with
// pcmdPerPage records per page. Backed by a process-private memfd mapped
// shared, so "pinning" a page is slicing the mapping.
type backingStore struct {
	fd    int
	mm    []byte
	pages uint64
}

// backing is one pinned content page plus pinned metadata fragment, valid
// until put.
type backing struct {
	contents []byte
	pcmd     []byte
}

func newBackingStore(size uint64) (*backingStore, error) {
	pages := size >> hostarch.PageShift
	// Indices 0..pages inclusive need PCMD records.
	totalPages := pages + 1 + (pages >> 5) + 1
	total := int(totalPages << hostarch.PageShift)

	fd, err := unix.MemfdCreate("gsgx-backing", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	mm, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &backingStore{fd: fd, mm: mm, pages: pages}, nil
}

// get pins the backing pages for pageIndex. pageIndex up to and including
// b.pages (the control page's index) is valid.
func (b *backingStore) get(pageIndex uint64) (backing, error) {
	if pageIndex > b.pages {
		return backing{}, fmt.Errorf("backing index %d out of range", pageIndex)
	}
	pcmdPage := b.pages + 1 + pageIndex/pcmdPerPage
	pcmdOff := (pageIndex % pcmdPerPage) * pcmdSize
	return backing{
		contents: b.mm[pageIndex<<hostarch.PageShift : (pageIndex+1)<<hostarch.PageShift],
		pcmd:     b.mm[pcmdPage<<hostarch.PageShift+pcmdOff : pcmdPage<<hostarch.PageShift+pcmdOff+pcmdSize],
	}, nil
}

// put unpins a backing obtained from get. The mapping is coherent, so dirty
// contents need no writeback; the flag exists for parity with stores that
// would need one.
func (b *backingStore) put(bk backing, dirty bool) {
	_ = bk
	_ = dirty
}

func (b *backingStore) close() {
	if b.mm != nil {
		unix.Munmap(b.mm)
		b.mm = nil
	}
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
}
