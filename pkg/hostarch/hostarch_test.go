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

package hostarch

import (
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr    Addr
		down    Addr
		up      Addr
		upOK    bool
		aligned bool
		offset  uint64
		pageIdx uint64
	}{
		{addr: 0, down: 0, up: 0, upOK: true, aligned: true, offset: 0, pageIdx: 0},
		{addr: 1, down: 0, up: PageSize, upOK: true, aligned: false, offset: 1, pageIdx: 0},
		{addr: PageSize - 1, down: 0, up: PageSize, upOK: true, aligned: false, offset: PageSize - 1, pageIdx: 0},
		{addr: PageSize, down: PageSize, up: PageSize, upOK: true, aligned: true, offset: 0, pageIdx: 1},
		{addr: ^Addr(0), down: ^Addr(0) - PageMask, up: 0, upOK: false, aligned: false, offset: PageMask, pageIdx: uint64(^Addr(0)) >> PageShift},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); got != tc.up || ok != tc.upOK {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", tc.addr, got, ok, tc.up, tc.upOK)
		}
		if got := tc.addr.IsPageAligned(); got != tc.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", tc.addr, got, tc.aligned)
		}
		if got := tc.addr.PageOffset(); got != tc.offset {
			t.Errorf("%v.PageOffset() = %d, want %d", tc.addr, got, tc.offset)
		}
		if got := tc.addr.PageIndex(); got != tc.pageIdx {
			t.Errorf("%v.PageIndex() = %d, want %d", tc.addr, got, tc.pageIdx)
		}
	}
}

func TestAddLength(t *testing.T) {
	if end, ok := Addr(PageSize).AddLength(PageSize); end != 2*PageSize || !ok {
		t.Errorf("AddLength = (%v, %t), want (%v, true)", end, ok, Addr(2*PageSize))
	}
	if _, ok := (^Addr(0) - 1).AddLength(16); ok {
		t.Error("AddLength did not report wraparound")
	}
}

func TestAccessType(t *testing.T) {
	if !ReadWrite.SupersetOf(Read) || Read.SupersetOf(ReadWrite) {
		t.Error("SupersetOf ordering broken")
	}
	if !AnyAccess.SupersetOf(AnyAccess) {
		t.Error("SupersetOf not reflexive")
	}
	if got := ReadWrite.Intersect(ReadExecute); got != Read {
		t.Errorf("ReadWrite.Intersect(ReadExecute) = %v, want %v", got, Read)
	}
	if got := Write.Union(Execute); got != (AccessType{Write: true, Execute: true}) {
		t.Errorf("Write.Union(Execute) = %v", got)
	}
	if got := Write.Effective(); got != ReadWrite {
		t.Errorf("Write.Effective() = %v, want %v", got, ReadWrite)
	}
	if NoAccess.Any() || !Execute.Any() {
		t.Error("Any() broken")
	}
	if got, want := ReadExecute.String(), "r-x"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
