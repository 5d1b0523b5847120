// Copyright 2024 The fpga-coordinator Authors. All Rights Reserved.
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

package coordinator

import (
	"math"

	"github.com/pkg/errors"
)

// CuIndexNone marks an absent CU index in resolve requests.
const CuIndexNone int32 = -1

// ApertureEntry maps a compute unit to the address window through which its
// registers are accessed. Entries are immutable after table construction.
type ApertureEntry struct {
	// CuIndex identifies the compute unit within the device.
	CuIndex uint32
	// BaseAddr is the physical base address of the aperture.
	BaseAddr uint64
	// Size is the aperture size in bytes.
	Size uint64
	// TableIndex is the entry's position in the aperture table.
	TableIndex int
}

// ApertureTable is the device-wide CU aperture list. It is populated once at
// device initialization and read-only afterwards, so lookups need no locking.
type ApertureTable struct {
	entries []ApertureEntry
	byCu    map[uint32]int
}

// NewApertureTable builds a table from discovered entries. TableIndex fields
// are assigned from the entry order. Duplicate CU indexes, zero-sized
// apertures, windows wrapping the address space and overlapping address
// windows are rejected.
func NewApertureTable(entries []ApertureEntry) (*ApertureTable, error) {
	t := &ApertureTable{
		entries: make([]ApertureEntry, len(entries)),
		byCu:    make(map[uint32]int, len(entries)),
	}

	for i, e := range entries {
		if e.Size == 0 {
			return nil, errors.Errorf("aperture for CU %d has zero size", e.CuIndex)
		}
		// Address arithmetic below assumes BaseAddr+Size does not wrap.
		if e.BaseAddr > math.MaxUint64-e.Size {
			return nil, errors.Errorf("aperture for CU %d wraps the address space", e.CuIndex)
		}
		if _, ok := t.byCu[e.CuIndex]; ok {
			return nil, errors.Errorf("duplicate aperture for CU %d", e.CuIndex)
		}
		for _, prev := range t.entries[:i] {
			if e.BaseAddr < prev.BaseAddr+prev.Size && prev.BaseAddr < e.BaseAddr+e.Size {
				return nil, errors.Errorf("aperture for CU %d overlaps CU %d", e.CuIndex, prev.CuIndex)
			}
		}
		e.TableIndex = i
		t.entries[i] = e
		t.byCu[e.CuIndex] = i
	}

	return t, nil
}

// Len returns the number of entries in the table.
func (t *ApertureTable) Len() int {
	return len(t.entries)
}

// ResolveCu looks up the aperture of a compute unit by its index.
func (t *ApertureTable) ResolveCu(cuIndex uint32) (ApertureEntry, error) {
	idx, ok := t.byCu[cuIndex]
	if !ok {
		return ApertureEntry{}, errors.Wrapf(ErrNotFound, "no aperture for CU %d", cuIndex)
	}

	return t.entries[idx], nil
}

// ResolveAddr looks up the aperture containing the given physical address.
func (t *ApertureTable) ResolveAddr(addr uint64) (ApertureEntry, error) {
	for _, e := range t.entries {
		if addr >= e.BaseAddr && addr < e.BaseAddr+e.Size {
			return e, nil
		}
	}

	return ApertureEntry{}, errors.Wrapf(ErrNotFound, "no aperture contains address %#x", addr)
}

// Resolve implements the bidirectional aperture lookup. A CU index other than
// CuIndexNone takes precedence; if it does not resolve, the lookup degrades
// to the physical address. Only when both fail is ErrNotFound returned.
func (t *ApertureTable) Resolve(cuIndex int32, addr uint64) (ApertureEntry, error) {
	if cuIndex != CuIndexNone {
		if e, err := t.ResolveCu(uint32(cuIndex)); err == nil {
			return e, nil
		}
	}

	return t.ResolveAddr(addr)
}
