// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/util"
)

const (
	slotEmpty uint64 = 0
	slotBusy  uint64 = ^uint64(0)
)

type tableRow struct {
	mu      sync.Mutex
	valid   bool
	hash    uint64
	saltIdx int
	keys    chunk.Row
	slot    chunk.Row
}

// FinalTable is the device resident accumulator of one final buffer
// generation. Hash slots are claimed with CAS. Rooms and extra bytes are
// reserved without overshooting their limits.
type FinalTable struct {
	_nrooms     int
	_hashSize   int
	_salt       int
	_extraLimit int64
	_slots      []atomic.Uint64
	_rows       []tableRow
	_nused      atomic.Int64
	_extraUsed  atomic.Int64
	_nvalid     atomic.Int64
	_rowsMerged atomic.Int64
}

func NewFinalTable(nrooms, hashSize, salt int, extraLimit int64) *FinalTable {
	util.AssertFunc(nrooms > 0 && hashSize >= nrooms && salt > 0)
	ret := new(FinalTable)
	ret._nrooms = nrooms
	ret._hashSize = hashSize
	ret._salt = salt
	ret._extraLimit = extraLimit
	ret._slots = make([]atomic.Uint64, hashSize)
	ret._rows = make([]tableRow, nrooms)
	return ret
}

func (t *FinalTable) NRooms() int {
	return t._nrooms
}

func (t *FinalTable) HashSize() int {
	return t._hashSize
}

func (t *FinalTable) Salt() int {
	return t._salt
}

// NumGroups counts rows holding an accumulator. Salted groups count once
// per salt.
func (t *FinalTable) NumGroups() int {
	return int(t._nvalid.Load())
}

func (t *FinalTable) ExtraUsed() int64 {
	return t._extraUsed.Load()
}

// RowsMerged is the number of input rows accumulated in the table.
func (t *FinalTable) RowsMerged() int64 {
	return t._rowsMerged.Load()
}

func (t *FinalTable) reserveRoom() int {
	for {
		n := t._nused.Load()
		if n >= int64(t._nrooms) {
			return -1
		}
		if t._nused.CompareAndSwap(n, n+1) {
			return int(n)
		}
	}
}

func (t *FinalTable) reserveExtra(sz int64) bool {
	if sz <= 0 {
		return true
	}
	for {
		used := t._extraUsed.Load()
		if used+sz > t._extraLimit {
			return false
		}
		if t._extraUsed.CompareAndSwap(used, used+sz) {
			return true
		}
	}
}

func saltedHash(h uint64, saltIdx int) uint64 {
	if saltIdx == 0 {
		return h
	}
	h ^= uint64(saltIdx) * 0x9e3779b97f4a7c15
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

// Merge accumulates partials of nrows input rows into the group of keys.
// It reports whether a new group was created and how many extra bytes were
// consumed. It fails with ErrNoSpaceShared when a new group or a larger
// varlena payload does not fit. A failed merge leaves the table unchanged.
func (t *FinalTable) Merge(k Kernels, keys, partials chunk.Row, saltIdx int, nrows int) (bool, int64, error) {
	h := saltedHash(k.Hash(keys), saltIdx)
	idx := int(h % uint64(t._hashSize))
	for probe := 0; probe < t._hashSize; {
		v := t._slots[idx].Load()
		switch v {
		case slotEmpty:
			if !t._slots[idx].CompareAndSwap(slotEmpty, slotBusy) {
				continue
			}
			extra, err := t.insert(k, idx, h, keys, partials, saltIdx)
			if err != nil {
				return false, 0, err
			}
			t._rowsMerged.Add(int64(nrows))
			return true, extra, nil
		case slotBusy:
			runtime.Gosched()
			continue
		}
		row := &t._rows[v-1]
		if row.hash == h && row.saltIdx == saltIdx && k.KeysEqual(row.keys, keys) {
			extra, err := t.combine(k, row, partials)
			if err != nil {
				return false, 0, err
			}
			t._rowsMerged.Add(int64(nrows))
			return false, extra, nil
		}
		idx = (idx + 1) % t._hashSize
		probe++
	}
	return false, 0, ErrNoSpaceShared
}

func (t *FinalTable) insert(k Kernels, idx int, h uint64, keys, partials chunk.Row, saltIdx int) (int64, error) {
	slot := k.InitSlot(partials)
	extra := varlenaSize(keys) + varlenaSize(slot)
	if !t.reserveExtra(extra) {
		t._slots[idx].Store(slotEmpty)
		return 0, ErrNoSpaceShared
	}
	ridx := t.reserveRoom()
	if ridx < 0 {
		t._extraUsed.Add(-extra)
		t._slots[idx].Store(slotEmpty)
		return 0, ErrNoSpaceShared
	}
	row := &t._rows[ridx]
	row.hash = h
	row.saltIdx = saltIdx
	row.keys = util.CopyTo(keys)
	row.slot = slot
	row.valid = true
	t._nvalid.Add(1)
	//publish
	t._slots[idx].Store(uint64(ridx) + 1)
	return extra, nil
}

func (t *FinalTable) combine(k Kernels, row *tableRow, partials chunk.Row) (int64, error) {
	row.mu.Lock()
	defer row.mu.Unlock()
	next := util.CopyTo(row.slot)
	k.Combine(next, partials)
	delta := varlenaSize(next) - varlenaSize(row.slot)
	if delta > 0 && !t.reserveExtra(delta) {
		return 0, ErrNoSpaceShared
	}
	if delta < 0 {
		t._extraUsed.Add(delta)
	}
	row.slot = next
	return max(delta, 0), nil
}

// Rows returns keys and accumulator of every valid row. Only safe once no
// writer holds the table.
func (t *FinalTable) Rows() []util.Pair[chunk.Row, chunk.Row] {
	n := int(t._nused.Load())
	if n > t._nrooms {
		n = t._nrooms
	}
	ret := make([]util.Pair[chunk.Row, chunk.Row], 0, t.NumGroups())
	for i := 0; i < n; i++ {
		row := &t._rows[i]
		if !row.valid {
			continue
		}
		ret = append(ret, util.Pair[chunk.Row, chunk.Row]{First: row.keys, Second: row.slot})
	}
	return ret
}
