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

package compute

import (
	"fmt"
	"sync/atomic"

	treemap "github.com/liyue201/gostl/ds/map"

	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/util"
)

// FinalBuffer is one generation of the shared accumulator.
type FinalBuffer struct {
	Id    uint64
	Size  FinalBufferSize
	NCols int

	_mem   *device.Allocation
	_table *device.FinalTable
	// tasks holding the buffer
	_running atomic.Int32
	//guarded by the shared state lock
	_superseded bool
	_claimed    bool
	//finalize runs. exactly one per generation.
	_finalizeRuns atomic.Int32
	_released     atomic.Bool
}

func (buf *FinalBuffer) String() string {
	return fmt.Sprintf("gen %d (nrooms %d, salt %d, running %d)",
		buf.Id, buf.Size.NRooms, buf.Size.KeyDistSalt, buf._running.Load())
}

func (buf *FinalBuffer) Table() *device.FinalTable {
	return buf._table
}

func (buf *FinalBuffer) Running() int {
	return int(buf._running.Load())
}

func (buf *FinalBuffer) stat() GenerationStat {
	return GenerationStat{
		Id:           buf.Id,
		NRooms:       buf.Size.NRooms,
		HashSize:     buf.Size.HashSize,
		Salt:         buf.Size.KeyDistSalt,
		Groups:       buf._table.NumGroups(),
		RowsMerged:   buf._table.RowsMerged(),
		FinalizeRuns: int(buf._finalizeRuns.Load()),
	}
}

// bufferArena holds the live generations keyed by id. Generations are
// never reused. Callers hold the shared state lock.
type bufferArena struct {
	_gens    *treemap.Map[uint64, *FinalBuffer]
	_nextId  uint64
	_history []*FinalBuffer
}

func newBufferArena() *bufferArena {
	ret := new(bufferArena)
	ret._gens = treemap.New[uint64, *FinalBuffer](func(a, b uint64) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
	ret._nextId = 1
	return ret
}

func (arena *bufferArena) alloc(dev *device.Device, size FinalBufferSize, ncols int, extraLimit int64) (*FinalBuffer, error) {
	mem, err := dev.MemAlloc(size.Footprint)
	if err != nil {
		return nil, err
	}
	buf := new(FinalBuffer)
	buf.Id = arena._nextId
	buf.Size = size
	buf.NCols = ncols
	buf._mem = mem
	buf._table = device.NewFinalTable(size.NRooms, size.HashSize, size.KeyDistSalt, extraLimit)
	arena._nextId++
	arena._gens.Insert(buf.Id, buf)
	arena._history = append(arena._history, buf)
	return buf, nil
}

func (arena *bufferArena) release(dev *device.Device, buf *FinalBuffer) {
	if !buf._released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("final buffer %d released twice", buf.Id))
	}
	util.AssertFunc(buf._running.Load() == 0)
	arena._gens.Erase(buf.Id)
	dev.MemFree(buf._mem)
	buf._mem = nil
}

func (arena *bufferArena) live() int {
	return arena._gens.Size()
}

func (arena *bufferArena) liveIds() []uint64 {
	ret := make([]uint64, 0, arena._gens.Size())
	for iter := arena._gens.Begin(); iter.IsValid(); iter.Next() {
		ret = append(ret, iter.Key())
	}
	return ret
}

func (arena *bufferArena) stats() []GenerationStat {
	ret := make([]GenerationStat, len(arena._history))
	for i, buf := range arena._history {
		ret[i] = buf.stat()
	}
	return ret
}
