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
	"errors"
	"fmt"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/util"
)

// KernPreAgg carries the parameters and results of one launch.
type KernPreAgg struct {
	ReductionMode ReductionMode
	// NItemsReal is the number of rows the private buffers can hold.
	NItemsReal  int
	KeyDistSalt int

	//results
	Status KernelStatus
	// FinalReductionInProgress is set once the launch started merging
	// into the final table.
	FinalReductionInProgress bool
	// FinalBufferModified is set once any merge into the final table
	// succeeded in this or an earlier launch of the same task.
	FinalBufferModified bool
	Err                 error
	RowsIn              int
	RowsFiltered        int
	RowsMerged          int
	NumGroups           int
	VarlenaUsage        int64

	//perf
	NumLaunches int
	BytesSent   int64
	BytesRecv   int64
}

func (kp *KernPreAgg) ResetResults() {
	kp.Status = STATUS_SUCCESS
	kp.FinalReductionInProgress = false
	kp.Err = nil
}

type partialEntry struct {
	hash     uint64
	keys     chunk.Row
	partials chunk.Row
	nrows    int
}

// WorkState is the private device memory of a task. It survives a retry
// after the final table ran out of space, so rows already merged are not
// merged again.
type WorkState struct {
	Mem      *Allocation
	Prepared bool
	Entries  []partialEntry
	Cursor   int
	RowsIn   int
	Filtered int
}

func (ws *WorkState) Pending() int {
	return len(ws.Entries) - ws.Cursor
}

type reducer struct {
	k       Kernels
	index   map[uint64][]int
	entries []partialEntry
}

func newReducer(k Kernels) *reducer {
	return &reducer{k: k, index: make(map[uint64][]int)}
}

func (r *reducer) add(keys, partials chunk.Row) {
	h := r.k.Hash(keys)
	for _, idx := range r.index[h] {
		ent := &r.entries[idx]
		if r.k.KeysEqual(ent.keys, keys) {
			r.k.Combine(ent.partials, partials)
			ent.nrows++
			return
		}
	}
	r.index[h] = append(r.index[h], len(r.entries))
	r.entries = append(r.entries, partialEntry{
		hash:     h,
		keys:     keys,
		partials: r.k.InitSlot(partials),
		nrows:    1,
	})
}

func (r *reducer) flush(out []partialEntry) []partialEntry {
	out = append(out, r.entries...)
	r.entries = r.entries[:0]
	clear(r.index)
	return out
}

// RunPreAgg is the body of one pre-aggregation launch. The first launch of
// a task projects and pre-reduces its chunk into ws. Every launch then
// merges the pending entries into the final table from ws.Cursor on.
func RunPreAgg(k Kernels, dev *Device, kp *KernPreAgg, chk *chunk.Chunk, ws *WorkState, table *FinalTable) {
	kp.ResetResults()
	kp.NumLaunches++
	util.AssertFunc(kp.ReductionMode != REDUCTION_INVALID && kp.ReductionMode != REDUCTION_ONLY_TERMINATION)

	if !ws.Prepared {
		if chk.RealRows() > kp.NItemsReal {
			kp.Status = STATUS_DATASTORE_NOSPACE
			kp.Err = fmt.Errorf("%d rows exceed %d: %w", chk.RealRows(), kp.NItemsReal, ErrNoSpacePrivate)
			return
		}
		if err := util.Inject(util.FAULTS_SCOPE_KERNEL, util.FAULT_KERNEL_RECHECK); err != nil {
			kp.Status = STATUS_CPU_RECHECK
			kp.Err = fmt.Errorf("%w: %w", ErrCpuReCheck, err)
			return
		}
		if !prepare(k, dev, kp, chk, ws) {
			return
		}
		kp.BytesSent += int64(chk.RealRows()) * int64(chk.ColumnCount()) * 8
	}

	kp.FinalReductionInProgress = true
	if ws.Pending() > 0 {
		if err := util.Inject(util.FAULTS_SCOPE_KERNEL, util.FAULT_KERNEL_NO_SPACE); err != nil {
			kp.Status = STATUS_DATASTORE_NOSPACE
			kp.Err = fmt.Errorf("%w: %w", ErrNoSpaceShared, err)
			return
		}
	}
	salt := max(kp.KeyDistSalt, 1)
	for ws.Cursor < len(ws.Entries) {
		ent := &ws.Entries[ws.Cursor]
		saltIdx := ws.Cursor % salt
		if kp.ReductionMode == REDUCTION_NOGROUP {
			saltIdx = 0
		}
		created, extra, err := table.Merge(k, ent.keys, ent.partials, saltIdx, ent.nrows)
		if err != nil {
			kp.Status = STATUS_DATASTORE_NOSPACE
			kp.Err = err
			return
		}
		if created {
			kp.NumGroups++
		}
		kp.VarlenaUsage += extra
		kp.RowsMerged += ent.nrows
		kp.FinalBufferModified = true
		ws.Cursor++
		if err := util.Inject(util.FAULTS_SCOPE_KERNEL, util.FAULT_KERNEL_RECHECK_FINAL); err != nil {
			kp.Status = STATUS_CPU_RECHECK
			kp.Err = fmt.Errorf("%w: %w", ErrCpuReCheck, err)
			return
		}
	}
	if err := util.Inject(util.FAULTS_SCOPE_KERNEL, util.FAULT_KERNEL_FAULT); err != nil {
		kp.Status = STATUS_FAULT
		kp.Err = fmt.Errorf("%w: %w", ErrDeviceFault, err)
		return
	}
	kp.Status = STATUS_SUCCESS
}

func prepare(k Kernels, dev *Device, kp *KernPreAgg, chk *chunk.Chunk, ws *WorkState) bool {
	rows := chk.Rows
	var red *reducer
	groupRows := len(rows)
	switch kp.ReductionMode {
	case REDUCTION_LOCAL:
		groupRows = dev.MaxThreadsPerBlock()
		red = newReducer(k)
	case REDUCTION_GLOBAL, REDUCTION_NOGROUP:
		red = newReducer(k)
	}
	entries := make([]partialEntry, 0)
	filtered := 0
	for start := 0; start < len(rows); start += groupRows {
		end := min(start+groupRows, len(rows))
		for _, row := range rows[start:end] {
			keys, partials, ok, err := k.Project(row)
			if err != nil {
				if errors.Is(err, ErrCpuReCheck) {
					kp.Status = STATUS_CPU_RECHECK
				} else {
					kp.Status = STATUS_FAULT
				}
				kp.Err = err
				return false
			}
			if !ok {
				filtered++
				continue
			}
			if red == nil {
				entries = append(entries, partialEntry{
					hash:     k.Hash(keys),
					keys:     keys,
					partials: partials,
					nrows:    1,
				})
				continue
			}
			red.add(keys, partials)
		}
		if red != nil {
			entries = red.flush(entries)
		}
	}
	ws.Entries = entries
	ws.Cursor = 0
	ws.RowsIn = len(rows)
	ws.Filtered = filtered
	ws.Prepared = true
	kp.RowsIn = len(rows)
	kp.RowsFiltered = filtered
	return true
}

// RunFinalize converts every row of the table into its host form.
func RunFinalize(k Kernels, kp *KernPreAgg, table *FinalTable) ([]chunk.Row, error) {
	kp.NumLaunches++
	pairs := table.Rows()
	ret := make([]chunk.Row, 0, len(pairs))
	for _, p := range pairs {
		slot := p.Second
		if k.HasNotByVal() {
			var err error
			slot, err = k.Fixup(slot)
			if err != nil {
				return nil, err
			}
		}
		row := make(chunk.Row, 0, len(p.First)+len(slot))
		row = append(row, p.First...)
		row = append(row, slot...)
		ret = append(ret, row)
		kp.BytesRecv += int64(len(row)) * 8
	}
	return ret, nil
}
