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

	"github.com/huandu/go-clone"
	"go.uber.org/zap"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/util"
)

// PreAggTask reduces one chunk. A terminator task carries no chunk and
// only finalizes one generation.
type PreAggTask struct {
	Id              uint64
	_state          TaskState
	_mode           device.ReductionMode
	_chunk          *chunk.Chunk
	_buffer         *FinalBuffer
	_retryByNoSpace bool
	_nitemsReal     int
	_ws             *device.WorkState
	_kp             *device.KernPreAgg
	_launchErr      error
	_retries        int
	_admitted       bool
	//terminator only
	_paramMem *device.Allocation
	_result   []chunk.Row
}

func newPreAggTask(id uint64, chk *chunk.Chunk, hasKeys bool) *PreAggTask {
	ret := new(PreAggTask)
	ret.Id = id
	ret._state = TaskState{Kind: TS_CREATED}
	ret._chunk = chk
	ret._nitemsReal = chk.NItems()
	ret._ws = &device.WorkState{}
	ret._kp = &device.KernPreAgg{}
	if !hasKeys {
		ret._mode = device.REDUCTION_NOGROUP
	}
	return ret
}

// newTerminatorTask clones the kernel parameters of the task that found
// buf unreferenced. The clone holds only the generation.
func newTerminatorTask(id uint64, from *PreAggTask, buf *FinalBuffer) *PreAggTask {
	ret := new(PreAggTask)
	ret.Id = id
	ret._state = TaskState{Kind: TS_CREATED}
	ret._mode = device.REDUCTION_ONLY_TERMINATION
	ret._buffer = buf
	if from != nil && from._kp != nil {
		ret._kp = clone.Clone(from._kp).(*device.KernPreAgg)
	} else {
		ret._kp = &device.KernPreAgg{}
	}
	ret._kp.ReductionMode = device.REDUCTION_ONLY_TERMINATION
	ret._kp.KeyDistSalt = buf.Size.KeyDistSalt
	ret._kp.ResetResults()
	ret._kp.NumLaunches = 0
	ret._kp.BytesSent = 0
	ret._kp.BytesRecv = 0
	return ret
}

func (task *PreAggTask) String() string {
	if task.IsTerminator() {
		return fmt.Sprintf("terminator %d of %v", task.Id, task._buffer)
	}
	return fmt.Sprintf("task %d [%v %v rows %d]", task.Id, task._mode, task._state, task._nitemsReal)
}

func (task *PreAggTask) IsTerminator() bool {
	return task._mode == device.REDUCTION_ONLY_TERMINATION
}

func (task *PreAggTask) State() TaskState {
	return task._state
}

func (task *PreAggTask) Mode() device.ReductionMode {
	return task._mode
}

// transit moves the task to the next state. A task is handled by one
// goroutine at a time, but the new state is published under the shared
// state lock.
func (task *PreAggTask) transit(sstate *PreAggSharedState, kind TaskStateKind, err error) {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	if !canTransit(task._state.Kind, kind) {
		util.Error("invalid task state transition",
			zap.Uint64("task", task.Id),
			zap.String("from", task._state.Kind.String()),
			zap.String("to", kind.String()))
		util.AssertFunc(false)
	}
	task._state = TaskState{Kind: kind, Err: err}
}
