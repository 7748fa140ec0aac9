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
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/util"
)

// PreAggSharedState is shared by every task of one execution. All fields
// are guarded by _lock. No critical section waits on the device.
type PreAggSharedState struct {
	_lock          sync.Mutex
	_refcnt        int32
	_scanDone      bool
	_tasksInFlight int
	_current       *FinalBuffer
	_arena         *bufferArena
	_dev           *device.Device
	_ncols         int
	_maxVarlena    int
	_forceNRooms   int
	_plan          PlanEstimates

	//runtime statistics
	_execRowsIn     int64
	_execFiltered   int64
	_execRowsMerged int64
	_execGroups     int64
	_execExtraSz    int64
	_tasksByMode    map[device.ReductionMode]int
	_fallbackRows   int64
	_groupsOut      int64
	_retries        int64
	_numLaunches    int64
	_bytesSent      int64
	_bytesRecv      int64
}

func NewPreAggSharedState(dev *device.Device, plan PlanEstimates, ncols int, opts util.PreAggOptions) *PreAggSharedState {
	util.AssertFunc(ncols > 0)
	ret := new(PreAggSharedState)
	ret._refcnt = 1
	ret._arena = newBufferArena()
	ret._dev = dev
	ret._ncols = ncols
	ret._maxVarlena = dev.MaxVarlena()
	ret._forceNRooms = opts.ForceNRooms
	ret._plan = plan
	ret._tasksByMode = make(map[device.ReductionMode]int)
	return ret
}

func (sstate *PreAggSharedState) Acquire() *PreAggSharedState {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	if sstate._refcnt < math.MaxInt32 {
		sstate._refcnt++
	}
	return sstate
}

// Release drops a reference. The last reference frees the state, which
// must not hold a buffer any more.
func (sstate *PreAggSharedState) Release() {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	util.AssertFunc(sstate._refcnt > 0)
	sstate._refcnt--
	if sstate._refcnt > 0 {
		return
	}
	util.AssertFunc(sstate._current == nil)
	util.AssertFunc(sstate._arena.live() == 0)
	util.AssertFunc(sstate._tasksInFlight == 0)
}

func (sstate *PreAggSharedState) RecordTaskStarted() {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	util.AssertFunc(!sstate._scanDone)
	sstate._tasksInFlight++
}

func (sstate *PreAggSharedState) TasksInFlight() int {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	return sstate._tasksInFlight
}

func (sstate *PreAggSharedState) ScanDone() bool {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	return sstate._scanDone
}

func (sstate *PreAggSharedState) sizingStats() SizingStats {
	return SizingStats{
		ExecRowsIn:  sstate._execRowsIn,
		ExecGroups:  sstate._execGroups,
		ExecExtraSz: sstate._execExtraSz,
		Plan:        sstate._plan,
	}
}

func (sstate *PreAggSharedState) completedTasks() int {
	ret := 0
	for _, cnt := range sstate._tasksByMode {
		ret += cnt
	}
	return ret
}

// StrategyInput snapshots what SelectReduction needs.
func (sstate *PreAggSharedState) StrategyInput(hasKeys bool, nitemsReal int) StrategyInput {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	return StrategyInput{
		HasKeys:            hasKeys,
		PlanGroups:         sstate._plan.Groups,
		ExecGroups:         sstate._execGroups,
		CompletedTasks:     sstate.completedTasks(),
		MaxThreadsPerBlock: sstate._dev.MaxThreadsPerBlock(),
		NItemsReal:         nitemsReal,
	}
}

// attach returns the current generation with a reference taken for the
// caller. The first attach after a generation was detached allocates a
// new one.
func (sstate *PreAggSharedState) attach() (*FinalBuffer, error) {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	if sstate._current == nil {
		size := SizeFinalBuffer(sstate.sizingStats(), sstate._ncols,
			sstate._dev.MaxThreadsPerBlock(), sstate._dev.ChunkSize())
		if sstate._forceNRooms > 0 {
			size.NRooms = sstate._forceNRooms
			size.HashSize = 2 * sstate._forceNRooms
		}
		extraLimit := max(int64(size.ExtraSz)*int64(size.NRooms),
			int64(sstate._maxVarlena)*int64(sstate._ncols))
		buf, err := sstate._arena.alloc(sstate._dev, size, sstate._ncols, extraLimit)
		if err != nil {
			return nil, err
		}
		util.Debug("final buffer allocated",
			zap.Uint64("gen", buf.Id),
			zap.Int("nrooms", size.NRooms),
			zap.Int("salt", size.KeyDistSalt),
			zap.Int64("footprint", size.Footprint))
		sstate._current = buf
	}
	sstate._current._running.Add(1)
	return sstate._current, nil
}

// supersede detaches the current generation. Caller holds the lock.
func (sstate *PreAggSharedState) supersede() *FinalBuffer {
	cur := sstate._current
	if cur == nil {
		return nil
	}
	cur._superseded = true
	sstate._current = nil
	return cur
}

// claim returns true for exactly one caller once the generation is
// superseded and unreferenced. Caller holds the lock.
func claim(buf *FinalBuffer) bool {
	if buf == nil || !buf._superseded || buf._claimed || buf._running.Load() != 0 {
		return false
	}
	buf._claimed = true
	return true
}

// endCheck supersedes the current generation once the scan is over and no
// task is left. Caller holds the lock.
func (sstate *PreAggSharedState) endCheck() *FinalBuffer {
	if sstate._scanDone && sstate._tasksInFlight == 0 {
		return sstate.supersede()
	}
	return nil
}

// detach drops the reference of a task on buf, which may be nil when the
// task holds no buffer. finished means the task will not run again. force
// supersedes buf when it is still the current generation. The returned
// generations need a terminator.
func (sstate *PreAggSharedState) detach(buf *FinalBuffer, finished, force bool) []*FinalBuffer {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	if buf != nil {
		n := buf._running.Add(-1)
		util.AssertFunc(n >= 0)
		if force && sstate._current == buf {
			sstate.supersede()
		}
	}
	if finished {
		util.AssertFunc(sstate._tasksInFlight > 0)
		sstate._tasksInFlight--
	}
	last := sstate.endCheck()

	var ret []*FinalBuffer
	if claim(buf) {
		ret = append(ret, buf)
	}
	if last != buf && claim(last) {
		ret = append(ret, last)
	}
	return ret
}

// MarkScanDone records that the source is drained. The returned
// generations need a terminator.
func (sstate *PreAggSharedState) MarkScanDone() []*FinalBuffer {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	sstate._scanDone = true
	last := sstate.endCheck()
	if claim(last) {
		return []*FinalBuffer{last}
	}
	return nil
}

// RecordTaskFinished adds the counters of a successful launch. Whether the
// task was the last one in flight is reported by detach and MarkScanDone.
func (sstate *PreAggSharedState) RecordTaskFinished(mode device.ReductionMode, kp *device.KernPreAgg) {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	sstate._tasksByMode[mode]++
	sstate._execRowsIn += int64(kp.RowsIn)
	sstate._execFiltered += int64(kp.RowsFiltered)
	sstate._execRowsMerged += int64(kp.RowsMerged)
	sstate._execGroups += int64(kp.NumGroups)
	sstate._execExtraSz += kp.VarlenaUsage
	sstate._numLaunches += int64(kp.NumLaunches)
	sstate._bytesSent += kp.BytesSent
	sstate._bytesRecv += kp.BytesRecv
}

func (sstate *PreAggSharedState) recordFallback(rows int) {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	sstate._fallbackRows += int64(rows)
}

func (sstate *PreAggSharedState) recordRetry() {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	sstate._retries++
}

func (sstate *PreAggSharedState) recordFinalize(kp *device.KernPreAgg, groups int) {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	sstate._groupsOut += int64(groups)
	sstate._numLaunches += int64(kp.NumLaunches)
	sstate._bytesRecv += kp.BytesRecv
}

// releaseBuffer frees a finalized generation.
func (sstate *PreAggSharedState) releaseBuffer(buf *FinalBuffer) {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	util.AssertFunc(buf._claimed && sstate._current != buf)
	sstate._arena.release(sstate._dev, buf)
}

func (sstate *PreAggSharedState) LiveGenerations() []uint64 {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	return sstate._arena.liveIds()
}

func (sstate *PreAggSharedState) Stats() PreAggStats {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	ret := PreAggStats{
		TasksByMode:  make(map[device.ReductionMode]int, len(sstate._tasksByMode)),
		RowsIn:       sstate._execRowsIn + sstate._fallbackRows,
		RowsFiltered: sstate._execFiltered,
		RowsMerged:   sstate._execRowsMerged,
		GroupsOut:    sstate._groupsOut,
		FallbackRows: sstate._fallbackRows,
		Generations:  sstate._arena.stats(),
		Retries:      sstate._retries,
		NumLaunches:  sstate._numLaunches,
		BytesSent:    sstate._bytesSent,
		BytesRecv:    sstate._bytesRecv,
	}
	for mode, cnt := range sstate._tasksByMode {
		ret.TasksByMode[mode] = cnt
	}
	return ret
}

func (sstate *PreAggSharedState) planEstimates() PlanEstimates {
	sstate._lock.Lock()
	defer sstate._lock.Unlock()
	return sstate._plan
}
