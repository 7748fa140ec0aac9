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
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/source"
	"github.com/daviszhen/preagg/pkg/util"
)

const (
	// a task retried more often than this fails the query
	maxTaskRetries = 1000
	// parameter memory a terminator needs to fix up varlena columns
	terminatorParamSize = 4096
)

// PreAggKernels are the device routines plus the host projection used by
// the cpu fallback.
type PreAggKernels interface {
	device.Kernels
	ProjectHost(row chunk.Row) (keys chunk.Row, partials chunk.Row, ok bool, err error)
}

// PreAggExec runs a grouped partial aggregation of one source on the
// device. Rows come out of NextResultRow as group keys followed by the
// partial values, whether they were reduced on the device or recomputed
// on the host.
type PreAggExec struct {
	QueryId  string
	_opts    util.PreAggOptions
	_dev     *device.Device
	_kernels PreAggKernels
	_src     source.ChunkSource
	_plan    PlanEstimates
	_hasKeys bool
	_ncols   int
	_metrics *Metrics
	_sstate  *PreAggSharedState

	//per scan
	_started  bool
	_closed   bool
	_ctx      context.Context
	_cancel   context.CancelFunc
	_eg       *errgroup.Group
	_runq     *queue[*PreAggTask]
	_results  *queue[resultItem]
	_admit    *semaphore.Weighted
	_tasks    sync.WaitGroup
	_finished chan struct{}
	_nextId   atomic.Uint64
	_errLock  sync.Mutex
	_err      error

	//consumer side
	_cur         []chunk.Row
	_curPos      int
	_fallback    *chunk.Chunk
	_fallbackPos int
}

func NewPreAggExec(
	opts util.PreAggOptions,
	dev *device.Device,
	kernels PreAggKernels,
	src source.ChunkSource,
	plan PlanEstimates,
	metrics *Metrics,
) *PreAggExec {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxOutstandingTasks <= 0 {
		opts.MaxOutstandingTasks = 1
	}
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = util.DefaultVectorSize
	}
	if plan.RowsIn <= 0 {
		plan.RowsIn = int64(src.EstimatedRows())
	}
	plan.Groups = max(plan.Groups, 1)
	if plan.RowsPerChunk <= 0 {
		plan.RowsPerChunk = int64(opts.ChunkRows)
	}
	ret := new(PreAggExec)
	ret.QueryId = uuid.NewString()
	ret._opts = opts
	ret._dev = dev
	ret._kernels = kernels
	ret._src = src
	ret._plan = plan
	ret._hasKeys = kernels.NumKeys() > 0
	ret._ncols = max(kernels.NumKeys()+kernels.NumPartials(), 1)
	ret._metrics = metrics
	ret._sstate = NewPreAggSharedState(dev, plan, ret._ncols, opts)
	return ret
}

func (exec *PreAggExec) start(ctx context.Context) {
	exec._started = true
	exec._ctx, exec._cancel = context.WithCancel(ctx)
	exec._eg = &errgroup.Group{}
	exec._runq = newQueue[*PreAggTask]()
	exec._results = newQueue[resultItem]()
	exec._admit = semaphore.NewWeighted(int64(exec._opts.MaxOutstandingTasks))
	exec._finished = make(chan struct{})
	util.Info("preagg start",
		zap.String("query", exec.QueryId),
		zap.Int64("planRows", exec._plan.RowsIn),
		zap.Int64("planGroups", exec._plan.Groups),
		zap.Bool("device", exec._opts.Enable))

	exec._tasks.Add(1)
	exec._eg.Go(exec.dispatch)
	for i := 0; i < exec._opts.Workers; i++ {
		exec._eg.Go(exec.work)
	}
	go func() {
		exec._tasks.Wait()
		exec._runq.Close()
		exec._results.Close()
		close(exec._finished)
	}()
}

// dispatch pulls chunks and creates one task per chunk. At most
// MaxOutstandingTasks chunk tasks are alive at a time.
func (exec *PreAggExec) dispatch() error {
	defer exec._tasks.Done()
	for {
		if err := exec._admit.Acquire(exec._ctx, 1); err != nil {
			break
		}
		chk, err := exec._src.Next(exec._ctx)
		if err != nil {
			exec._admit.Release(1)
			if !errors.Is(err, io.EOF) && exec._ctx.Err() == nil {
				exec.fail(fmt.Errorf("scan: %w", err))
			}
			break
		}
		if chk.RealRows() == 0 {
			exec._admit.Release(1)
			continue
		}
		task := newPreAggTask(exec._nextId.Add(1), chk, exec._hasKeys)
		task._admitted = true
		exec._sstate.RecordTaskStarted()
		exec._tasks.Add(1)
		exec._runq.Push(task)
	}
	exec.spawnTerminators(nil, exec._sstate.MarkScanDone())
	return nil
}

func (exec *PreAggExec) work() error {
	for {
		task, ok := exec._runq.Pop(context.Background())
		if !ok {
			return nil
		}
		exec.process(task)
	}
}

func (exec *PreAggExec) process(task *PreAggTask) {
	switch task._state.Kind {
	case TS_CREATED, TS_RETRIED:
		if task.IsTerminator() {
			exec.runTerminator(task)
		} else {
			exec.dispatchTask(task)
		}
	case TS_DISPATCHED:
		exec.completeTask(task)
	case TS_FINALIZING:
		exec.completeTerminator(task)
	default:
		panic(fmt.Sprintf("usp task state %v", task._state))
	}
}

func (exec *PreAggExec) privateMemSize(task *PreAggTask) int64 {
	width := int64(task._chunk.ColumnCount() + exec._ncols)
	return max(int64(task._nitemsReal)*width*16, 1024)
}

func (exec *PreAggExec) dispatchTask(task *PreAggTask) {
	if exec._ctx.Err() != nil {
		exec.finish(task)
		return
	}
	if !exec._opts.Enable {
		exec.fallback(task, nil)
		return
	}
	if task._mode == device.REDUCTION_INVALID {
		task._mode = SelectReduction(exec._sstate.StrategyInput(exec._hasKeys, task._nitemsReal))
	}

	buf, err := exec._sstate.attach()
	if err != nil {
		if errors.Is(err, device.ErrOutOfMemory) {
			err = exec.retry(task, "final_buffer_oom", err)
		}
		if err != nil {
			exec.fatal(task, err)
		}
		return
	}
	task._buffer = buf
	exec._metrics.memUsed(exec._dev.MemUsed())

	if task._ws.Mem == nil {
		task._ws.Mem, err = exec._dev.MemAlloc(exec.privateMemSize(task))
		if err != nil {
			exec.spawnTerminators(task, exec._sstate.detach(buf, false, false))
			task._buffer = nil
			if errors.Is(err, device.ErrOutOfMemory) {
				err = exec.retry(task, "private_oom", err)
			}
			if err != nil {
				exec.fatal(task, err)
			}
			return
		}
	}

	kp := task._kp
	kp.ReductionMode = task._mode
	kp.NItemsReal = task._nitemsReal
	kp.KeyDistSalt = buf.Size.KeyDistSalt
	task._launchErr = nil
	task.transit(exec._sstate, TS_DISPATCHED, nil)
	chk, ws, table := task._chunk, task._ws, buf.Table()
	exec._dev.Stream().Launch(func() error {
		device.RunPreAgg(exec._kernels, exec._dev, kp, chk, ws, table)
		return nil
	}, func(err error) {
		task._launchErr = err
		exec._runq.Push(task)
	})
}

// completeTask handles the result of a launch on the worker side.
func (exec *PreAggExec) completeTask(task *PreAggTask) {
	kp := task._kp
	status, err := kp.Status, kp.Err
	if task._launchErr != nil {
		status, err = device.STATUS_FAULT, task._launchErr
	}
	switch status {
	case device.STATUS_SUCCESS:
		task.transit(exec._sstate, TS_SUCCEEDED, nil)
		exec._sstate.RecordTaskFinished(task._mode, kp)
		exec._metrics.taskDone(task._mode)
		exec.finish(task)
	case device.STATUS_DATASTORE_NOSPACE:
		task.transit(exec._sstate, TS_RESOURCE_EXHAUSTED, err)
		buf := task._buffer
		task._buffer = nil
		reason := "private_nospace"
		if kp.FinalReductionInProgress {
			//keep the private memory and resume from the cursor
			reason = "final_nospace"
			task._retryByNoSpace = true
			exec.spawnTerminators(task, exec._sstate.detach(buf, false, true))
		} else {
			exec.freePrivate(task)
			task._ws = &device.WorkState{}
			exec.spawnTerminators(task, exec._sstate.detach(buf, false, false))
			task._nitemsReal = max(task._chunk.RealRows(), task._nitemsReal)
			if task._mode != device.REDUCTION_NOGROUP {
				task._mode = device.REDUCTION_INVALID
			}
		}
		if rerr := exec.retry(task, reason, err); rerr != nil {
			exec.fatal(task, rerr)
		}
	case device.STATUS_CPU_RECHECK:
		if kp.FinalBufferModified {
			exec.fatal(task, fmt.Errorf("cpu recheck after final buffer writes: %w", err))
			return
		}
		task.transit(exec._sstate, TS_FAULTED, err)
		exec.fallback(task, err)
	default:
		if err == nil {
			err = fmt.Errorf("kernel status %v: %w", status, device.ErrDeviceFault)
		}
		exec.fatal(task, err)
	}
}

// retry requeues the task. A task that used up its retries is not requeued
// and the returned error wraps cause.
func (exec *PreAggExec) retry(task *PreAggTask, reason string, cause error) error {
	if task._retries >= maxTaskRetries {
		if cause == nil {
			cause = errors.New(reason)
		}
		return fmt.Errorf("gave up after %d retries: %w", task._retries, cause)
	}
	task._retries++
	exec._sstate.recordRetry()
	exec._metrics.retry(reason)
	task.transit(exec._sstate, TS_RETRIED, nil)
	util.Debug("preagg retry",
		zap.String("query", exec.QueryId),
		zap.String("task", task.String()),
		zap.String("reason", reason))
	delay := time.Duration(exec._opts.RetryBackoffMs) * time.Millisecond
	if delay <= 0 {
		exec._runq.Push(task)
		return nil
	}
	time.AfterFunc(delay, func() {
		exec._runq.Push(task)
	})
	return nil
}

// fallback hands the chunk to the consumer, which evaluates it on the host.
func (exec *PreAggExec) fallback(task *PreAggTask, cause error) {
	task.transit(exec._sstate, TS_FALLBACK, cause)
	rows := task._chunk.RealRows()
	if cause != nil {
		util.Debug("preagg cpu fallback",
			zap.String("query", exec.QueryId),
			zap.Uint64("task", task.Id),
			zap.Error(cause))
	}
	exec._sstate.recordFallback(rows)
	exec._metrics.fallback(rows)
	exec._results.Push(resultItem{fallback: task._chunk})
	exec.finish(task)
}

func (exec *PreAggExec) fatal(task *PreAggTask, err error) {
	task.transit(exec._sstate, TS_FAULTED, err)
	exec.fail(fmt.Errorf("task %d: %w", task.Id, err))
	exec.finish(task)
}

func (exec *PreAggExec) freePrivate(task *PreAggTask) {
	if task._ws != nil && task._ws.Mem != nil {
		exec._dev.MemFree(task._ws.Mem)
		task._ws.Mem = nil
	}
}

// finish retires a chunk task. Its buffer reference goes through detach
// so terminator duties are honored on every path.
func (exec *PreAggExec) finish(task *PreAggTask) {
	exec.freePrivate(task)
	buf := task._buffer
	task._buffer = nil
	exec.spawnTerminators(task, exec._sstate.detach(buf, true, false))
	if task._admitted {
		exec._admit.Release(1)
		task._admitted = false
	}
	task.transit(exec._sstate, TS_COMPLETED, nil)
	exec._tasks.Done()
}

func (exec *PreAggExec) spawnTerminators(from *PreAggTask, bufs []*FinalBuffer) {
	for _, buf := range bufs {
		term := newTerminatorTask(exec._nextId.Add(1), from, buf)
		exec._tasks.Add(1)
		exec._runq.Push(term)
	}
}

func (exec *PreAggExec) runTerminator(task *PreAggTask) {
	if exec._ctx.Err() != nil {
		exec.retireTerminator(task)
		return
	}
	if exec._kernels.HasNotByVal() && task._paramMem == nil {
		mem, err := exec.allocParam()
		if err != nil {
			if errors.Is(err, device.ErrOutOfMemory) {
				if err = exec.retry(task, "finalize_oom", err); err == nil {
					return
				}
			}
			task.transit(exec._sstate, TS_FAULTED, err)
			exec.fail(fmt.Errorf("finalize gen %d: %w", task._buffer.Id, err))
			exec.retireTerminator(task)
			return
		}
		task._paramMem = mem
	}
	task.transit(exec._sstate, TS_FINALIZING, nil)
	buf, kp := task._buffer, task._kp
	task._launchErr = nil
	exec._dev.Stream().Launch(func() error {
		buf._finalizeRuns.Add(1)
		rows, err := device.RunFinalize(exec._kernels, kp, buf.Table())
		task._result = rows
		return err
	}, func(err error) {
		task._launchErr = err
		exec._runq.Push(task)
	})
}

func (exec *PreAggExec) allocParam() (*device.Allocation, error) {
	if err := util.Inject(util.FAULTS_SCOPE_DEVICE, util.FAULT_FIXUP_MEM_ALLOC); err != nil {
		return nil, fmt.Errorf("fixup params: %w", err)
	}
	return exec._dev.MemAlloc(terminatorParamSize * int64(exec._ncols))
}

func (exec *PreAggExec) completeTerminator(task *PreAggTask) {
	if task._launchErr != nil {
		task.transit(exec._sstate, TS_FAULTED, task._launchErr)
		exec.fail(fmt.Errorf("finalize gen %d: %w", task._buffer.Id, task._launchErr))
	} else {
		task.transit(exec._sstate, TS_SUCCEEDED, nil)
		groups := len(task._result)
		if groups > 0 {
			exec._results.Push(resultItem{rows: task._result})
		}
		exec._sstate.recordFinalize(task._kp, groups)
		exec._metrics.finalized(groups)
		util.Debug("final buffer published",
			zap.String("query", exec.QueryId),
			zap.Uint64("gen", task._buffer.Id),
			zap.Int("groups", groups))
	}
	task._result = nil
	exec.retireTerminator(task)
}

func (exec *PreAggExec) retireTerminator(task *PreAggTask) {
	if task._paramMem != nil {
		exec._dev.MemFree(task._paramMem)
		task._paramMem = nil
	}
	exec._sstate.releaseBuffer(task._buffer)
	exec._metrics.memUsed(exec._dev.MemUsed())
	task.transit(exec._sstate, TS_COMPLETED, nil)
	exec._tasks.Done()
}

// fail records the first fatal error and stops the scan.
func (exec *PreAggExec) fail(err error) {
	exec._errLock.Lock()
	first := exec._err == nil
	if first {
		exec._err = err
	}
	exec._errLock.Unlock()
	if first {
		util.Error("preagg failed", zap.String("query", exec.QueryId), zap.Error(err))
		exec._cancel()
	}
}

func (exec *PreAggExec) Err() error {
	exec._errLock.Lock()
	defer exec._errLock.Unlock()
	return exec._err
}

// NextResultRow returns the next published row. It returns io.EOF after
// the last row and the query error if the execution failed.
func (exec *PreAggExec) NextResultRow(ctx context.Context) (chunk.Row, error) {
	util.AssertFunc(!exec._closed)
	if !exec._started {
		exec.start(ctx)
	}
	for {
		if err := exec.Err(); err != nil {
			return nil, err
		}
		if exec._curPos < len(exec._cur) {
			row := exec._cur[exec._curPos]
			exec._curPos++
			return row, nil
		}
		if exec._fallback != nil {
			row, err := exec.nextFallbackRow()
			if err != nil {
				exec.fail(fmt.Errorf("cpu fallback: %w", err))
				return nil, exec.Err()
			}
			if row != nil {
				return row, nil
			}
			continue
		}
		item, ok := exec._results.Pop(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := exec.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		exec._cur, exec._curPos = item.rows, 0
		exec._fallback, exec._fallbackPos = item.fallback, 0
	}
}

func (exec *PreAggExec) nextFallbackRow() (chunk.Row, error) {
	for exec._fallbackPos < exec._fallback.RealRows() {
		in := exec._fallback.Rows[exec._fallbackPos]
		exec._fallbackPos++
		keys, partials, ok, err := exec._kernels.ProjectHost(in)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		slot := exec._kernels.InitSlot(partials)
		if exec._kernels.HasNotByVal() {
			slot, err = exec._kernels.Fixup(slot)
			if err != nil {
				return nil, err
			}
		}
		row := make(chunk.Row, 0, len(keys)+len(slot))
		row = append(row, keys...)
		row = append(row, slot...)
		return row, nil
	}
	exec._fallback = nil
	return nil, nil
}

// wait cancels the scan and waits until every task, including pending
// device launches, finished. Query errors are read through Err.
func (exec *PreAggExec) wait() {
	if !exec._started {
		return
	}
	exec._cancel()
	//dispatch and work report through fail, the group only joins them
	_ = exec._eg.Wait()
	<-exec._finished
	exec._started = false
}

// Close stops the execution and releases the shared state. The returned
// error combines the query error with errors closing the source.
func (exec *PreAggExec) Close() error {
	if exec._closed {
		return nil
	}
	exec._closed = true
	exec.wait()
	err := exec.Err()
	stats := exec._sstate.Stats()
	if stats.FallbackRows > 0 {
		util.Warn("processed rows by cpu fallback",
			zap.String("query", exec.QueryId),
			zap.Int64("rows", stats.FallbackRows))
	}
	util.Info("preagg done",
		zap.String("query", exec.QueryId),
		zap.Int64("rowsIn", stats.RowsIn),
		zap.Int64("groupsOut", stats.GroupsOut),
		zap.Int("generations", len(stats.Generations)),
		zap.Int64("retries", stats.Retries))
	exec._sstate.Release()
	return multierr.Append(err, exec._src.Close())
}

// ReScan restarts the execution from the beginning of the source.
func (exec *PreAggExec) ReScan() error {
	util.AssertFunc(!exec._closed)
	rewinder, ok := exec._src.(source.Rewinder)
	if !ok {
		return fmt.Errorf("source %T can not rescan", exec._src)
	}
	exec.wait()
	if err := rewinder.Rewind(); err != nil {
		return err
	}
	exec._sstate.Release()
	exec._sstate = NewPreAggSharedState(exec._dev, exec._plan, exec._ncols, exec._opts)
	exec._errLock.Lock()
	exec._err = nil
	exec._errLock.Unlock()
	exec._cur, exec._curPos = nil, 0
	exec._fallback, exec._fallbackPos = nil, 0
	return nil
}

func (exec *PreAggExec) Stats() PreAggStats {
	return exec._sstate.Stats()
}

func (exec *PreAggExec) SharedState() *PreAggSharedState {
	return exec._sstate
}
