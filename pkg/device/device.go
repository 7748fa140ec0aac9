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
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/daviszhen/preagg/pkg/util"
)

// Device simulates an accelerator: a bounded memory pool and a set of
// streams executing launches asynchronously.
type Device struct {
	_opts    util.DeviceOptions
	_mem     *semaphore.Weighted
	_used    atomic.Int64
	_peak    atomic.Int64
	_streams []*Stream
	_next    atomic.Uint32
	_closed  atomic.Bool
}

func NewDevice(opts util.DeviceOptions) *Device {
	util.AssertFunc(opts.MemoryBytes > 0)
	if opts.NumStreams <= 0 {
		opts.NumStreams = 1
	}
	if opts.MaxThreadsPerBlock <= 0 {
		opts.MaxThreadsPerBlock = 1024
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 << 10
	}
	ret := new(Device)
	ret._opts = opts
	ret._mem = semaphore.NewWeighted(opts.MemoryBytes)
	ret._streams = make([]*Stream, opts.NumStreams)
	for i := range ret._streams {
		ret._streams[i] = newStream(i, opts.MaxLaunchDelayUs)
	}
	return ret
}

func (dev *Device) MaxThreadsPerBlock() int {
	return dev._opts.MaxThreadsPerBlock
}

func (dev *Device) ChunkSize() int64 {
	return dev._opts.ChunkSize
}

func (dev *Device) MaxVarlena() int {
	return dev._opts.MaxVarlena
}

func (dev *Device) MemUsed() int64 {
	return dev._used.Load()
}

func (dev *Device) MemPeak() int64 {
	return dev._peak.Load()
}

type Allocation struct {
	Size  int64
	_dev  *Device
	_free atomic.Bool
}

// MemAlloc never blocks. A request that does not fit in the free device
// memory fails with ErrOutOfMemory.
func (dev *Device) MemAlloc(size int64) (*Allocation, error) {
	util.AssertFunc(size > 0)
	if err := util.Inject(util.FAULTS_SCOPE_DEVICE, util.FAULT_DEVICE_MEM_ALLOC); err != nil {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, err)
	}
	if !dev._mem.TryAcquire(size) {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, ErrOutOfMemory)
	}
	used := dev._used.Add(size)
	for {
		peak := dev._peak.Load()
		if used <= peak || dev._peak.CompareAndSwap(peak, used) {
			break
		}
	}
	return &Allocation{Size: size, _dev: dev}, nil
}

func (dev *Device) MemFree(alloc *Allocation) {
	if alloc == nil {
		return
	}
	util.AssertFunc(alloc._dev == dev)
	if !alloc._free.CompareAndSwap(false, true) {
		panic("double free of device memory")
	}
	dev._used.Add(-alloc.Size)
	dev._mem.Release(alloc.Size)
}

// Stream picks streams round robin.
func (dev *Device) Stream() *Stream {
	util.AssertFunc(!dev._closed.Load())
	idx := dev._next.Add(1) % uint32(len(dev._streams))
	return dev._streams[idx]
}

// Close stops all streams after their pending launches ran.
func (dev *Device) Close() {
	if !dev._closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range dev._streams {
		s.close()
	}
	if used := dev._used.Load(); used != 0 {
		util.Warn("device memory leaked at close", zap.Int64("bytes", used))
	}
}

type launch struct {
	run      func() error
	callback func(error)
}

// Stream runs launches in order on its own goroutine. The callback of a
// launch runs on the stream goroutine right after the launch finished.
type Stream struct {
	_id       int
	_maxDelay int
	_queue    chan launch
	_wg       sync.WaitGroup
	_mu       sync.Mutex
	_closed   bool
}

func newStream(id, maxDelayUs int) *Stream {
	ret := new(Stream)
	ret._id = id
	ret._maxDelay = maxDelayUs
	ret._queue = make(chan launch, 64)
	ret._wg.Add(1)
	go ret.loop()
	return ret
}

func (s *Stream) Id() int {
	return s._id
}

func (s *Stream) Launch(run func() error, callback func(error)) {
	s._mu.Lock()
	defer s._mu.Unlock()
	util.AssertFunc(!s._closed)
	s._queue <- launch{run: run, callback: callback}
}

func (s *Stream) loop() {
	defer s._wg.Done()
	for l := range s._queue {
		if s._maxDelay > 0 {
			time.Sleep(time.Duration(rand.IntN(s._maxDelay+1)) * time.Microsecond)
		}
		err := s.execute(l.run)
		l.callback(err)
	}
}

func (s *Stream) execute(run func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %w", ErrDeviceFault, util.ConvertPanicError(rec))
		}
	}()
	return run()
}

func (s *Stream) close() {
	s._mu.Lock()
	s._closed = true
	s._mu.Unlock()
	close(s._queue)
	s._wg.Wait()
}
