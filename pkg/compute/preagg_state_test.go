package compute

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/util"
)

func newTestDevice(chunkSize int64) *device.Device {
	return device.NewDevice(util.DeviceOptions{
		MemoryBytes:        1 << 28,
		MaxThreadsPerBlock: 64,
		NumStreams:         2,
		ChunkSize:          chunkSize,
		MaxVarlena:         64,
	})
}

func newTestSharedState(t *testing.T, dev *device.Device) *PreAggSharedState {
	return NewPreAggSharedState(dev, PlanEstimates{RowsIn: 1000, Groups: 10}, 3, util.PreAggOptions{})
}

func TestSharedStateEndOfScan(t *testing.T) {
	dev := newTestDevice(1024)
	defer dev.Close()
	sstate := newTestSharedState(t, dev)

	sstate.RecordTaskStarted()
	sstate.RecordTaskStarted()
	buf, err := sstate.attach()
	require.NoError(t, err)
	buf2, err := sstate.attach()
	require.NoError(t, err)
	assert.Same(t, buf, buf2)
	assert.Equal(t, 2, buf.Running())
	assert.Greater(t, dev.MemUsed(), int64(0))

	//tasks still in flight
	assert.Empty(t, sstate.MarkScanDone())
	assert.True(t, sstate.ScanDone())
	assert.Empty(t, sstate.detach(buf, true, false))
	assert.Equal(t, 1, sstate.TasksInFlight())

	//the last task is the terminator
	bufs := sstate.detach(buf, true, false)
	require.Len(t, bufs, 1)
	assert.Same(t, buf, bufs[0])
	assert.Equal(t, 0, sstate.TasksInFlight())

	//nobody else finds it
	assert.Empty(t, sstate.MarkScanDone())
	assert.Empty(t, sstate.detach(nil, false, false))

	sstate.releaseBuffer(buf)
	assert.Empty(t, sstate.LiveGenerations())
	assert.Equal(t, int64(0), dev.MemUsed())
	sstate.Release()
}

func TestSharedStateSupersede(t *testing.T) {
	dev := newTestDevice(1024)
	defer dev.Close()
	sstate := newTestSharedState(t, dev)

	sstate.RecordTaskStarted()
	sstate.RecordTaskStarted()
	gen1, err := sstate.attach()
	require.NoError(t, err)
	_, err = sstate.attach()
	require.NoError(t, err)

	//task A ran out of space. task B still holds gen1.
	assert.Empty(t, sstate.detach(gen1, false, true))
	gen2, err := sstate.attach()
	require.NoError(t, err)
	assert.NotSame(t, gen1, gen2)
	assert.Equal(t, gen1.Id+1, gen2.Id)
	assert.Equal(t, []uint64{gen1.Id, gen2.Id}, sstate.LiveGenerations())

	//task B finishes before the scan is over and still terminates gen1
	bufs := sstate.detach(gen1, true, false)
	require.Len(t, bufs, 1)
	assert.Same(t, gen1, bufs[0])
	sstate.releaseBuffer(gen1)

	//task A finishes on gen2, the scan is not over yet
	assert.Empty(t, sstate.detach(gen2, true, false))
	bufs = sstate.MarkScanDone()
	require.Len(t, bufs, 1)
	assert.Same(t, gen2, bufs[0])
	sstate.releaseBuffer(gen2)

	assert.Empty(t, sstate.LiveGenerations())
	assert.Len(t, sstate.Stats().Generations, 2)
	sstate.Release()
}

func TestSharedStateForceAlone(t *testing.T) {
	dev := newTestDevice(1024)
	defer dev.Close()
	sstate := newTestSharedState(t, dev)

	sstate.RecordTaskStarted()
	gen1, err := sstate.attach()
	require.NoError(t, err)
	bufs := sstate.detach(gen1, false, true)
	require.Len(t, bufs, 1)
	sstate.releaseBuffer(gen1)

	//the task is still in flight and takes the next generation
	assert.Equal(t, 1, sstate.TasksInFlight())
	gen2, err := sstate.attach()
	require.NoError(t, err)
	assert.Empty(t, sstate.detach(gen2, true, false))
	bufs = sstate.MarkScanDone()
	require.Len(t, bufs, 1)
	sstate.releaseBuffer(bufs[0])
	sstate.Release()
}

func TestSharedStateEmptyScan(t *testing.T) {
	dev := newTestDevice(1024)
	defer dev.Close()
	sstate := newTestSharedState(t, dev)
	assert.Empty(t, sstate.MarkScanDone())
	assert.Empty(t, sstate.LiveGenerations())
	sstate.Release()
}

func TestSharedStateForceNRooms(t *testing.T) {
	dev := newTestDevice(1024)
	defer dev.Close()
	sstate := NewPreAggSharedState(dev, PlanEstimates{Groups: 10}, 3,
		util.PreAggOptions{ForceNRooms: 7})
	sstate.RecordTaskStarted()
	buf, err := sstate.attach()
	require.NoError(t, err)
	assert.Equal(t, 7, buf.Table().NRooms())
	assert.Equal(t, 14, buf.Table().HashSize())
	assert.Empty(t, sstate.detach(buf, true, false))
	bufs := sstate.MarkScanDone()
	require.Len(t, bufs, 1)
	sstate.releaseBuffer(buf)
	sstate.Release()
}

func TestSharedStateAttachOOM(t *testing.T) {
	dev := device.NewDevice(util.DeviceOptions{
		MemoryBytes: 512,
		ChunkSize:   1024,
	})
	defer dev.Close()
	sstate := newTestSharedState(t, dev)
	_, err := sstate.attach()
	assert.ErrorIs(t, err, device.ErrOutOfMemory)
	assert.Empty(t, sstate.LiveGenerations())
	sstate.Release()
}

func TestSharedStateRefCount(t *testing.T) {
	dev := newTestDevice(1024)
	defer dev.Close()
	sstate := newTestSharedState(t, dev)
	assert.Same(t, sstate, sstate.Acquire())
	sstate.Release()
	sstate.Release()
	assert.Panics(t, func() {
		sstate.Release()
	})
}

// Every generation gets exactly one terminator no matter how tasks
// interleave.
func TestSharedStateOneTerminator(t *testing.T) {
	dev := newTestDevice(1024)
	defer dev.Close()
	for round := 0; round < 20; round++ {
		sstate := newTestSharedState(t, dev)
		var lock sync.Mutex
		claimed := make(map[uint64]int)
		collect := func(bufs []*FinalBuffer) {
			lock.Lock()
			defer lock.Unlock()
			for _, buf := range bufs {
				claimed[buf.Id]++
			}
		}

		const ntasks = 32
		for i := 0; i < ntasks; i++ {
			sstate.RecordTaskStarted()
		}
		wg := sync.WaitGroup{}
		for i := 0; i < ntasks; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					buf, err := sstate.attach()
					if err != nil {
						panic(err)
					}
					collect(sstate.detach(buf, false, rand.IntN(3) == 0))
				}
				buf, err := sstate.attach()
				if err != nil {
					panic(err)
				}
				collect(sstate.detach(buf, true, false))
			}()
		}
		if round%2 == 0 {
			collect(sstate.MarkScanDone())
		}
		wg.Wait()
		if round%2 == 1 {
			collect(sstate.MarkScanDone())
		}

		stats := sstate.Stats()
		require.NotEmpty(t, stats.Generations)
		for _, gen := range stats.Generations {
			assert.Equal(t, 1, claimed[gen.Id], "gen %d", gen.Id)
		}
		assert.Len(t, claimed, len(stats.Generations))
		for _, gen := range sstate._arena._history {
			sstate.releaseBuffer(gen)
		}
		assert.Equal(t, int64(0), dev.MemUsed())
		sstate.Release()
	}
}
